package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, "abc", MaskField("tanda", "abc").Value.String())
	require.Equal(t, RedactedValue, MaskField("participant", "tnd1xyz").Value.String())
	require.Equal(t, "", MaskField("participant", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "vault")
}
