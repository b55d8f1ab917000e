package relayer

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconcilerExport(t *testing.T) {
	proc, store, _ := newTestProcessor(t, 100_000)
	ctx := context.Background()
	for round := uint64(0); round < 3; round++ {
		require.NoError(t, proc.Process(ctx, withdrawal(round, 1000)))
	}

	dir := t.TempDir()
	recon, err := NewReconciler(store, dir, nil)
	require.NoError(t, err)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	report, err := recon.Export(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, report.Count)

	f, err := os.Open(report.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, "1000", records[1][5])

	info, err := os.Stat(report.ParquetPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	empty, err := recon.Export(ctx, day.Add(48*time.Hour), day.Add(72*time.Hour))
	require.NoError(t, err)
	require.Zero(t, empty.Count)

	_, err = recon.Export(ctx, day, day)
	require.Error(t, err)
}
