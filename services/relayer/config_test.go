package relayer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relayer.yaml", `
operator:
  keystore: /tmp/relayer.keystore
admin:
  bearer_token: token
retry_interval: 10s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "relayer.db", cfg.Database.DSN)
	require.Equal(t, 10*time.Second, cfg.RetryInterval.Duration)
	require.Equal(t, 24*time.Hour, cfg.Recon.Interval.Duration)
	require.Equal(t, "TANDA_RELAYER_PASSPHRASE", cfg.Operator.PassphraseEnv)
}

func TestLoadConfigSecrets(t *testing.T) {
	dir := t.TempDir()
	tokenPath := writeFile(t, dir, "token", "from-file\n")
	t.Setenv("RELAYER_TEST_DSN", "postgres://relayer@localhost/relayer")
	path := writeFile(t, dir, "relayer.yaml", `
database:
  driver: postgres
  dsn_env: RELAYER_TEST_DSN
operator:
  keystore: /tmp/relayer.keystore
admin:
  bearer_token_file: `+tokenPath+`
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Admin.BearerToken)
	require.Equal(t, "postgres://relayer@localhost/relayer", cfg.Database.DSN)
}

func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no keystore":     "admin:\n  bearer_token: t\n",
		"no token":        "operator:\n  keystore: k\n",
		"bad stream":      "stream: http://x\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
		"bad driver":      "database:\n  driver: mysql\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
		"postgres no dsn": "database:\n  driver: postgres\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
		"bad duration":    "retry_interval: soon\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
		"negative retry":  "retry_interval: -5s\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
		"unknown field":   "bogus: 1\noperator:\n  keystore: k\nadmin:\n  bearer_token: t\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, dir, "c.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestLoadPoliciesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policies.yaml", "- vault: 0x"+
		"f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1\n  daily_cap: \"250000\"\n")
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, testVault, policies[0].Vault)
	require.Equal(t, int64(250000), policies[0].DailyCap.Int64())
}
