package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8085", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "ledgerd.db", cfg.Database.Path)
	require.Equal(t, 30*time.Second, cfg.Escrow.DefaultTimeout.Duration)
	require.Equal(t, 10*time.Minute, cfg.Escrow.RecoveryAge.Duration)
	require.Equal(t, 600, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, 3, cfg.Retention.RunHour)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
escrow:
  default_timeout: 5s
  recovery_interval: 15s
  recovery_age: 20m
bridge:
  reserved_coin: AGR
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 5*time.Second, cfg.Escrow.DefaultTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.Escrow.RecoveryInterval.Duration)
	require.Equal(t, 20*time.Minute, cfg.Escrow.RecoveryAge.Duration)
	require.Equal(t, "AGR", cfg.Bridge.ReservedCoin)
}

func TestLoadSecretFromEnv(t *testing.T) {
	t.Setenv("LEDGERD_TEST_SECRET", "abcdefghijklmnopqrstuvwxyz0123456789")
	path := writeConfig(t, `
auth:
  hmac_secret_env: LEDGERD_TEST_SECRET
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "abcdefghijklmnopqrstuvwxyz0123456789", cfg.Auth.HMACSecret)
}

func TestLoadSecretFromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("  fedcba9876543210fedcba9876543210\n"), 0o600))
	path := writeConfig(t, "auth:\n  hmac_secret_file: "+secretPath+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "fedcba9876543210fedcba9876543210", cfg.Auth.HMACSecret)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing secret": "listen: \":1\"\n",
		"short secret":   "auth:\n  hmac_secret: short\n",
		"recovery age": `
escrow:
  recovery_age: 1m
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`,
		"unknown driver": `
database:
  driver: mysql
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`,
		"postgres without dsn": `
database:
  driver: postgres
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`,
		"bad duration": `
escrow:
  default_timeout: soon
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`,
		"unknown key": `
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
bogus: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
