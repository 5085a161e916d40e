package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
db:
  dsn: postgres://localhost/escrow
auth:
  jwt_secret: 0123456789abcdef
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "mock", cfg.Settlement.Mode)
	assert.Equal(t, 15*time.Second, cfg.Settlement.Timeout.Duration)
	assert.Equal(t, 10*time.Minute, cfg.StepUp.TTL.Duration)
	assert.Equal(t, 6, cfg.StepUp.Digits)
	assert.Equal(t, "http", cfg.Blob.Backend)
	assert.Equal(t, 5, cfg.Notify.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Review.Window.Duration)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
settlement:
  mode: FIAT
  timeout: 3s
stepup:
  ttl: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, "fiat", cfg.Settlement.Mode)
	assert.Equal(t, 3*time.Second, cfg.Settlement.Timeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.StepUp.TTL.Duration)

	_, err = Load(writeConfig(t, minimal+`
stepup:
  ttl: soon
`))
	assert.ErrorContains(t, err, "parse duration")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"\nsurprise: true\n"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ESCROW_DB_DSN", "postgres://env/escrow")
	t.Setenv("ESCROW_SETTLEMENT_MODE", "chain")
	t.Setenv("ESCROW_SETTLEMENT_RPC_URL", "http://node:8545")
	t.Setenv("ESCROW_AUTHORITY_KEY", "deadbeef")
	t.Setenv("ESCROW_SETTLEMENT_TIMEOUT", "2s")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/escrow", cfg.DB.DSN)
	assert.Equal(t, "chain", cfg.Settlement.Mode)
	assert.Equal(t, "http://node:8545", cfg.Settlement.RPCURL)
	assert.Equal(t, 2*time.Second, cfg.Settlement.Timeout.Duration)
}

func TestValidate(t *testing.T) {
	t.Setenv("ESCROW_SETTLEMENT_MODE", "chain")
	_, err := Load(writeConfig(t, minimal))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settlement.rpc_url")
	assert.Contains(t, err.Error(), "settlement.authority_key")

	t.Setenv("ESCROW_SETTLEMENT_MODE", "barter")
	_, err = Load(writeConfig(t, minimal))
	assert.ErrorContains(t, err, "settlement.mode")

	t.Setenv("ESCROW_SETTLEMENT_MODE", "")
	_, err = Load(writeConfig(t, "db:\n  dsn: x\nauth:\n  jwt_secret: short\n"))
	assert.ErrorContains(t, err, "jwt_secret")

	_, err = Load(writeConfig(t, minimal+"blob:\n  backend: s3\n"))
	assert.ErrorContains(t, err, "blob.region")

	_, err = Load(writeConfig(t, minimal+"blob:\n  backend: memory\n"))
	assert.ErrorContains(t, err, "blob.backend")
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOnlyConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("ESCROW_DB_DSN", "postgres://env/escrow")
	t.Setenv("ESCROW_JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/escrow", cfg.DB.DSN)
}
