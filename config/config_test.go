package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/fundshield")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "50000", cfg.Policy.HighAmountThreshold)
	assert.Equal(t, 2, cfg.Policy.MaxAppeals)
	assert.Equal(t, 7*24*time.Hour, cfg.Policy.AppealWindow)
	assert.Equal(t, "postgres://localhost/fundshield", cfg.Database.URL)
	assert.Equal(t, cfg.Database.URL, cfg.Database.RetryURL)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fundshield.yaml")
	body := `
database:
  url: postgres://file/db
auth:
  jwt_secret: from-file
  clients:
    - id: ops
      secret_hash: "$2a$10$abc"
      role: admin
scheduler:
  interval: 1m
  lock_ttl: 30s
policy:
  binding_types: [PAYMENT_NOT_RECEIVED]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("FUNDSHIELD_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/db", cfg.Database.URL)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"PAYMENT_NOT_RECEIVED"}, cfg.Policy.BindingTypes)
	require.Len(t, cfg.Auth.Clients, 1)
	assert.Equal(t, "admin", cfg.Auth.Clients[0].Role)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(), "missing database url")

	cfg.Database.URL = "postgres://x"
	cfg.Auth.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.Scheduler.LockTTL = 2 * cfg.Scheduler.Interval
	assert.Error(t, cfg.Validate(), "lock ttl longer than interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
