package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldrec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: postgres
postgres_dsn: postgres://localhost/fieldrec
store_timeout: 750ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/fieldrec", cfg.PostgresDSN)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr, "absent keys keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldrec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9000\"\nlock_shards: 8\n"), 0o644))

	t.Setenv("FIELDREC_HTTP_ADDR", ":9100")
	t.Setenv("FIELDREC_STORE", "memory")
	t.Setenv("FIELDREC_STORE_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 8, cfg.LockShards)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store: [unclosed"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("FIELDREC_LOCK_SHARDS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "FIELDREC_LOCK_SHARDS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store = "mongo" }, "unknown store"},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, "postgres_dsn"},
		{"redis without addr", func(c *Config) { c.Store = StoreRedis; c.RedisAddr = "" }, "redis_addr"},
		{"negative timeout", func(c *Config) { c.StoreTimeout = -time.Second }, "store_timeout"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
