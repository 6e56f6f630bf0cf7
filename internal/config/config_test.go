package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, StoreFS, cfg.Store.Backend)
	assert.Equal(t, "./data", cfg.Store.Path)
	assert.Equal(t, HashBcrypt, cfg.Hash.Algorithm)
	assert.Equal(t, int64(4), cfg.Hash.Concurrency)
	assert.Equal(t, 168*time.Hour, cfg.Session.Lifetime)
	assert.False(t, cfg.Google.Enabled())
	assert.Empty(t, cfg.MinIO.Endpoint)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDENTITY_STORE_BACKEND", "postgres")
	t.Setenv("IDENTITY_STORE_DSN", "postgres://localhost/identity")
	t.Setenv("IDENTITY_HASH_ALGORITHM", "argon2id")
	t.Setenv("IDENTITY_HASH_THREADS", "4")
	t.Setenv("IDENTITY_JWT_TTL", "1h")
	t.Setenv("IDENTITY_GITHUB_CLIENT_ID", "gh")
	t.Setenv("IDENTITY_GITHUB_CLIENT_SECRET", "shh")
	t.Setenv("IDENTITY_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, uint8(4), cfg.Hash.Threads)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.True(t, cfg.GitHub.Enabled())
	assert.False(t, cfg.Google.Enabled())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"postgres without dsn", map[string]string{"IDENTITY_STORE_BACKEND": "postgres"}, "IDENTITY_STORE_DSN"},
		{"datastore without project", map[string]string{"IDENTITY_STORE_BACKEND": "datastore"}, "IDENTITY_STORE_PROJECT_ID"},
		{"unknown backend", map[string]string{"IDENTITY_STORE_BACKEND": "redis"}, "unknown store backend"},
		{"unknown hash", map[string]string{"IDENTITY_HASH_ALGORITHM": "md5"}, "unknown hash algorithm"},
		{"zero concurrency", map[string]string{"IDENTITY_HASH_CONCURRENCY": "0"}, "IDENTITY_HASH_CONCURRENCY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestSlogLevelFallback(t *testing.T) {
	cfg := &Config{LogLevel: "loud"}
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
