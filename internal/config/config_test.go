package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.True(t, cfg.IsDev())
	assert.Contains(t, cfg.DSN, "tcp(127.0.0.1:3306)/streamgate")
	assert.Contains(t, cfg.DSN, "parseTime=True")
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
env: production
jwt:
  secret: viewer-secret
  admin_secret: admin-secret
database:
  host: db.internal
  name: gate
redis:
  host: cache.internal
  db: 2
allowed_origins:
  - "*.example.com"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "viewer-secret", cfg.JWT.ViewerSecret)
	assert.Equal(t, "admin-secret", cfg.JWT.AdminSecret)
	assert.Empty(t, cfg.JWT.EventSecret)
	assert.Contains(t, cfg.DSN, "tcp(db.internal:3306)/gate")
	assert.Equal(t, "redis://cache.internal:6379/2", cfg.RedisURL)
	assert.Equal(t, []string{"*.example.com"}, cfg.AllowedOrigins)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8080\nenv: production\n"), 0o644))

	t.Setenv("GATE_PORT", "9090")
	t.Setenv("GATE_DSN", "root:pw@tcp(10.0.0.5:3306)/gate?parseTime=True")
	t.Setenv("GATE_REDIS_URL", "redis://10.0.0.6:6379/1")
	t.Setenv("GATE_ALLOWED_ORIGINS", "a.example.com, b.example.com ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "root:pw@tcp(10.0.0.5:3306)/gate?parseTime=True", cfg.DSN)
	assert.Equal(t, "redis://10.0.0.6:6379/1", cfg.RedisURL)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedOrigins)
}

func TestGenericEnvFallbacks(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.False(t, cfg.IsDev())
}

func TestRedisURLBuilder(t *testing.T) {
	c := RedisRuntimeConfig{Host: "cache", Port: 6380, Password: "pw", TLS: true, DB: 3}
	assert.Equal(t, "rediss://:pw@cache:6380/3", c.URLValue())

	c = RedisRuntimeConfig{URL: "cache:6379"}
	assert.Equal(t, "redis://cache:6379", c.URLValue())
}
