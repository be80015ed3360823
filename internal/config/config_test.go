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

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3030, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.Store.URI)
	assert.Equal(t, "nucleoid_players", cfg.Store.Database)
	assert.Equal(t, 10*time.Minute, cfg.Redis.ProfileTTL)
	assert.Equal(t, "stats-uploads", cfg.Kafka.Topic)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ExpandsVariables(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db:27017")
	path := writeConfig(t, "store:\n  uri: ${TEST_MONGO_URI}\n  database: stats\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.URI)
	assert.Equal(t, "stats", cfg.Store.Database)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STATS_SERVER_PORT", "9000")
	t.Setenv("STATS_SERVER_TOKENS", "a,b")
	t.Setenv("STATS_STORE_DRIVER", "memory")
	t.Setenv("STATS_AUDIT_RETENTION", "2h")
	path := writeConfig(t, "server:\n  port: 8000\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.ServerTokens)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Audit.Retention)
}

func TestLoad_UnknownDriver(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: sqlite\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadOrCreate_WritesDefaultWithToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, cfg.Server.ServerTokens, 1)
	assert.Len(t, cfg.Server.ServerTokens[0], 64)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Server.ServerTokens, again.Server.ServerTokens)
}

func TestGenerateToken_Unique(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestConnectionString(t *testing.T) {
	c := PostgresConfig{User: "u", Password: "p", Host: "h", Port: 5432, Database: "d"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.ConnectionString())
}
