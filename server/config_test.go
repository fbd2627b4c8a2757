package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	assert.Equal(t, "localhost:8999", cfg.Addr())
	assert.Equal(t, []string{"General", "Random"}, cfg.Rooms)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, "file", cfg.Store.Kind)
	assert.Equal(t, 15*time.Second, cfg.Lease.TTL)
	assert.Equal(t, "logs/server.log", cfg.Logging().File)

	// A second load reads the file it wrote.
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"port": "9100",
		"rooms": ["Lobby"],
		"transport": {"kind": "nats", "prefix": "chat"},
		"store": {"kind": "sqlite"}
	}`), 0o644))

	t.Setenv("RELAYCHAT_PORT", "9200")
	t.Setenv("RELAYCHAT_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9200", cfg.Port)
	assert.Equal(t, []string{"Lobby"}, cfg.Rooms)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, "chat", cfg.Transport.Prefix)
	assert.Equal(t, "nats://localhost:4222", cfg.Transport.NATSURL)
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, "data/relaychat.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging().Level)
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":`), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
