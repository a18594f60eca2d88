package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, ".", cfg.Workspace)
	assert.Equal(t, "memory", cfg.Backend.Name)
	assert.NotNil(t, cfg.Backend.Config)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flamestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "0.0.0.0:7564"
workspace: /tmp/ws
backend:
  name: distributed
  config:
    selector: hash
    metadata-path: /tmp/meta
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7564", cfg.Listen)
	assert.Equal(t, "/tmp/ws", cfg.Workspace)
	assert.Equal(t, "distributed", cfg.Backend.Name)
	assert.Equal(t, "hash", cfg.Backend.Config["selector"])
	assert.Equal(t, "/tmp/meta", cfg.Backend.Config["metadata-path"])
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	log := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	cfg.Log.Level = "not-a-level"
	log = cfg.NewLogger()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewLoggerFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "flamestore.log")
	cfg.Log.File = path
	log := cfg.NewLogger()
	log.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
