package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	// Check some default values
	assert.Equal(t, "http://localhost:3001/api", cfg.Server.BaseURL)
	assert.Equal(t, 5, cfg.Server.ReconnectAttempts)
	assert.Equal(t, 5000, cfg.Dedup.TTLMs)
	assert.Equal(t, 1000, cfg.Dedup.IDBucketMs)
	assert.Equal(t, "/solicitacoes", cfg.Counter.InboxPath)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDefaultSuppressRules(t *testing.T) {
	cfg := DefaultConfig()

	require.Len(t, cfg.Sink.SuppressRules, 1)
	assert.Equal(t, "almoxarife", cfg.Sink.SuppressRules[0].Role)
	assert.Equal(t, "entrada", cfg.Sink.SuppressRules[0].Type)
}

func TestLoadConfigFromFile(t *testing.T) {
	// Write a test config file
	testConfig := `server:
  base_url: "https://api.stoqline.example/api"
  reconnect_attempts: 3
dedup:
  ttl_ms: 2500
logging:
  level: "debug"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	// Load the config
	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Check the loaded values
	assert.Equal(t, "https://api.stoqline.example/api", cfg.Server.BaseURL)
	assert.Equal(t, 3, cfg.Server.ReconnectAttempts)
	assert.Equal(t, 2500, cfg.Dedup.TTLMs)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values should be used for unspecified fields
	assert.Equal(t, 1000, cfg.Dedup.IDBucketMs)
	assert.Equal(t, "/solicitacoes", cfg.Counter.InboxPath)
}

func TestLoadConfigFileMissing(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	// Write a test config file
	testConfig := `server:
  base_url: "https://file.example/api"
counter:
  data_dir: "./file-data"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	// Override with environment variables and command-line flags
	t.Setenv("PULSE_SERVER_BASE_URL", "https://env.example/api")
	t.Setenv("PULSE_PUSH_APP_SERVER_KEY", "env-key")

	cfg, err := LoadConfig(configFile, "", "./cli-data", "warn")
	require.NoError(t, err)

	// Command-line flags should take precedence over env vars and file
	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Counter.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Env vars should take precedence over file
	assert.Equal(t, "https://env.example/api", cfg.Server.BaseURL)
	assert.Equal(t, "env-key", cfg.Push.AppServerKey)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	// Test connection config conversion
	connCfg := cfg.ToConnConfig()
	assert.Equal(t, cfg.Server.BaseURL, connCfg.BaseURL)
	assert.Equal(t, cfg.Server.ReconnectAttempts, connCfg.ReconnectAttempts)
	assert.Equal(t, time.Second, connCfg.ReconnectDelay)

	// Test push config conversion
	pushCfg := cfg.ToPushConfig()
	assert.Equal(t, cfg.Push.SubscribePath, pushCfg.SubscribePath)
	assert.Equal(t, 10*time.Second, pushCfg.Timeout)

	// Test dedup config conversion
	dedupCfg := cfg.ToDedupConfig()
	assert.Equal(t, 5*time.Second, dedupCfg.TTL)
	assert.Equal(t, time.Second, dedupCfg.IDBucket)

	// Test counter config conversion
	counterCfg := cfg.ToCounterConfig()
	assert.Equal(t, cfg.Counter.DataDir, counterCfg.DataDir)
	assert.Equal(t, cfg.Counter.InboxPath, counterCfg.InboxPath)

	// Test sink config conversion
	sinkCfg := cfg.ToSinkConfig()
	assert.Equal(t, cfg.Sink.TargetView, sinkCfg.TargetView)
	require.Len(t, sinkCfg.SuppressRules, 1)
	assert.Equal(t, "almoxarife", sinkCfg.SuppressRules[0].Role)
}
