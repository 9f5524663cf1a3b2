package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete subsystem configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Push      PushConfig      `yaml:"push"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Counter   CounterConfig   `yaml:"counter"`
	Sink      SinkConfig      `yaml:"sink"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains backend connection settings
type ServerConfig struct {
	// API base URL; the stream endpoint is derived from it
	BaseURL           string `yaml:"base_url"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectDelayMs  int    `yaml:"reconnect_delay_ms"`
	HandshakeTimeoutS int    `yaml:"handshake_timeout_s"`
}

// PushConfig contains push registration settings
type PushConfig struct {
	AppServerKey  string `yaml:"app_server_key"`
	SubscribePath string `yaml:"subscribe_path"`
	TimeoutS      int    `yaml:"timeout_s"`
}

// DedupConfig contains dedup cache settings
type DedupConfig struct {
	TTLMs      int `yaml:"ttl_ms"`
	IDBucketMs int `yaml:"id_bucket_ms"`
}

// CounterConfig contains unread counter settings
type CounterConfig struct {
	DataDir    string `yaml:"data_dir"`
	StorageKey string `yaml:"storage_key"`
	InboxPath  string `yaml:"inbox_path"`
}

// SinkConfig contains delivery sink settings
type SinkConfig struct {
	Title         string         `yaml:"title"`
	TargetView    string         `yaml:"target_view"`
	SuppressRules []SuppressRule `yaml:"suppress_rules"`
	RecentSize    int            `yaml:"recent_size"`
}

// SuppressRule drops events of one type for one role
type SuppressRule struct {
	Role string `yaml:"role"`
	Type string `yaml:"type"`
}

// StatusConfig contains the local ops HTTP surface settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:3001/api",
			ReconnectAttempts: 5,
			ReconnectDelayMs:  1000,
			HandshakeTimeoutS: 10,
		},
		Push: PushConfig{
			SubscribePath: "/notifications/subscribe",
			TimeoutS:      10,
		},
		Dedup: DedupConfig{
			TTLMs:      5000,
			IDBucketMs: 1000,
		},
		Counter: CounterConfig{
			DataDir:    "./data",
			StorageKey: "unread_notifications",
			InboxPath:  "/solicitacoes",
		},
		Sink: SinkConfig{
			Title:      "StoqLine",
			TargetView: "/solicitacoes",
			SuppressRules: []SuppressRule{
				{Role: "almoxarife", Type: "entrada"},
			},
			RecentSize: 256,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "pulse",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	// Read and parse configuration file
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, baseURL string, dataDir string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	// Load from file if specified
	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		// Use default config
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if baseURL != "" {
		config.Server.BaseURL = baseURL
	}

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Counter.DataDir = absDataDir
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	// Server config overrides
	if baseURL := os.Getenv("PULSE_SERVER_BASE_URL"); baseURL != "" {
		config.Server.BaseURL = baseURL
	}
	if attemptsStr := os.Getenv("PULSE_SERVER_RECONNECT_ATTEMPTS"); attemptsStr != "" {
		if val, err := strconv.Atoi(attemptsStr); err == nil {
			config.Server.ReconnectAttempts = val
		}
	}

	// Push config overrides; the app server key is deploy-time material
	// and usually arrives this way
	if key := os.Getenv("PULSE_PUSH_APP_SERVER_KEY"); key != "" {
		config.Push.AppServerKey = key
	}

	// Counter config overrides
	if dataDir := os.Getenv("PULSE_COUNTER_DATA_DIR"); dataDir != "" {
		config.Counter.DataDir = dataDir
	}

	// Logging config overrides
	if level := os.Getenv("PULSE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PULSE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
