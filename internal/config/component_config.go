package config

import (
	"time"

	"github.com/stoqline/pulse/internal/conn"
	"github.com/stoqline/pulse/internal/counter"
	"github.com/stoqline/pulse/internal/dedup"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/push"
	"github.com/stoqline/pulse/internal/sink"
	"github.com/stoqline/pulse/internal/telemetry"
)

// ToConnConfig converts to connection manager config
func (c *Config) ToConnConfig() conn.Config {
	return conn.Config{
		BaseURL:           c.Server.BaseURL,
		ReconnectAttempts: c.Server.ReconnectAttempts,
		ReconnectDelay:    time.Duration(c.Server.ReconnectDelayMs) * time.Millisecond,
		HandshakeTimeout:  time.Duration(c.Server.HandshakeTimeoutS) * time.Second,
	}
}

// ToPushConfig converts to push manager config
func (c *Config) ToPushConfig() push.Config {
	return push.Config{
		BaseURL:       c.Server.BaseURL,
		SubscribePath: c.Push.SubscribePath,
		AppServerKey:  c.Push.AppServerKey,
		Timeout:       time.Duration(c.Push.TimeoutS) * time.Second,
	}
}

// ToDedupConfig converts to dedup cache config
func (c *Config) ToDedupConfig() dedup.Config {
	return dedup.Config{
		TTL:      time.Duration(c.Dedup.TTLMs) * time.Millisecond,
		IDBucket: time.Duration(c.Dedup.IDBucketMs) * time.Millisecond,
	}
}

// ToCounterConfig converts to unread counter config
func (c *Config) ToCounterConfig() counter.Config {
	return counter.Config{
		DataDir:    c.Counter.DataDir,
		StorageKey: c.Counter.StorageKey,
		InboxPath:  c.Counter.InboxPath,
	}
}

// ToSinkConfig converts to delivery sink config
func (c *Config) ToSinkConfig() sink.Config {
	rules := make([]sink.SuppressRule, 0, len(c.Sink.SuppressRules))
	for _, r := range c.Sink.SuppressRules {
		rules = append(rules, sink.SuppressRule{Role: r.Role, Type: r.Type})
	}
	return sink.Config{
		Title:         c.Sink.Title,
		TargetView:    c.Sink.TargetView,
		SuppressRules: rules,
		RecentSize:    c.Sink.RecentSize,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{
		Level:               logging.LogLevel(c.Logging.Level),
		Format:              logging.LogFormat(c.Logging.Format),
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
