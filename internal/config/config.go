package config

import "time"

// Config holds propchat configuration values.
type Config struct {
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Auth          AuthConfig          `mapstructure:"auth" yaml:"auth"`
	Realtime      RealtimeConfig      `mapstructure:"realtime" yaml:"realtime"`
	Typing        TypingConfig        `mapstructure:"typing" yaml:"typing"`
	Persistence   PersistenceConfig   `mapstructure:"persistence" yaml:"persistence"`
	Outbox        OutboxConfig        `mapstructure:"outbox" yaml:"outbox"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Relay         RelayConfig         `mapstructure:"relay" yaml:"relay"`
}

// LogConfig selects the log level and output format (console or json).
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AuthConfig holds JWT settings shared by the relay and development clients.
type AuthConfig struct {
	Secret      string        `mapstructure:"secret" yaml:"secret"`
	Issuer      string        `mapstructure:"issuer" yaml:"issuer"`
	Audience    string        `mapstructure:"audience" yaml:"audience"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RefreshLead time.Duration `mapstructure:"refresh_lead" yaml:"refresh_lead"`
}

// RealtimeConfig configures the websocket connection.
type RealtimeConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// TypingConfig tunes typing indicators.
type TypingConfig struct {
	StopAfter  time.Duration `mapstructure:"stop_after" yaml:"stop_after"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every" yaml:"sweep_every"`
}

// PersistenceConfig points at the durable message service.
type PersistenceConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Attempts   uint          `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// OutboxConfig selects where offline messages are kept. An empty path keeps
// them in memory.
type OutboxConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NotificationsConfig tunes the notification center.
type NotificationsConfig struct {
	MaxRecords int  `mapstructure:"max_records" yaml:"max_records"`
	Alerts     bool `mapstructure:"alerts" yaml:"alerts"`
}

// RelayConfig holds development relay server settings.
type RelayConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	ReadLimit         int64         `mapstructure:"read_limit" yaml:"read_limit"`
	// RateLimit caps send_message frames per connection per minute. Zero disables it.
	RateLimit         int           `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Auth: AuthConfig{
			Secret:      "dev-secret-change-me",
			Issuer:      "propchat",
			Audience:    "propchat",
			TTL:         time.Hour,
			RefreshLead: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:               "ws://localhost:8080/ws",
			ReconnectBase:     time.Second,
			ReconnectAttempts: 5,
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      5 * time.Second,
		},
		Typing: TypingConfig{
			StopAfter:  time.Second,
			TTL:        10 * time.Second,
			SweepEvery: time.Second,
		},
		Persistence: PersistenceConfig{
			URL:        "http://localhost:8080",
			Attempts:   3,
			RetryDelay: 200 * time.Millisecond,
			Timeout:    10 * time.Second,
		},
		Notifications: NotificationsConfig{
			MaxRecords: 100,
		},
		Relay: RelayConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			ReadLimit:         64 << 10,
			RateLimit:         120,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Only the settings exposed as command-line flags are considered.
func (c *Config) UpdateFrom(other Config) {
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.Realtime.URL != "" {
		c.Realtime.URL = other.Realtime.URL
	}
	if other.Persistence.URL != "" {
		c.Persistence.URL = other.Persistence.URL
	}
	if other.Outbox.Path != "" {
		c.Outbox.Path = other.Outbox.Path
	}
	if other.Relay.Addr != "" {
		c.Relay.Addr = other.Relay.Addr
	}
	if other.Relay.ShutdownTimeout != 0 {
		c.Relay.ShutdownTimeout = other.Relay.ShutdownTimeout
	}
}
