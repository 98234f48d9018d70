package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "PROPCHAT"
	envConfigDefaultPath = "PROPCHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "propchat.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
// Nested keys map to env vars with underscores, e.g. PROPCHAT_RELAY_ADDR.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.issuer", cfg.Auth.Issuer)
	v.SetDefault("auth.audience", cfg.Auth.Audience)
	v.SetDefault("auth.ttl", cfg.Auth.TTL)
	v.SetDefault("auth.refresh_lead", cfg.Auth.RefreshLead)

	v.SetDefault("realtime.url", cfg.Realtime.URL)
	v.SetDefault("realtime.reconnect_base", cfg.Realtime.ReconnectBase)
	v.SetDefault("realtime.reconnect_attempts", cfg.Realtime.ReconnectAttempts)
	v.SetDefault("realtime.handshake_timeout", cfg.Realtime.HandshakeTimeout)
	v.SetDefault("realtime.write_timeout", cfg.Realtime.WriteTimeout)

	v.SetDefault("typing.stop_after", cfg.Typing.StopAfter)
	v.SetDefault("typing.ttl", cfg.Typing.TTL)
	v.SetDefault("typing.sweep_every", cfg.Typing.SweepEvery)

	v.SetDefault("persistence.url", cfg.Persistence.URL)
	v.SetDefault("persistence.attempts", cfg.Persistence.Attempts)
	v.SetDefault("persistence.retry_delay", cfg.Persistence.RetryDelay)
	v.SetDefault("persistence.timeout", cfg.Persistence.Timeout)

	v.SetDefault("outbox.path", cfg.Outbox.Path)

	v.SetDefault("notifications.max_records", cfg.Notifications.MaxRecords)
	v.SetDefault("notifications.alerts", cfg.Notifications.Alerts)

	v.SetDefault("relay.addr", cfg.Relay.Addr)
	v.SetDefault("relay.read_header_timeout", cfg.Relay.ReadHeaderTimeout)
	v.SetDefault("relay.shutdown_timeout", cfg.Relay.ShutdownTimeout)
	v.SetDefault("relay.read_limit", cfg.Relay.ReadLimit)
	v.SetDefault("relay.rate_limit", cfg.Relay.RateLimit)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
