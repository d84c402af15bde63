package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Bus     BusConfig     `mapstructure:"bus"`
	Energy  EnergyConfig  `mapstructure:"energy"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RemoteConfig defines the remote session authority and energy ledger endpoints
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout string `mapstructure:"timeout"`
}

// BusConfig defines the cross-instance broadcast transport
type BusConfig struct {
	Transport string      `mapstructure:"transport"` // "redis", "relay", or "none"
	Channel   string      `mapstructure:"channel"`
	Redis     RedisConfig `mapstructure:"redis"`
	RelayURL  string      `mapstructure:"relay_url"`
}

// RedisConfig defines Redis connection settings for the redis transport
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// EnergyConfig defines energy tracking behaviour
type EnergyConfig struct {
	Tracking        bool   `mapstructure:"tracking"`
	RefreshInterval string `mapstructure:"refresh_interval"` // "0" disables periodic refresh
}

// RelayConfig defines the relay broker server settings
type RelayConfig struct {
	ListenAddress string         `mapstructure:"listen_address"`
	TLS           RelayTLSConfig `mapstructure:"tls"`
}

// RelayTLSConfig defines TLS settings for the relay broker
type RelayTLSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Domain      string `mapstructure:"domain"`
	CertPath    string `mapstructure:"cert_path"`
	KeyPath     string `mapstructure:"key_path"`
	UseACME     bool   `mapstructure:"use_acme"`
	ACMEEmail   string `mapstructure:"acme_email"`
	DNSProvider string `mapstructure:"dns_provider"`
	CADirURL    string `mapstructure:"ca_dir_url"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PHOENIX_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Remote defaults
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", "10s")

	// Bus defaults
	v.SetDefault("bus.transport", "redis")
	v.SetDefault("bus.channel", "phoenix-auth")
	v.SetDefault("bus.relay_url", "")
	v.SetDefault("bus.redis.host", "127.0.0.1")
	v.SetDefault("bus.redis.port", 6379)
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("bus.redis.pool_size", 10)
	v.SetDefault("bus.redis.min_idle_conns", 2)
	v.SetDefault("bus.redis.dial_timeout", "5s")
	v.SetDefault("bus.redis.read_timeout", "3s")
	v.SetDefault("bus.redis.write_timeout", "3s")

	// Energy defaults
	v.SetDefault("energy.tracking", true)
	v.SetDefault("energy.refresh_interval", "0")

	// Relay server defaults
	v.SetDefault("relay.listen_address", "127.0.0.1:7420")
	v.SetDefault("relay.tls.enabled", false)
	v.SetDefault("relay.tls.use_acme", false)
	v.SetDefault("relay.tls.cert_path", "/etc/phoenix-sync/relay.crt")
	v.SetDefault("relay.tls.key_path", "/etc/phoenix-sync/relay.key")
	v.SetDefault("relay.tls.ca_dir_url", "https://acme-v02.api.letsencrypt.org/directory")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9234)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Remote.BaseURL != "" {
		u, err := url.Parse(cfg.Remote.BaseURL)
		if err != nil {
			return fmt.Errorf("remote.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("remote.base_url must use http or https, got %q", u.Scheme)
		}
	}

	if _, err := time.ParseDuration(cfg.Remote.Timeout); err != nil {
		return fmt.Errorf("remote.timeout is not a valid duration: %w", err)
	}

	switch cfg.Bus.Transport {
	case "redis", "relay", "none":
	default:
		return fmt.Errorf("bus.transport must be one of redis, relay, none; got %q", cfg.Bus.Transport)
	}

	if cfg.Bus.Channel == "" {
		return fmt.Errorf("bus.channel is required")
	}

	if cfg.Bus.Transport == "relay" {
		u, err := url.Parse(cfg.Bus.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("bus.relay_url must be a ws:// or wss:// URL when bus.transport is relay")
		}
	}

	if cfg.Bus.Transport == "redis" {
		for key, val := range map[string]string{
			"bus.redis.dial_timeout":  cfg.Bus.Redis.DialTimeout,
			"bus.redis.read_timeout":  cfg.Bus.Redis.ReadTimeout,
			"bus.redis.write_timeout": cfg.Bus.Redis.WriteTimeout,
		} {
			if _, err := time.ParseDuration(val); err != nil {
				return fmt.Errorf("%s is not a valid duration: %w", key, err)
			}
		}
	}

	if cfg.Energy.RefreshInterval != "" && cfg.Energy.RefreshInterval != "0" {
		if _, err := time.ParseDuration(cfg.Energy.RefreshInterval); err != nil {
			return fmt.Errorf("energy.refresh_interval is not a valid duration: %w", err)
		}
	}

	if cfg.Relay.TLS.UseACME {
		if cfg.Relay.TLS.Domain == "" {
			return fmt.Errorf("relay.tls.domain is required when relay.tls.use_acme is enabled")
		}
		if cfg.Relay.TLS.DNSProvider == "" {
			return fmt.Errorf("relay.tls.dns_provider is required when relay.tls.use_acme is enabled")
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}

	return nil
}
