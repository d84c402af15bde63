package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/phoenix-apps/phoenix-sync/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the phoenix-sync configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		defaultCfg := getDefaultConfig()
		dumpConfig(cfg, defaultCfg, unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	setDefaultsForDump(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// setDefaultsForDump sets default configuration values (copied from config package)
func setDefaultsForDump(v *viper.Viper) {
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

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	allKeys := v.AllKeys()
	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range allKeys {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Remote
		"remote.base_url": true,
		"remote.timeout":  true,

		// Bus
		"bus.transport":            true,
		"bus.channel":              true,
		"bus.relay_url":            true,
		"bus.redis.host":           true,
		"bus.redis.port":           true,
		"bus.redis.password":       true,
		"bus.redis.db":             true,
		"bus.redis.pool_size":      true,
		"bus.redis.min_idle_conns": true,
		"bus.redis.dial_timeout":   true,
		"bus.redis.read_timeout":   true,
		"bus.redis.write_timeout":  true,

		// Energy
		"energy.tracking":         true,
		"energy.refresh_interval": true,

		// Relay
		"relay.listen_address":   true,
		"relay.tls.enabled":      true,
		"relay.tls.domain":       true,
		"relay.tls.cert_path":    true,
		"relay.tls.key_path":     true,
		"relay.tls.use_acme":     true,
		"relay.tls.acme_email":   true,
		"relay.tls.dns_provider": true,
		"relay.tls.ca_dir_url":   true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.port":         true,
		"metrics.bind_address": true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Remote
	_, _ = cyan.Println("\n[remote]")
	dumpField("  base_url", cfg.Remote.BaseURL, defaultCfg.Remote.BaseURL, yellow, green)
	dumpField("  timeout", cfg.Remote.Timeout, defaultCfg.Remote.Timeout, yellow, green)

	// Bus
	_, _ = cyan.Println("\n[bus]")
	dumpField("  transport", cfg.Bus.Transport, defaultCfg.Bus.Transport, yellow, green)
	dumpField("  channel", cfg.Bus.Channel, defaultCfg.Bus.Channel, yellow, green)
	dumpField("  relay_url", cfg.Bus.RelayURL, defaultCfg.Bus.RelayURL, yellow, green)
	_, _ = cyan.Println("  [bus.redis]")
	dumpField("    host", cfg.Bus.Redis.Host, defaultCfg.Bus.Redis.Host, yellow, green)
	dumpField("    port", cfg.Bus.Redis.Port, defaultCfg.Bus.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Bus.Redis.Password), redactPassword(defaultCfg.Bus.Redis.Password), yellow, green)
	dumpField("    db", cfg.Bus.Redis.DB, defaultCfg.Bus.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Bus.Redis.PoolSize, defaultCfg.Bus.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Bus.Redis.MinIdleConns, defaultCfg.Bus.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Bus.Redis.DialTimeout, defaultCfg.Bus.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Bus.Redis.ReadTimeout, defaultCfg.Bus.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Bus.Redis.WriteTimeout, defaultCfg.Bus.Redis.WriteTimeout, yellow, green)

	// Energy
	_, _ = cyan.Println("\n[energy]")
	dumpField("  tracking", cfg.Energy.Tracking, defaultCfg.Energy.Tracking, yellow, green)
	dumpField("  refresh_interval", cfg.Energy.RefreshInterval, defaultCfg.Energy.RefreshInterval, yellow, green)

	// Relay
	_, _ = cyan.Println("\n[relay]")
	dumpField("  listen_address", cfg.Relay.ListenAddress, defaultCfg.Relay.ListenAddress, yellow, green)
	_, _ = cyan.Println("  [relay.tls]")
	dumpField("    enabled", cfg.Relay.TLS.Enabled, defaultCfg.Relay.TLS.Enabled, yellow, green)
	dumpField("    domain", cfg.Relay.TLS.Domain, defaultCfg.Relay.TLS.Domain, yellow, green)
	dumpField("    cert_path", cfg.Relay.TLS.CertPath, defaultCfg.Relay.TLS.CertPath, yellow, green)
	dumpField("    key_path", cfg.Relay.TLS.KeyPath, defaultCfg.Relay.TLS.KeyPath, yellow, green)
	dumpField("    use_acme", cfg.Relay.TLS.UseACME, defaultCfg.Relay.TLS.UseACME, yellow, green)
	dumpField("    acme_email", cfg.Relay.TLS.ACMEEmail, defaultCfg.Relay.TLS.ACMEEmail, yellow, green)
	dumpField("    dns_provider", cfg.Relay.TLS.DNSProvider, defaultCfg.Relay.TLS.DNSProvider, yellow, green)
	dumpField("    ca_dir_url", cfg.Relay.TLS.CADirURL, defaultCfg.Relay.TLS.CADirURL, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
