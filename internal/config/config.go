// Package config loads the control plane's runtime configuration via
// viper, with environment-variable overrides under the ROUTEROS_FLEET_
// prefix, mirroring the layered config-loading idiom used across the
// control plane binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Environment string

const (
	EnvironmentLab     Environment = "lab"
	EnvironmentStaging Environment = "staging"
	EnvironmentProd    Environment = "prod"
)

type Config struct {
	Environment Environment `mapstructure:"environment"`
	LogLevel    string      `mapstructure:"log_level"`

	EncryptionKey string `mapstructure:"encryption_key"`

	SnapshotCaptureEnabled         bool `mapstructure:"snapshot_capture_enabled"`
	SnapshotCaptureIntervalSeconds int  `mapstructure:"snapshot_capture_interval_seconds"`
	SnapshotMaxSizeBytes           int  `mapstructure:"snapshot_max_size_bytes"`
	SnapshotCompressionLevel       int  `mapstructure:"snapshot_compression_level"`
	SnapshotRetentionCount         int  `mapstructure:"snapshot_retention_count"`
	SnapshotUseShellFallback       bool `mapstructure:"snapshot_use_shell_fallback"`

	RouterOSVerifySSL bool `mapstructure:"routeros_verify_ssl"`

	SessionTTLSeconds int  `mapstructure:"session_ttl_seconds"`
	AllowProdWrites   bool `mapstructure:"allow_prod_writes"`

	NotificationBackend    string   `mapstructure:"notification_backend"` // "mock" or "smtp"
	NotificationRecipients []string `mapstructure:"notification_recipients"`
	NotificationBaseURL    string   `mapstructure:"notification_base_url"`
	SMTPAddr               string   `mapstructure:"smtp_addr"` // host:port
	SMTPFrom               string   `mapstructure:"smtp_from"`
	SMTPUsername           string   `mapstructure:"smtp_username"`
	SMTPPassword           string   `mapstructure:"smtp_password"`

	DatabaseDSN string `mapstructure:"database_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	HTTPAddress string `mapstructure:"http_address"`

	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
}

// RESTTimeout is the fixed per-call timeout for device REST calls.
func (c *Config) RESTTimeout() time.Duration { return 15 * time.Second }

// ShellTimeout is the fixed per-call timeout for device shell/export calls.
func (c *Config) ShellTimeout() time.Duration { return 60 * time.Second }

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", string(EnvironmentLab))
	v.SetDefault("log_level", "info")
	v.SetDefault("snapshot_capture_enabled", true)
	v.SetDefault("snapshot_capture_interval_seconds", 3600)
	v.SetDefault("snapshot_max_size_bytes", 10*1024*1024)
	v.SetDefault("snapshot_compression_level", 6)
	v.SetDefault("snapshot_retention_count", 5)
	v.SetDefault("snapshot_use_shell_fallback", true)
	v.SetDefault("routeros_verify_ssl", true)
	v.SetDefault("session_ttl_seconds", 8*60*60)
	v.SetDefault("allow_prod_writes", false)
	v.SetDefault("notification_backend", "mock")
	v.SetDefault("http_address", ":8080")
	v.SetDefault("concurrency_limit", 5)
}

// Load reads configuration from an optional file plus
// ROUTEROS_FLEET_-prefixed environment variables, the latter taking
// precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROUTEROS_FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
