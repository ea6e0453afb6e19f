package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete broker configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains the HTTP/websocket listener settings
type ServerConfig struct {
	Address    string    `yaml:"address"`
	APIAddress string    `yaml:"api_address"`
	Timeout    string    `yaml:"timeout"`
	TLS        TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	Timeout string `yaml:"timeout"`
}

// BrokerConfig contains protocol broker settings
type BrokerConfig struct {
	CallTimeout             string `yaml:"call_timeout"`
	MaxConnectionsPerSource int    `yaml:"max_connections_per_source"`
	FollowUpWindow          string `yaml:"follow_up_window"`
}

// RelayConfig contains forwarding relay settings
type RelayConfig struct {
	SyncInterval   string `yaml:"sync_interval"`
	KeepaliveIdle  string `yaml:"keepalive_idle"`
	ConnectTimeout string `yaml:"connect_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig contains auth-related settings
type SecurityConfig struct {
	JWT           JWTConfig `yaml:"jwt"`
	SigningSecret string    `yaml:"signing_secret"`
}

// JWTConfig contains admin API token settings
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// Load loads configuration from a YAML file
func Load(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Save saves configuration to a YAML file
func Save(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefault creates a default configuration
func NewDefault() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":9033"
	}
	if c.Server.APIAddress == "" {
		c.Server.APIAddress = ":9034"
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = "15s"
	}

	if c.Database.Path == "" {
		c.Database.Path = "voltbridge.db"
	}
	if c.Database.Timeout == "" {
		c.Database.Timeout = "5s"
	}

	if c.Broker.CallTimeout == "" {
		c.Broker.CallTimeout = "30s"
	}
	if c.Broker.MaxConnectionsPerSource == 0 {
		c.Broker.MaxConnectionsPerSource = 4
	}
	if c.Broker.FollowUpWindow == "" {
		c.Broker.FollowUpWindow = "2m"
	}

	if c.Relay.SyncInterval == "" {
		c.Relay.SyncInterval = "1m"
	}
	if c.Relay.KeepaliveIdle == "" {
		c.Relay.KeepaliveIdle = "2m"
	}
	if c.Relay.ConnectTimeout == "" {
		c.Relay.ConnectTimeout = "10s"
	}
	if c.Relay.WriteTimeout == "" {
		c.Relay.WriteTimeout = "10s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Security.JWT.SecretKey == "" {
		c.Security.JWT.SecretKey = "change-this-admin-token-secret-before-deploying"
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "voltbridge"
	}
	if c.Security.JWT.ExpiryHours == 0 {
		c.Security.JWT.ExpiryHours = 24
	}
	if c.Security.SigningSecret == "" {
		c.Security.SigningSecret = "change-this-signing-secret-before-deploying"
	}
}

// validate checks if the configuration values are valid
func (c *Config) validate() error {
	durations := map[string]string{
		"server timeout":        c.Server.Timeout,
		"database timeout":      c.Database.Timeout,
		"call timeout":          c.Broker.CallTimeout,
		"follow-up window":      c.Broker.FollowUpWindow,
		"relay sync interval":   c.Relay.SyncInterval,
		"relay keepalive idle":  c.Relay.KeepaliveIdle,
		"relay connect timeout": c.Relay.ConnectTimeout,
		"relay write timeout":   c.Relay.WriteTimeout,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.Broker.MaxConnectionsPerSource <= 0 {
		return fmt.Errorf("max_connections_per_source must be greater than 0")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console'")
	}

	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long")
	}
	if c.Security.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("JWT expiry_hours must be greater than 0")
	}

	return nil
}

// GetServerTimeout returns the HTTP server timeout as a time.Duration
func (c *Config) GetServerTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.Timeout)
	return d
}

// GetCallTimeout returns the default pending-call timeout
func (c *Config) GetCallTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Broker.CallTimeout)
	return d
}

// GetFollowUpWindow returns how long triggered-message follow-ups stay armed
func (c *Config) GetFollowUpWindow() time.Duration {
	d, _ := time.ParseDuration(c.Broker.FollowUpWindow)
	return d
}

// GetRelaySyncInterval returns the relay reconciliation interval
func (c *Config) GetRelaySyncInterval() time.Duration {
	d, _ := time.ParseDuration(c.Relay.SyncInterval)
	return d
}

// GetRelayKeepaliveIdle returns the idle threshold before a relay session is pinged
func (c *Config) GetRelayKeepaliveIdle() time.Duration {
	d, _ := time.ParseDuration(c.Relay.KeepaliveIdle)
	return d
}

// GetRelayConnectTimeout returns the per-candidate relay dial timeout
func (c *Config) GetRelayConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Relay.ConnectTimeout)
	return d
}

// GetRelayWriteTimeout returns the relay socket write deadline
func (c *Config) GetRelayWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Relay.WriteTimeout)
	return d
}
