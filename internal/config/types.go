package config

import (
	"fmt"
	"net"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Filename      string               `yaml:"-"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Server        ServerConfig         `yaml:"server"`
	Proxy         ProxyConfig          `yaml:"proxy"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Logging       LoggingConfig        `yaml:"logging"`
	External      ExternalAccessConfig `yaml:"external"`
	Storage       StorageConfig        `yaml:"storage"`
}

// SubscriptionConfig describes one upstream credential.
type SubscriptionConfig struct {
	Name          string `yaml:"name" mapstructure:"name"`
	APIKey        string `yaml:"api_key" mapstructure:"api_key"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	Priority      int    `yaml:"priority" mapstructure:"priority"`
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RequestLogging  bool          `yaml:"request_logging" mapstructure:"request_logging"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProxyConfig holds upstream client configuration
type ProxyConfig struct {
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ResponseTimeout  time.Duration `yaml:"response_timeout" mapstructure:"response_timeout"`
	MaxIdleConns     int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxConns         int           `yaml:"max_conns" mapstructure:"max_conns"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxRetries429    int           `yaml:"max_retries_429" mapstructure:"max_retries_429"`
	StreamBufferSize int           `yaml:"stream_buffer_size" mapstructure:"stream_buffer_size"`
}

// RateLimitConfig controls the post-429 cooldown window.
type RateLimitConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

func (r *RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// ExternalAccessConfig gates non-loopback callers.
type ExternalAccessConfig struct {
	Enabled        bool     `yaml:"enabled"`
	APIToken       string   `yaml:"api_token" mapstructure:"api_token"`
	AllowedClients []string `yaml:"allowed_clients" mapstructure:"allowed_clients"`
	LocalCIDRs     []string `yaml:"local_cidrs" mapstructure:"local_cidrs"`
	// parsed once at load time to avoid re-parsing per request
	LocalCIDRsParsed []*net.IPNet `yaml:"-" mapstructure:"-"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds usage store configuration
type StorageConfig struct {
	Path       string `yaml:"path"`
	RetainDays int    `yaml:"retain_days" mapstructure:"retain_days"`
}
