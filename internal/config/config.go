package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/util"
)

const (
	DefaultPort    = 8080
	DefaultHost    = "0.0.0.0"
	DefaultBaseURL = "https://api.anthropic.com"

	MaxConcurrentCeiling = 50
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses outlive any fixed write deadline
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLogging:  true,
		},
		Proxy: ProxyConfig{
			BaseURL:          DefaultBaseURL,
			ConnectTimeout:   10 * time.Second,
			ResponseTimeout:  300 * time.Second,
			MaxIdleConns:     20,
			MaxConns:         100,
			MaxBodyBytes:     10 << 20,
			MaxRetries429:    2,
			StreamBufferSize: 8 * 1024,
		},
		RateLimit: RateLimitConfig{
			CooldownSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		External: ExternalAccessConfig{
			Enabled:        false,
			APIToken:       "",
			AllowedClients: nil,
		},
		Storage: StorageConfig{
			Path:       "./data/usage.db",
			RetainDays: 90,
		},
	}
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("PORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, check if we have PORTER_CONFIG_FILE env var
		if configFile := os.Getenv("PORTER_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	config, err := unmarshalAndValidate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Watch starts firing onChange with a re-validated configuration whenever the
// file changes on disk. Register it only once every receiver of onChange has
// been constructed; the callback can fire immediately.
func Watch(onChange func(*Config)) {
	if onChange == nil {
		return
	}
	viper.OnConfigChange(func(_ fsnotify.Event) {
		newConfig, err := Reload()
		if err != nil {
			return
		}
		onChange(newConfig)
	})
	viper.WatchConfig()
}

// Reload re-reads the already-located config file and re-validates it.
func Reload() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error re-reading config file: %w", err)
	}
	return unmarshalAndValidate()
}

func unmarshalAndValidate() (*Config, error) {
	config := DefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Filename = viper.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate enforces the structural constraints the routing core depends on.
func (c *Config) Validate() error {
	if len(c.Subscriptions) == 0 {
		return &domain.ConfigValidationError{Field: "subscriptions", Value: 0, Reason: "at least one subscription is required"}
	}

	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i := range c.Subscriptions {
		sub := &c.Subscriptions[i]
		if sub.Name == "" {
			return &domain.ConfigValidationError{Field: "subscriptions.name", Value: i, Reason: "name must not be empty"}
		}
		if _, dup := seen[sub.Name]; dup {
			return &domain.ConfigValidationError{Field: "subscriptions.name", Value: sub.Name, Reason: "duplicate subscription name"}
		}
		seen[sub.Name] = struct{}{}

		if sub.APIKey == "" {
			return &domain.ConfigValidationError{Field: "subscriptions.api_key", Value: sub.Name, Reason: "api_key must not be empty"}
		}
		if sub.MaxConcurrent < 1 || sub.MaxConcurrent > MaxConcurrentCeiling {
			return &domain.ConfigValidationError{Field: "subscriptions.max_concurrent", Value: sub.MaxConcurrent,
				Reason: fmt.Sprintf("must be between 1 and %d", MaxConcurrentCeiling)}
		}
		if sub.Priority < 1 {
			return &domain.ConfigValidationError{Field: "subscriptions.priority", Value: sub.Priority, Reason: "must be >= 1"}
		}
	}

	if c.RateLimit.CooldownSeconds < 1 {
		return &domain.ConfigValidationError{Field: "rate_limit.cooldown_seconds", Value: c.RateLimit.CooldownSeconds, Reason: "must be >= 1"}
	}

	if c.External.Enabled && c.External.APIToken == "" {
		return &domain.ConfigValidationError{Field: "external.api_token", Value: "", Reason: "required when external access is enabled"}
	}

	parsed, err := util.ParseTrustedCIDRs(c.External.LocalCIDRs)
	if err != nil {
		return &domain.ConfigValidationError{Field: "external.local_cidrs", Value: c.External.LocalCIDRs, Reason: err.Error()}
	}
	c.External.LocalCIDRsParsed = parsed

	return nil
}

// Subscriptions converted to the domain representation.
func (c *Config) DomainSubscriptions() []domain.Subscription {
	subs := make([]domain.Subscription, 0, len(c.Subscriptions))
	for _, sc := range c.Subscriptions {
		subs = append(subs, domain.Subscription{
			Name:          sc.Name,
			APIKey:        sc.APIKey,
			MaxConcurrent: sc.MaxConcurrent,
			Priority:      sc.Priority,
			Enabled:       sc.Enabled,
		})
	}
	return subs
}

// CheckFilePermissions reports whether the config file (which holds
// credentials) is readable by other users.
func (c *Config) CheckFilePermissions() (bool, error) {
	if c.Filename == "" {
		return false, nil
	}
	info, err := os.Stat(c.Filename)
	if err != nil {
		return false, err
	}
	return info.Mode().Perm()&0o004 != 0, nil
}
