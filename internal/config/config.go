// Package config loads and validates gridbroker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by the primary and local sections.
const (
	ProviderAMQP   = "amqp"
	ProviderMemory = "memory"
	ProviderNone   = "none"
	ProviderPebble = "pebble"
	ProviderRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig       `mapstructure:"logging"`
	Server   ServerConfig        `mapstructure:"server"`
	Auth     AuthConfig          `mapstructure:"auth"`
	Broker   BrokerConfig        `mapstructure:"broker"`
	Primary  PrimaryConfig       `mapstructure:"primary"`
	Proxy    ProxyConfig         `mapstructure:"proxy"`
	Local    LocalConfig         `mapstructure:"local"`
	Tracing  TracingConfig       `mapstructure:"tracing"`
	Services map[string][]string `mapstructure:"services"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the proxy service HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxReceiveWait caps how long one proxied receive may block.
	MaxReceiveWait time.Duration `mapstructure:"max_receive_wait"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrokerConfig holds tier-independent broker behavior.
type BrokerConfig struct {
	Lazy              bool          `mapstructure:"lazy"`
	MaxQueueLength    int           `mapstructure:"max_queue_length"`
	Throttling        bool          `mapstructure:"throttling"`
	AutoAck           bool          `mapstructure:"auto_ack"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	AvailabilityTTL   time.Duration `mapstructure:"availability_ttl"`
	PeekTimeout       time.Duration `mapstructure:"peek_timeout"`
}

// MaxLength is the effective queue length limit: MaxQueueLength when
// throttling is on, otherwise 0 (unlimited).
func (b BrokerConfig) MaxLength() int {
	if !b.Throttling || b.MaxQueueLength < 0 {
		return 0
	}
	return b.MaxQueueLength
}

// PrimaryConfig describes the directly reachable broker.
type PrimaryConfig struct {
	Provider       string        `mapstructure:"provider"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// ProxyConfig points at a gridbroker proxy service.
type ProxyConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	APIKey  string        `mapstructure:"api_key"`
}

// LocalConfig selects the durable store behind the local tier.
type LocalConfig struct {
	Provider      string        `mapstructure:"provider"`
	Path          string        `mapstructure:"path"`
	Fsync         string        `mapstructure:"fsync"`
	FsyncInterval time.Duration `mapstructure:"fsync_interval"`
	RedisURL      string        `mapstructure:"redis_url"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRIDBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.max_receive_wait", "30s")
	v.SetDefault("broker.lazy", false)
	v.SetDefault("broker.max_queue_length", 0)
	v.SetDefault("broker.throttling", false)
	v.SetDefault("broker.auto_ack", false)
	v.SetDefault("broker.reconnect_interval", "5s")
	v.SetDefault("broker.availability_ttl", "10s")
	v.SetDefault("broker.peek_timeout", "100ms")
	v.SetDefault("primary.provider", ProviderAMQP)
	v.SetDefault("primary.port", 5672)
	v.SetDefault("primary.username", "guest")
	v.SetDefault("primary.password", "guest")
	v.SetDefault("primary.vhost", "/")
	v.SetDefault("primary.dial_timeout", "10s")
	v.SetDefault("primary.confirm_timeout", "10s")
	v.SetDefault("primary.poll_interval", "1s")
	v.SetDefault("proxy.timeout", "10s")
	v.SetDefault("local.provider", ProviderPebble)
	v.SetDefault("local.path", "data/local")
	v.SetDefault("local.fsync", "interval")
	v.SetDefault("local.fsync_interval", "5ms")
	v.SetDefault("local.redis_prefix", "gridbroker:")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "gridbroker")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Server.MaxReceiveWait <= 0 || c.Server.MaxReceiveWait >= c.Server.RequestTimeout {
		return fmt.Errorf("server.max_receive_wait must be > 0 and below server.request_timeout")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Broker.Throttling && c.Broker.MaxQueueLength <= 0 {
		return fmt.Errorf("broker.max_queue_length must be > 0 when throttling is enabled")
	}
	switch c.Primary.Provider {
	case ProviderAMQP:
		if c.Primary.Port <= 0 {
			return fmt.Errorf("primary.port must be > 0")
		}
	case ProviderMemory, ProviderNone:
	default:
		return fmt.Errorf("primary.provider %q must be one of amqp, memory, none", c.Primary.Provider)
	}
	if c.Proxy.URL != "" && c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be > 0 when proxy.url is set")
	}
	switch c.Local.Provider {
	case ProviderPebble:
		if c.Local.Path == "" {
			return fmt.Errorf("local.path must be set for the pebble provider")
		}
	case ProviderRedis:
		if c.Local.RedisURL == "" {
			return fmt.Errorf("local.redis_url must be set for the redis provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("local.provider %q must be one of pebble, redis, memory", c.Local.Provider)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	for service, shards := range c.Services {
		if len(shards) == 0 {
			return fmt.Errorf("services.%s must list at least one shard", service)
		}
	}
	return nil
}
