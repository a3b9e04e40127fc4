package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/store"
)

const (
	// DefaultPath is the config file looked up when --config is not given.
	DefaultPath = "objproxy.yml"

	// EnvPrefix prefixes every environment override, e.g. OBJPROXY_REDIS_URL.
	EnvPrefix = "OBJPROXY"

	DefaultInstance = "default"
	DefaultRedisURL = "redis://localhost:6379"
)

// Config represents the top-level objproxy.yml configuration
type Config struct {
	Version  string         `yaml:"version"           mapstructure:"version"`
	Instance string         `yaml:"instance"          mapstructure:"instance"`
	Redis    RedisConfig    `yaml:"redis"             mapstructure:"redis"`
	Proxy    ProxyConfig    `yaml:"proxy"             mapstructure:"proxy"`
	Schemas  []SchemaConfig `yaml:"schemas,omitempty" mapstructure:"schemas"`
	Metrics  MetricsConfig  `yaml:"metrics"           mapstructure:"metrics"`
}

// RedisConfig locates the record store.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// ProxyConfig tunes the object proxy.
type ProxyConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"              mapstructure:"request_timeout"`
	RebroadcastOnHit *bool         `yaml:"rebroadcast_on_hit,omitempty" mapstructure:"rebroadcast_on_hit"`
	WarnListSize     int           `yaml:"warn_list_size"               mapstructure:"warn_list_size"`
}

// SchemaConfig declares a schema known to the proxy and registered in the
// store by `objproxy schema register`.
type SchemaConfig struct {
	Name   string   `yaml:"name"             mapstructure:"name"`
	Hidden []string `yaml:"hidden,omitempty" mapstructure:"hidden"`
}

// MetricsConfig enables the health and metrics endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"`
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := &Config{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration, filling in
// defaults for omitted values.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if strings.ContainsAny(c.Instance, ": ") {
		return fmt.Errorf("instance name '%s' cannot contain ':' or spaces", c.Instance)
	}

	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("invalid redis.url: %w", err)
	}

	if c.Proxy.RequestTimeout == 0 {
		c.Proxy.RequestTimeout = proxy.DefaultRequestTimeout
	}
	if c.Proxy.RequestTimeout < 0 {
		return fmt.Errorf("proxy.request_timeout must be positive, got %s", c.Proxy.RequestTimeout)
	}

	if c.Proxy.RebroadcastOnHit == nil {
		rebroadcast := true
		c.Proxy.RebroadcastOnHit = &rebroadcast
	}

	if c.Proxy.WarnListSize == 0 {
		c.Proxy.WarnListSize = store.DefaultWarnListSize
	}
	if c.Proxy.WarnListSize < 0 {
		return fmt.Errorf("proxy.warn_list_size must be >= 0, got %d", c.Proxy.WarnListSize)
	}

	seen := make(map[string]bool)
	for i, s := range c.Schemas {
		if err := (&store.Schema{Name: s.Name, Hidden: s.Hidden}).Validate(); err != nil {
			return fmt.Errorf("schemas[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schema '%s'", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// SchemaNames returns the declared schema names in file order.
func (c *Config) SchemaNames() []string {
	names := make([]string, 0, len(c.Schemas))
	for _, s := range c.Schemas {
		names = append(names, s.Name)
	}
	return names
}

// Load reads and validates objproxy.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path if it exists. A missing file at DefaultPath is
// not an error; any other missing path is.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == DefaultPath {
		return Default(), nil
	}
	return Load(path)
}

// ApplyEnv overlays OBJPROXY_* environment variables onto c and
// re-validates it. Keys use '_' for nesting, e.g. OBJPROXY_PROXY_REQUEST_TIMEOUT=5s.
// Schemas are file-only.
func ApplyEnv(c *Config) error {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	defaults := map[string]any{
		"instance":                 c.Instance,
		"redis.url":                c.Redis.URL,
		"proxy.request_timeout":    c.Proxy.RequestTimeout,
		"proxy.rebroadcast_on_hit": c.Proxy.RebroadcastOnHit == nil || *c.Proxy.RebroadcastOnHit,
		"proxy.warn_list_size":     c.Proxy.WarnListSize,
		"metrics.addr":             c.Metrics.Addr,
	}
	for key, value := range defaults {
		_ = v.BindEnv(key)
		v.SetDefault(key, value)
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)

	if err := v.Unmarshal(c, viper.DecodeHook(decodeHooks)); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
