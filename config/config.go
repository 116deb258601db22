// Package config loads and validates the application configuration: a
// YAML file, overridden field by field from BG_-prefixed environment
// variables. The BG_ prefix is reserved; plugin environments may not
// define it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beer-garden/beer-garden/errors"
)

// EnvPrefix is reserved for garden-provided environment variables.
const EnvPrefix = "BG_"

const maxConfigSize = 10 << 20

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	URLPrefix string `yaml:"url_prefix"`
	SSLCert   string `yaml:"ssl_cert"`
	SSLKey    string `yaml:"ssl_key"`

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// BrokerConfig configures the NATS connection backing the queues.
type BrokerConfig struct {
	URL            string   `yaml:"url"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// AuthConfig configures token issuance. When Enabled is false the API
// accepts anonymous calls.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Secret     string   `yaml:"secret"`
	SecretFile string   `yaml:"secret_file"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// PluginConfig configures local plugin processes.
type PluginConfig struct {
	Directory         string   `yaml:"directory"`
	LogDirectory      string   `yaml:"log_directory"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StartupTimeout    Duration `yaml:"startup_timeout"`
}

// ParentConfig configures this garden's upstream connection, leaving it
// empty makes this the root garden.
type ParentConfig struct {
	GardenFile   string   `yaml:"garden_file"`
	SyncInterval Duration `yaml:"sync_interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Config is the complete application configuration.
type Config struct {
	GardenName  string        `yaml:"garden_name"`
	Namespaces  []string      `yaml:"namespaces"`
	ChildrenDir string        `yaml:"children_dir"`
	HTTP        HTTPConfig    `yaml:"http"`
	Broker      BrokerConfig  `yaml:"broker"`
	Auth        AuthConfig    `yaml:"auth"`
	Plugin      PluginConfig  `yaml:"plugin"`
	Parent      ParentConfig  `yaml:"parent"`
	Logging     LoggingConfig `yaml:"logging"`

	// BlockedEvents extends the federation blocklist.
	BlockedEvents []string `yaml:"blocked_events"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		GardenName: "default",
		HTTP:       HTTPConfig{Host: "0.0.0.0", Port: 2337, URLPrefix: ""},
		Broker:     BrokerConfig{URL: "nats://localhost:4222", ConnectTimeout: Duration(10 * time.Second)},
		Auth:       AuthConfig{AccessTTL: Duration(15 * time.Minute), RefreshTTL: Duration(24 * time.Hour)},
		Plugin: PluginConfig{
			Directory:         "./plugins",
			LogDirectory:      "./plugin-logs",
			HeartbeatInterval: Duration(10 * time.Second),
			StartupTimeout:    Duration(60 * time.Second),
		},
		Parent:  ParentConfig{SyncInterval: Duration(60 * time.Second)},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file, applies environment overrides, and
// validates. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "stat config file")
		}
		if info.Size() > maxConfigSize {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "config", "Load",
				fmt.Sprintf("config file exceeds %d bytes", maxConfigSize))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "parse config file")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar fields from BG_-prefixed variables.
func applyEnv(cfg *Config) {
	envString(&cfg.GardenName, "GARDEN_NAME")
	envString(&cfg.HTTP.Host, "HTTP_HOST")
	envInt(&cfg.HTTP.Port, "HTTP_PORT")
	envString(&cfg.HTTP.URLPrefix, "HTTP_URL_PREFIX")
	envString(&cfg.Broker.URL, "BROKER_URL")
	envBool(&cfg.Auth.Enabled, "AUTH_ENABLED")
	envString(&cfg.Auth.Secret, "AUTH_SECRET")
	envString(&cfg.Auth.SecretFile, "AUTH_SECRET_FILE")
	envString(&cfg.Plugin.Directory, "PLUGIN_DIRECTORY")
	envString(&cfg.Plugin.LogDirectory, "PLUGIN_LOG_DIRECTORY")
	envDuration(&cfg.Plugin.HeartbeatInterval, "PLUGIN_HEARTBEAT_INTERVAL")
	envString(&cfg.ChildrenDir, "CHILDREN_DIR")
	envString(&cfg.Logging.Level, "LOG_LEVEL")
	envString(&cfg.Logging.Format, "LOG_FORMAT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate checks invariants that would otherwise fail obscurely later.
func (c *Config) Validate() error {
	if c.GardenName == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "garden_name")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("http port %d", c.HTTP.Port))
	}
	if c.Broker.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "broker url")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.SecretFile == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"auth secret or secret_file")
	}
	if c.Plugin.HeartbeatInterval <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"plugin heartbeat_interval must be positive")
	}
	if (c.HTTP.SSLCert == "") != (c.HTTP.SSLKey == "") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"ssl_cert and ssl_key must be set together")
	}
	return nil
}

// AuthSecret resolves the signing secret, preferring the inline value.
func (c *Config) AuthSecret() ([]byte, error) {
	if c.Auth.Secret != "" {
		return []byte(c.Auth.Secret), nil
	}
	if c.Auth.SecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Auth.SecretFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "AuthSecret", "read secret file")
	}
	return data, nil
}

// SafeConfig provides thread-safe access to the configuration so the API
// can serve reads while an update is validated and swapped in.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps a validated config.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (s *SafeConfig) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := *s.cfg
	return &clone
}

// Update validates and swaps the configuration atomically.
func (s *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapValidation(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
