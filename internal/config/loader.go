// Package config loads the runtime configuration: a YAML file, optional
// .env files and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"integrationcore/internal/command"
	"integrationcore/internal/entry"
	"integrationcore/internal/mqtt"

	"github.com/caarlos0/env/v11"
	"github.com/gosimple/slug"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 8080
	DefaultStoragePath     = "integrationcore.db"
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMQTTClientID    = "integrationcore"
)

var (
	// ErrInvalid is returned for a configuration that cannot be used.
	ErrInvalid = errors.New("invalid configuration")
)

// CommandConfig is the retry policy for entity commands.
type CommandConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"COMMAND_MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"COMMAND_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"COMMAND_MAX_INTERVAL"`
}

// Policy converts the config into a command policy.
func (c CommandConfig) Policy() command.Policy {
	return command.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

// Settings are the values the environment can override.
type Settings struct {
	Port            int           `yaml:"port" env:"PORT"`
	StoragePath     string        `yaml:"storage_path" env:"STORAGE_PATH"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	MQTT     mqtt.Config   `yaml:"mqtt"`
	Commands CommandConfig `yaml:"commands"`
}

// Config is the complete runtime configuration.
type Config struct {
	Settings `yaml:",inline"`
	Entries  []entry.Config `yaml:"entries"`
}

// Loader reads the configuration file at Path. Values from the environment
// override the file; DotEnv files fill in variables the environment does not
// set.
type Loader struct {
	Path   string
	DotEnv []string
	// Environ replaces the process environment. Used by tests.
	Environ map[string]string

	logger *zap.Logger
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment only.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{Path: path, logger: logger.Named("config")}
}

// Load reads, overrides, defaults and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	environ, err := l.environment()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if l.Path != "" {
		l.logger.Debug("Loading config file", zap.String("path", l.Path))
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg.Settings, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	cfg.applyDefaults()
	for i := range cfg.Entries {
		cfg.Entries[i].Options = expandOptions(cfg.Entries[i].Options, environ)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("path", l.Path),
		zap.Int("entries", len(cfg.Entries)),
		zap.Bool("mqtt", cfg.MQTT.Enabled()))
	return cfg, nil
}

// environment merges the .env files under the process environment.
func (l *Loader) environment() (map[string]string, error) {
	environ := l.Environ
	if environ == nil {
		environ = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				environ[k] = v
			}
		}
	}

	merged := make(map[string]string, len(environ))
	for _, file := range l.DotEnv {
		vars, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("No .env file found, using environment variables", zap.String("path", file))
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		for k, v := range vars {
			if _, set := merged[k]; !set {
				merged[k] = v
			}
		}
	}
	for k, v := range environ {
		merged[k] = v
	}
	return merged, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.StoragePath == "" {
		c.StoragePath = DefaultStoragePath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTClientID
	}
	if c.Commands.MaxAttempts == 0 {
		c.Commands.MaxAttempts = 1
	}
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.ID == "" {
			e.ID = entryID(e.Domain, e.Title)
		}
		if e.Options == nil {
			e.Options = entry.Options{}
		}
	}
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d out of range", c.MQTT.QoS))
	}
	if c.Commands.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("commands.max_attempts must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Entries))
	for i, e := range c.Entries {
		if e.Domain == "" {
			errs = append(errs, fmt.Errorf("entries[%d]: domain is required", i))
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("entries[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address of the HTTP API.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func entryID(domain, title string) string {
	id := strings.Replace(slug.Make(strings.TrimSpace(domain+" "+title)), "-", "_", -1)
	if id == "" {
		return "entry"
	}
	return id
}

// expandOptions replaces ${VAR} in string option values so secrets can stay
// in the environment.
func expandOptions(opts entry.Options, environ map[string]string) entry.Options {
	out := make(entry.Options, len(opts))
	for k, v := range opts {
		if s, ok := v.(string); ok && strings.Contains(s, "${") {
			v = os.Expand(s, func(name string) string { return environ[name] })
		}
		out[k] = v
	}
	return out
}
