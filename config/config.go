// Package config loads rabbitkit settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Environment variables that override file values
const (
	EnvHost          = "RABBITKIT_BROKER_HOST"
	EnvPort          = "RABBITKIT_BROKER_PORT"
	EnvUsername      = "RABBITKIT_BROKER_USERNAME"
	EnvPassword      = "RABBITKIT_BROKER_PASSWORD"
	EnvRetryInterval = "RABBITKIT_BROKER_RETRY_INTERVAL_MS"
)

// Broker holds the connection settings for the message broker.
type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	// ConnectionRetryIntervalMilliseconds is the fixed wait between
	// connection attempts while the broker is unreachable.
	ConnectionRetryIntervalMilliseconds int `yaml:"connectionRetryIntervalMilliseconds"`
}

// Logging selects the slog handler used by the command line tool.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Metrics configures the optional Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Config is the complete rabbitkit configuration.
type Config struct {
	Broker  Broker  `yaml:"broker"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Broker: Broker{
			Host:                                "localhost",
			Port:                                5672,
			Username:                            "guest",
			Password:                            "guest",
			Vhost:                               "/",
			ConnectionRetryIntervalMilliseconds: 15000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Address: ":9090",
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok {
		c.Broker.Host = v
	}
	if v, ok := lookup(EnvUsername); ok {
		c.Broker.Username = v
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Broker.Password = v
	}
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, v)
		}
		c.Broker.Port = port
	}
	if v, ok := lookup(EnvRetryInterval); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvRetryInterval, v)
		}
		c.Broker.ConnectionRetryIntervalMilliseconds = ms
	}
	return nil
}

// Validate checks the configuration for values the client cannot work with.
func (c Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics enabled without an address", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the broker settings.
func (b Broker) Validate() error {
	if b.Host == "" {
		return fmt.Errorf("%w: broker host is required", ErrInvalidConfig)
	}
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfig, b.Port)
	}
	if b.ConnectionRetryIntervalMilliseconds <= 0 {
		return fmt.Errorf("%w: connection retry interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// RetryInterval returns the wait between connection attempts.
func (b Broker) RetryInterval() time.Duration {
	return time.Duration(b.ConnectionRetryIntervalMilliseconds) * time.Millisecond
}

// URI returns the AMQP URI for these settings.
func (b Broker) URI() amqp.URI {
	vhost := b.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Vhost:    vhost,
	}
}

// Address returns host:port for logging; it never includes credentials.
func (b Broker) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}
