// ABOUTME: Configuration loading for the tutorline Matrix bridge
// ABOUTME: Loads TOML config with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver string `toml:"homeserver"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	DeviceName string `toml:"device_name"`
}

type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	// Timeout bounds one turn including the wait for the assistant.
	Timeout duration `toml:"timeout"`
}

type BridgeConfig struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
	AutoJoin        bool     `toml:"auto_join"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// duration decodes "90s"-style TOML strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

const (
	defaultCommandPrefix  = "!"
	defaultGatewayTimeout = 2 * time.Minute
	defaultDeviceName     = "tutorline-matrix"
)

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML config text.
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Bridge.CommandPrefix == "" {
		cfg.Bridge.CommandPrefix = defaultCommandPrefix
	}
	if cfg.Gateway.Timeout.Duration == 0 {
		cfg.Gateway.Timeout.Duration = defaultGatewayTimeout
	}
	if cfg.Matrix.DeviceName == "" {
		cfg.Matrix.DeviceName = defaultDeviceName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.Timeout.Duration < 0 {
		return fmt.Errorf("gateway.timeout must not be negative")
	}
	return nil
}
