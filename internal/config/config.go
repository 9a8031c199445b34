// ABOUTME: Configuration loading and parsing for the tutorline gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Session backends.
const (
	SessionsDefault = ""
	SessionsRedis   = "redis"
)

// Config represents the complete tutorline configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Line         LineConfig         `yaml:"line"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// APIToken guards the operator API; empty leaves it open.
	APIToken string `yaml:"api_token"`
}

// DatabaseConfig selects and configures the durable store.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// SessionsConfig optionally moves session records to Redis so several
// gateway instances share them. Transcripts stay in the database.
type SessionsConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// AssistantConfig holds the Assistants API credentials.
type AssistantConfig struct {
	APIKey          string `yaml:"api_key"`
	AssistantID     string `yaml:"assistant_id"`
	BaseURL         string `yaml:"base_url"`
	ExtractionModel string `yaml:"extraction_model"`
	MaxRetries      int    `yaml:"max_retries"`
}

// OrchestratorConfig holds run timing.
type OrchestratorConfig struct {
	RunTimeout       time.Duration `yaml:"-"`
	PollInterval     time.Duration `yaml:"-"`
	StaleReservation time.Duration `yaml:"-"`
	JanitorInterval  time.Duration `yaml:"-"`
	SummaryMinTurns  int           `yaml:"summary_min_turns"`

	// Raw string values for YAML unmarshaling
	RunTimeoutRaw       string `yaml:"run_timeout"`
	PollIntervalRaw     string `yaml:"poll_interval"`
	StaleReservationRaw string `yaml:"stale_reservation"`
	JanitorIntervalRaw  string `yaml:"janitor_interval"`
}

// LineConfig holds the LINE Messaging API channel settings.
type LineConfig struct {
	ChannelSecret      string `yaml:"channel_secret"`
	ChannelAccessToken string `yaml:"channel_access_token"`
	APIBaseURL         string `yaml:"api_base_url"`
	HistoryURL         string `yaml:"history_url"`
	AccountURL         string `yaml:"account_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults for fields left empty.
const (
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultRunTimeout      = 60 * time.Second
	DefaultPollInterval    = time.Second
	DefaultJanitorInterval = 30 * time.Second
	DefaultSummaryMinTurns = 10
	DefaultMetricsPath     = "/metrics"
	DefaultRedisPrefix     = "tutorline:"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "tutorline"
	}
	if c.Sessions.Backend == SessionsRedis && c.Sessions.RedisPrefix == "" {
		c.Sessions.RedisPrefix = DefaultRedisPrefix
	}

	o := &c.Orchestrator
	if o.RunTimeout == 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleReservation == 0 {
		o.StaleReservation = 2 * o.RunTimeout
	}
	if o.JanitorInterval == 0 {
		o.JanitorInterval = DefaultJanitorInterval
	}
	if o.SummaryMinTurns == 0 {
		o.SummaryMinTurns = DefaultSummaryMinTurns
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return errors.New("database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (use %s or %s)", c.Database.Driver, DriverSQLite, DriverMongo)
	}

	switch c.Sessions.Backend {
	case SessionsDefault:
	case SessionsRedis:
		if c.Sessions.RedisAddr == "" {
			return errors.New("sessions.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("sessions.backend %q is not supported", c.Sessions.Backend)
	}

	if c.Assistant.APIKey == "" {
		return errors.New("assistant.api_key is required")
	}
	if c.Assistant.AssistantID == "" {
		return errors.New("assistant.assistant_id is required")
	}
	if c.Assistant.MaxRetries < 0 {
		return errors.New("assistant.max_retries must not be negative")
	}

	o := c.Orchestrator
	if o.RunTimeout <= 0 {
		return errors.New("orchestrator.run_timeout must be positive")
	}
	if o.PollInterval <= 0 || o.PollInterval >= o.RunTimeout {
		return errors.New("orchestrator.poll_interval must be positive and shorter than run_timeout")
	}
	if o.StaleReservation < o.RunTimeout {
		return errors.New("orchestrator.stale_reservation must be at least run_timeout")
	}

	if c.Line.ChannelSecret == "" {
		return errors.New("line.channel_secret is required")
	}
	if c.Line.ChannelAccessToken == "" {
		return errors.New("line.channel_access_token is required")
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	o := &cfg.Orchestrator
	fields := []durationField{
		{"run_timeout", o.RunTimeoutRaw, &o.RunTimeout},
		{"poll_interval", o.PollIntervalRaw, &o.PollInterval},
		{"stale_reservation", o.StaleReservationRaw, &o.StaleReservation},
		{"janitor_interval", o.JanitorIntervalRaw, &o.JanitorInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config path from TUTORLINE_CONFIG, falling back
// to tutorline/config.yaml under the user config directory.
func DefaultPath() string {
	if p := os.Getenv("TUTORLINE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "tutorline", "config.yaml")
}

// Sample is the annotated config written by `tutorline init`.
const Sample = `# tutorline configuration
server:
  http_addr: "0.0.0.0:8080"
  api_token: "${TUTORLINE_API_TOKEN}"   # empty leaves /api open

database:
  driver: sqlite            # sqlite | mongo
  path: "./tutorline.db"
  # mongo_uri: "${MONGODB_URI}"
  # mongo_database: "tutorline"

sessions:
  backend: ""               # "" keeps sessions in the database, or redis
  # redis_addr: "localhost:6379"

assistant:
  api_key: "${OPENAI_API_KEY}"
  assistant_id: "${OPENAI_ASSISTANT_ID}"
  extraction_model: "gpt-4o-mini"
  max_retries: 2

orchestrator:
  run_timeout: "60s"
  poll_interval: "1s"
  stale_reservation: "2m"
  janitor_interval: "30s"
  summary_min_turns: 10

line:
  channel_secret: "${LINE_CHANNEL_SECRET}"
  channel_access_token: "${LINE_CHANNEL_ACCESS_TOKEN}"
  # history_url: "https://liff.line.me/<liff-id>/chats.html"
  # account_url: "https://liff.line.me/<liff-id>/account.html"

logging:
  level: "info"             # debug | info | warn | error
  format: "text"            # text | json

metrics:
  enabled: true
  path: "/metrics"
`
