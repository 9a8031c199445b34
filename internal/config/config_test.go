// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
database:
  path: "./test.db"
assistant:
  api_key: "sk-test"
  assistant_id: "asst_123"
line:
  channel_secret: "secret"
  channel_access_token: "token"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configContent := `
server:
  http_addr: "127.0.0.1:9090"

database:
  driver: sqlite
  path: "./test.db"

sessions:
  backend: redis
  redis_addr: "localhost:6379"

assistant:
  api_key: "sk-test"
  assistant_id: "asst_123"
  base_url: "https://example.test/v1"
  extraction_model: "gpt-4o"
  max_retries: 4

orchestrator:
  run_timeout: "45s"
  poll_interval: "500ms"
  stale_reservation: "5m"
  janitor_interval: "1m"
  summary_min_turns: 6

line:
  channel_secret: "secret"
  channel_access_token: "token"
  history_url: "https://liff.example/chats.html"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "./test.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Sessions.Backend != SessionsRedis || cfg.Sessions.RedisAddr != "localhost:6379" {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.RedisPrefix != DefaultRedisPrefix {
		t.Errorf("Sessions.RedisPrefix = %q, want default %q", cfg.Sessions.RedisPrefix, DefaultRedisPrefix)
	}
	if cfg.Assistant.ExtractionModel != "gpt-4o" || cfg.Assistant.MaxRetries != 4 {
		t.Errorf("Assistant = %+v", cfg.Assistant)
	}

	o := cfg.Orchestrator
	if o.RunTimeout != 45*time.Second {
		t.Errorf("RunTimeout = %v, want 45s", o.RunTimeout)
	}
	if o.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", o.PollInterval)
	}
	if o.StaleReservation != 5*time.Minute {
		t.Errorf("StaleReservation = %v, want 5m", o.StaleReservation)
	}
	if o.JanitorInterval != time.Minute {
		t.Errorf("JanitorInterval = %v, want 1m", o.JanitorInterval)
	}
	if o.SummaryMinTurns != 6 {
		t.Errorf("SummaryMinTurns = %d, want 6", o.SummaryMinTurns)
	}

	if cfg.Line.HistoryURL != "https://liff.example/chats.html" {
		t.Errorf("Line.HistoryURL = %q", cfg.Line.HistoryURL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	o := cfg.Orchestrator
	if o.RunTimeout != DefaultRunTimeout {
		t.Errorf("RunTimeout = %v, want %v", o.RunTimeout, DefaultRunTimeout)
	}
	if o.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", o.PollInterval, DefaultPollInterval)
	}
	if o.StaleReservation != 2*DefaultRunTimeout {
		t.Errorf("StaleReservation = %v, want twice the run timeout", o.StaleReservation)
	}
	if o.JanitorInterval != DefaultJanitorInterval {
		t.Errorf("JanitorInterval = %v, want %v", o.JanitorInterval, DefaultJanitorInterval)
	}
	if o.SummaryMinTurns != DefaultSummaryMinTurns {
		t.Errorf("SummaryMinTurns = %d, want %d", o.SummaryMinTurns, DefaultSummaryMinTurns)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestLoad_StaleReservationFollowsRunTimeout(t *testing.T) {
	content := minimalConfig + `
orchestrator:
  run_timeout: "90s"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Orchestrator.StaleReservation != 180*time.Second {
		t.Errorf("StaleReservation = %v, want 3m", cfg.Orchestrator.StaleReservation)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("TEST_LINE_SECRET", "secret-from-env")

	content := `
database:
  path: "./test.db"
assistant:
  api_key: "${TEST_OPENAI_KEY}"
  assistant_id: "asst_123"
line:
  channel_secret: "${TEST_LINE_SECRET}"
  channel_access_token: "token"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Assistant.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want %q", cfg.Assistant.APIKey, "sk-from-env")
	}
	if cfg.Line.ChannelSecret != "secret-from-env" {
		t.Errorf("ChannelSecret = %q, want %q", cfg.Line.ChannelSecret, "secret-from-env")
	}
}

func TestLoad_UnsetEnvVarFailsValidation(t *testing.T) {
	content := strings.Replace(minimalConfig, `"sk-test"`, `"${TUTORLINE_TEST_UNSET_VAR}"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected error for empty api key")
	}
	if !strings.Contains(err.Error(), "assistant.api_key") {
		t.Errorf("error = %v, want mention of assistant.api_key", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := minimalConfig + `
orchestrator:
  poll_interval: "soon"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error = %v, want mention of poll_interval", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing sqlite path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"mongo without uri", func(c *Config) { c.Database.Driver = DriverMongo }, "database.mongo_uri"},
		{"mongo with uri", func(c *Config) {
			c.Database.Driver = DriverMongo
			c.Database.MongoURI = "mongodb://localhost:27017"
		}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"redis without addr", func(c *Config) { c.Sessions.Backend = SessionsRedis }, "sessions.redis_addr"},
		{"unknown sessions backend", func(c *Config) { c.Sessions.Backend = "etcd" }, "sessions.backend"},
		{"missing api key", func(c *Config) { c.Assistant.APIKey = "" }, "assistant.api_key"},
		{"missing assistant id", func(c *Config) { c.Assistant.AssistantID = "" }, "assistant.assistant_id"},
		{"negative retries", func(c *Config) { c.Assistant.MaxRetries = -1 }, "max_retries"},
		{"poll not shorter than timeout", func(c *Config) { c.Orchestrator.PollInterval = c.Orchestrator.RunTimeout }, "poll_interval"},
		{"stale shorter than timeout", func(c *Config) { c.Orchestrator.StaleReservation = time.Second }, "stale_reservation"},
		{"missing channel secret", func(c *Config) { c.Line.ChannelSecret = "" }, "line.channel_secret"},
		{"missing access token", func(c *Config) { c.Line.ChannelAccessToken = "" }, "line.channel_access_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalConfig))
			if err != nil {
				t.Fatalf("Parse() returned error: %v", err)
			}
			tt.modify(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSample_ParsesWithEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-sample")
	t.Setenv("OPENAI_ASSISTANT_ID", "asst_sample")
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	t.Setenv("LINE_CHANNEL_ACCESS_TOKEN", "token")

	cfg, err := Parse([]byte(Sample))
	if err != nil {
		t.Fatalf("Parse(Sample) returned error: %v", err)
	}
	if cfg.Orchestrator.StaleReservation != 2*time.Minute {
		t.Errorf("StaleReservation = %v, want 2m", cfg.Orchestrator.StaleReservation)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("TUTORLINE_CONFIG", "/etc/tutorline/custom.yaml")
	if got := DefaultPath(); got != "/etc/tutorline/custom.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("TUTORLINE_CONFIG", "")
	if got := DefaultPath(); !strings.HasSuffix(got, "config.yaml") {
		t.Errorf("DefaultPath() = %q, want a config.yaml path", got)
	}
}
