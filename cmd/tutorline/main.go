// ABOUTME: Entry point for the tutorline gateway
// ABOUTME: Serves the LINE webhook and the tutoring API, plus init and health helpers

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/tutorline/internal/config"
	"github.com/2389/tutorline/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _         _             _ _
| |_ _   _| |_ ___  _ __| (_)_ __   ___
| __| | | | __/ _ \| '__| | | '_ \ / _ \
| |_| |_| | || (_) | |  | | | | | |  __/
 \__|\__,_|\__\___/|_|  |_|_|_| |_|\___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tutorline <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("           (--sample writes the annotated sample instead)")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  ready    Check store readiness and pending cleanups")
		os.Exit(1)
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		if len(os.Args) > 2 && os.Args[2] == "--sample" {
			err = writeSample(config.DefaultPath(), os.Stdout)
		} else {
			err = runInit(bufio.NewReader(os.Stdin), os.Stdout)
		}
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverSQLite {
		gray.Printf(" (%s)", cfg.Database.Path)
	}
	fmt.Println()
	if cfg.Sessions.Backend == config.SessionsRedis {
		green.Print("    ▶ ")
		fmt.Printf("Sessions:  redis ")
		gray.Printf("(%s)\n", cfg.Sessions.RedisAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Timeout:   %s\n", cfg.Orchestrator.RunTimeout)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Line.ChannelAccessToken == "" {
		yellow.Println("    ! LINE access token not set, replies will fail")
	}

	fmt.Println()

	logger.Info("starting tutorline",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe GETs a health endpoint of the configured gateway and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", probeHost(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// probeHost swaps a wildcard listen host for loopback.
func probeHost(addr string) string {
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	case strings.HasPrefix(addr, ":"):
		return "localhost" + addr
	default:
		return addr
	}
}

// initAnswers are the values runInit asks for.
type initAnswers struct {
	HTTPAddr    string
	Driver      string
	DBPath      string
	MongoURI    string
	UseRedis    bool
	RedisAddr   string
	RunTimeout  string
	LogLevel    string
	LogFormat   string
	MetricsPath string
}

func runInit(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "tutorline configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.Driver = prompt(reader, out, "Database driver (sqlite/mongo)", config.DriverSQLite)
	if a.Driver == config.DriverMongo {
		a.MongoURI = prompt(reader, out, "MongoDB URI", "mongodb://localhost:27017")
	} else {
		a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(filepath.Dir(outputFile), "tutorline.db"))
	}
	a.UseRedis = yes(prompt(reader, out, "Keep sessions in Redis?", "no"))
	if a.UseRedis {
		a.RedisAddr = prompt(reader, out, "Redis address", "localhost:6379")
	}

	fmt.Fprintln(out, "\n--- Orchestrator ---")
	a.RunTimeout = prompt(reader, out, "Run timeout", config.DefaultRunTimeout.String())

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.MetricsPath = prompt(reader, out, "Metrics path (empty disables)", config.DefaultMetricsPath)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nSet these before starting (a .env file works too):")
	fmt.Fprintln(out, "  OPENAI_API_KEY, OPENAI_ASSISTANT_ID, LINE_CHANNEL_SECRET, LINE_CHANNEL_ACCESS_TOKEN")
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  tutorline serve")
	return nil
}

// writeSample writes the annotated sample config, refusing to overwrite.
func writeSample(path string, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	fmt.Fprintf(out, "Sample config written to %s\n", path)
	return nil
}

// renderConfig produces the YAML for a. Credentials stay as ${VAR}
// references so they never land on disk.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# tutorline configuration\n")
	cfg.WriteString("# Generated by tutorline init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", a.HTTPAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", a.Driver))
	if a.Driver == config.DriverMongo {
		cfg.WriteString(fmt.Sprintf("  mongo_uri: %q\n", a.MongoURI))
		cfg.WriteString("  mongo_database: \"tutorline\"\n")
	} else {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	}
	cfg.WriteString("\n")

	if a.UseRedis {
		cfg.WriteString("sessions:\n")
		cfg.WriteString("  backend: \"redis\"\n")
		cfg.WriteString(fmt.Sprintf("  redis_addr: %q\n", a.RedisAddr))
		cfg.WriteString("  redis_password: \"${REDIS_PASSWORD}\"\n\n")
	}

	cfg.WriteString("assistant:\n")
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString("  assistant_id: \"${OPENAI_ASSISTANT_ID}\"\n\n")

	cfg.WriteString("orchestrator:\n")
	cfg.WriteString(fmt.Sprintf("  run_timeout: %q\n", a.RunTimeout))
	cfg.WriteString(fmt.Sprintf("  summary_min_turns: %d\n\n", config.DefaultSummaryMinTurns))

	cfg.WriteString("line:\n")
	cfg.WriteString("  channel_secret: \"${LINE_CHANNEL_SECRET}\"\n")
	cfg.WriteString("  channel_access_token: \"${LINE_CHANNEL_ACCESS_TOKEN}\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", a.LogFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.MetricsPath != ""))
	if a.MetricsPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", a.MetricsPath))
	}
	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
