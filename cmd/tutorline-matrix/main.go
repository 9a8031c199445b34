// ABOUTME: Entry point for the tutorline Matrix bridge
// ABOUTME: Lets learners talk to their tutor from Matrix rooms via the gateway API

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
 _         _             _ _                              _        _
| |_ _   _| |_ ___  _ __| (_)_ __   ___      _ __ ___   __ _| |_ _ __(_)_  __
| __| | | | __/ _ \| '__| | | '_ \ / _ \____| '_ ' _ \ / _' | __| '__| \ \/ /
| |_| |_| | || (_) | |  | | | | | |  __/____| | | | | | (_| | |_| |  | |>  <
 \__|\__,_|\__\___/|_|  |_|_|_| |_|\___|    |_| |_| |_|\__,_|\__|_|  |_/_/\_\
`

// getConfigPath returns the path to the matrix bridge config file.
// Priority: TUTORLINE_MATRIX_CONFIG env var > user config dir/tutorline/matrix-bridge.toml
func getConfigPath() string {
	if envPath := os.Getenv("TUTORLINE_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "matrix-bridge.toml"
	}
	return filepath.Join(configDir, "tutorline", "matrix-bridge.toml")
}

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "init" {
		err = runInit(bufio.NewReader(os.Stdin), os.Stdout, getConfigPath())
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runInit(reader *bufio.Reader, out io.Writer, configPath string) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(out, "    Interactive Setup")
	fmt.Fprintln(out, "    -----------------")
	fmt.Fprintln(out)

	ask := func(question, defaultVal string) string {
		green.Fprint(out, "    ▶ ")
		if defaultVal != "" {
			fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
		} else {
			fmt.Fprintf(out, "%s: ", question)
		}
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return defaultVal
		}
		return answer
	}

	if _, err := os.Stat(configPath); err == nil {
		yellow.Fprintf(out, "    Config already exists at %s\n", configPath)
		if strings.ToLower(ask("Overwrite? [y/N]", "")) != "y" {
			fmt.Fprintln(out, "    Aborted.")
			return nil
		}
	}

	homeserver := ask("Matrix homeserver URL", "https://matrix.org")
	username := ask("Matrix username", "")
	gatewayURL := ask("Gateway URL", "http://localhost:8080")
	prefix := ask("Command prefix", defaultCommandPrefix)

	// The password stays in the environment, not on disk.
	config := fmt.Sprintf(`# tutorline-matrix bridge configuration
# Generated by tutorline-matrix init

[matrix]
homeserver = %q
username = %q
password = "${TUTORLINE_MATRIX_PASSWORD}"

[gateway]
url = %q
token = "${TUTORLINE_API_TOKEN}"
timeout = "2m"

[bridge]
# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Prefix for bridge commands such as !end and !chats
command_prefix = %q
# Show typing while the tutor is answering
typing_indicator = true
# Accept room invites automatically
auto_join = true

[logging]
level = "info"
`, homeserver, username, gatewayURL, prefix)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintln(out)
	green.Fprintf(out, "    ✓ Config written to %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "    Next steps:")
	fmt.Fprintln(out, "    1. export TUTORLINE_MATRIX_PASSWORD=...")
	fmt.Fprintln(out, "    2. Run: tutorline-matrix")
	fmt.Fprintln(out)
	return nil
}
