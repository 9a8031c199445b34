// ABOUTME: Admin CLI for a running tutorline gateway
// ABOUTME: Inspects sessions and transcripts, drives turns and watches live events

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/2389/tutorline/internal/client"
	"github.com/2389/tutorline/internal/conversation"
	"github.com/2389/tutorline/internal/gateway"
)

const banner = `
 _         _             _ _                          _           _
| |_ _   _| |_ ___  _ __| (_)_ __   ___       __ _  __| |_ __ ___ (_)_ __
| __| | | | __/ _ \| '__| | | '_ \ / _ \____ / _' |/ _' | '_ ' _ \| | '_ \
| |_| |_| | || (_) | |  | | | | | |  __/____| (_| | (_| | | | | | | | | | |
 \__|\__,_|\__\___/|_|  |_|_|_| |_|\___|     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tutorline-admin",
		Usage: "inspect and drive a tutorline gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "gateway",
				Value:   "http://localhost:8080",
				Usage:   "gateway base URL",
				EnvVars: []string{"TUTORLINE_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "API bearer token (server.api_token)",
				EnvVars: []string{"TUTORLINE_API_TOKEN"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Value:   2 * time.Minute,
				Usage:   "per-command deadline (turns wait for the assistant)",
				EnvVars: []string{"TUTORLINE_TIMEOUT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "show gateway health and readiness",
				Action: cmdStatus,
			},
			{
				Name:      "session",
				Usage:     "show a user's session record",
				ArgsUsage: "<user-id>",
				Action:    cmdSession,
			},
			{
				Name:      "send",
				Usage:     "run one turn as a user",
				ArgsUsage: "<user-id> <message...>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "record", Usage: "create a transcript and save both turns"},
				},
				Action: cmdSend,
			},
			{
				Name:      "end",
				Usage:     "end a user's open task",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "summarize", Aliases: []string{"s"}, Usage: "ask for a review before teardown"},
				},
				Action: cmdEnd,
			},
			{
				Name:      "logout",
				Usage:     "log a user out and discard their task",
				ArgsUsage: "<user-id>",
				Action:    cmdLogout,
			},
			{
				Name:      "chats",
				Usage:     "list a user's summarized transcripts",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "number of chats (gateway default when 0)"},
				},
				Action: cmdChats,
			},
			{
				Name:      "transcript",
				Usage:     "print one transcript",
				ArgsUsage: "<thread-id>",
				Action:    cmdTranscript,
			},
			{
				Name:      "watch",
				Usage:     "stream a user's turns and outcomes live",
				ArgsUsage: "<user-id>",
				Action:    cmdWatch,
			},
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	return client.New(c.String("gateway"), client.WithToken(c.String("token")))
}

// withTimeout bounds a one-shot command by --timeout.
func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func requireArg(c *cli.Context) (string, error) {
	arg := strings.TrimSpace(c.Args().First())
	if arg == "" {
		return "", fmt.Errorf("usage: %s %s", c.Command.FullName(), c.Command.ArgsUsage)
	}
	return arg, nil
}

func cmdStatus(c *cli.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()

	cl := newClient(c)
	color.New(color.FgCyan).Print(banner)
	fmt.Println()
	printStatus(c.App.Writer, cl.BaseURL(), cl.Health(ctx), func() (string, error) { return cl.Ready(ctx) })
	return nil
}

func cmdSession(c *cli.Context) error {
	userID, err := requireArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	sess, err := newClient(c).GetSession(ctx, userID)
	if err != nil {
		return err
	}
	printSession(c.App.Writer, sess)
	return nil
}

func cmdSend(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: %s %s", c.Command.FullName(), c.Command.ArgsUsage)
	}
	userID := c.Args().First()
	text := strings.Join(c.Args().Tail(), " ")

	ctx, cancel := withTimeout(c)
	defer cancel()

	res, err := newClient(c).SendMessage(ctx, gateway.SendMessageRequest{
		UserID:           userID,
		Text:             text,
		CreateTranscript: c.Bool("record"),
		SaveTurns:        c.Bool("record"),
	})
	if err != nil {
		return err
	}
	printReply(c.App.Writer, res)
	return nil
}

func cmdEnd(c *cli.Context) error {
	userID, err := requireArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	res, err := newClient(c).EndSession(ctx, userID, c.Bool("summarize"))
	if client.IsNoActiveTask(err) {
		color.Yellow("  %s has no open task\n", userID)
		return nil
	}
	if err != nil {
		return err
	}
	printEnd(c.App.Writer, res)
	return nil
}

func cmdLogout(c *cli.Context) error {
	userID, err := requireArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	if err := newClient(c).Logout(ctx, userID); err != nil {
		return err
	}
	color.Green("  ✓ Logged out %s\n", userID)
	return nil
}

func cmdChats(c *cli.Context) error {
	userID, err := requireArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	res, err := newClient(c).ListChats(ctx, userID, c.Int("limit"))
	if err != nil {
		return err
	}
	printChats(c.App.Writer, res)
	return nil
}

func cmdTranscript(c *cli.Context) error {
	threadID, err := requireArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	chat, err := newClient(c).GetChat(ctx, threadID)
	if err != nil {
		return err
	}
	printTranscript(c.App.Writer, chat)
	return nil
}

// cmdWatch runs until interrupted, so it ignores --timeout.
func cmdWatch(c *cli.Context) error {
	userID, err := requireArg(c)
	if err != nil {
		return err
	}

	color.New(color.FgCyan).Printf("Watching %s (Ctrl+C to stop)\n\n", userID)
	err = newClient(c).StreamEvents(c.Context, userID, func(ev *conversation.Event) {
		printEvent(c.App.Writer, ev)
	})
	if c.Context.Err() != nil {
		return nil
	}
	if err == nil {
		color.Yellow("  stream closed by gateway\n")
	}
	return err
}
