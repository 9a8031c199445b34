// ABOUTME: Terminal rendering for tutorline-admin output
// ABOUTME: lipgloss styles for transcripts and summaries, tabwriter for tables

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389/tutorline/internal/conversation"
	"github.com/2389/tutorline/internal/gateway"
	"github.com/2389/tutorline/internal/store"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	summaryBox     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("6")).
			Padding(0, 1)
)

func heading(w io.Writer, title string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+headerStyle.Render(title))
	fmt.Fprintln(w, "  "+dimStyle.Render(strings.Repeat("-", len(title))))
}

func printStatus(w io.Writer, baseURL string, healthErr error, ready func() (string, error)) {
	heading(w, "Gateway")
	fmt.Fprintf(w, "  URL:      %s\n", baseURL)
	if healthErr != nil {
		fmt.Fprintf(w, "  Health:   %s\n", errStyle.Render("UNREACHABLE ("+healthErr.Error()+")"))
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "  Health:   %s\n", okStyle.Render("OK"))

	status, err := ready()
	if err != nil {
		fmt.Fprintf(w, "  Ready:    %s\n", warnStyle.Render("NOT READY ("+status+")"))
	} else {
		fmt.Fprintf(w, "  Ready:    %s\n", status)
	}
	fmt.Fprintln(w)
}

func printSession(w io.Writer, s *gateway.SessionResponse) {
	heading(w, "Session")
	fmt.Fprintf(w, "  User:       %s\n", s.UserID)
	fmt.Fprintf(w, "  Logged in:  %t\n", s.LoggedIn)
	state := s.State
	if s.Busy {
		state = warnStyle.Render(state + " (busy)")
	}
	fmt.Fprintf(w, "  State:      %s\n", state)
	if s.ThreadID != "" {
		fmt.Fprintf(w, "  Thread:     %s\n", s.ThreadID)
	}
	if s.RunID != "" {
		fmt.Fprintf(w, "  Run:        %s %s\n", s.RunID, dimStyle.Render("since "+shortTime(s.RunUpdatedAt)))
	}
	fmt.Fprintf(w, "  Updated:    %s\n", shortTime(s.UpdatedAt))
	fmt.Fprintln(w)
}

func printReply(w io.Writer, res *gateway.SendMessageResponse) {
	fmt.Fprintln(w, assistantStyle.Render("assistant")+dimStyle.Render(" "+res.ThreadID))
	fmt.Fprintln(w, res.Reply)
}

func printEnd(w io.Writer, res *gateway.EndSessionResponse) {
	fmt.Fprintln(w, okStyle.Render("  ✓ Ended "+res.ThreadID))
	if res.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("summary failed ("+res.Tag+"):"), res.Error)
		return
	}
	if !res.Summarized {
		return
	}
	fmt.Fprintln(w, summaryBox.Render(formatSummary(res.Text, res.Summary)))
}

func printChats(w io.Writer, res *gateway.ListChatsResponse) {
	heading(w, "Chats for "+res.UserID)
	if len(res.Chats) == 0 {
		fmt.Fprintln(w, "  (no summarized chats)")
		fmt.Fprintln(w)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  THREAD\tTOPIC\tSCORE\tUPDATED")
	fmt.Fprintln(tw, "  ------\t-----\t-----\t-------")
	for _, c := range res.Chats {
		topic, score := "-", "-"
		if c.Summary != nil {
			if c.Summary.Topic != nil {
				topic = truncate(*c.Summary.Topic, 32)
			}
			if c.Summary.Score != nil {
				score = strconv.FormatFloat(*c.Summary.Score, 'f', -1, 64)
			}
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", truncate(c.ThreadID, 28), topic, score, shortTime(c.UpdatedAt))
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printTranscript(w io.Writer, chat *gateway.ChatResponse) {
	heading(w, "Transcript "+chat.ThreadID)
	fmt.Fprintf(w, "  %s\n\n", dimStyle.Render(chat.UserID+" · started "+shortTime(chat.CreatedAt)))
	for _, t := range chat.Turns {
		fmt.Fprintf(w, "%s %s\n%s\n\n", roleLabel(t.Role), dimStyle.Render(shortTime(t.CreatedAt)), t.Text)
	}
	if chat.SummaryText != "" || chat.Summary != nil {
		fmt.Fprintln(w, summaryBox.Render(formatSummary(chat.SummaryText, chat.Summary)))
	}
}

func printEvent(w io.Writer, ev *conversation.Event) {
	ts := dimStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
	switch ev.Kind {
	case conversation.EventTurn:
		fmt.Fprintf(w, "%s %s %s\n", ts, roleLabel(ev.Role), ev.Text)
	case conversation.EventOutcome:
		style := okStyle
		if ev.Outcome != "completed" {
			style = errStyle
		}
		fmt.Fprintf(w, "%s %s\n", ts, style.Render("["+ev.Outcome+"]"))
	case conversation.EventTeardown:
		fmt.Fprintf(w, "%s %s\n", ts, warnStyle.Render("task ended "+ev.ThreadID))
	default:
		fmt.Fprintf(w, "%s %s\n", ts, dimStyle.Render(string(ev.Kind)))
	}
}

func roleLabel(role string) string {
	if role == "user" {
		return userStyle.Render("user     ")
	}
	return assistantStyle.Render("assistant")
}

// formatSummary lays out the review text above the structured fields.
func formatSummary(text string, s *store.StructuredSummary) string {
	var lines []string
	if text != "" {
		lines = append(lines, text)
	}
	if s == nil {
		return strings.Join(lines, "\n")
	}

	var fields []string
	field := func(label string, v *string) {
		if v != nil {
			fields = append(fields, headerStyle.Render(label)+" "+*v)
		}
	}
	field("Topic:    ", s.Topic)
	field("Knowledge:", s.InvolvedKnowledge)
	if s.Score != nil {
		fields = append(fields, headerStyle.Render("Score:    ")+" "+strconv.FormatFloat(*s.Score, 'f', -1, 64))
	}
	field("Comment:  ", s.Comment)

	if len(fields) > 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fields...)
	}
	return strings.Join(lines, "\n")
}

// shortTime renders an RFC3339 timestamp in local time.
func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("Jan 02 15:04")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
