// ABOUTME: SSE subscription to a user's conversation events
// ABOUTME: Parses the gateway event stream into conversation.Event values

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/tutorline/internal/conversation"
)

// StreamEvents follows the user's event stream and calls onEvent for each
// turn, outcome and teardown event. It returns nil when the gateway ends
// the stream and ctx.Err() when ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, userID string, onEvent func(*conversation.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+userPath("/api/users/%s/events", userID), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	err = parseSSEStream(resp.Body, onEvent)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// parseSSEStream reads events until EOF. Comment lines (heartbeats) and
// the initial connected event are skipped.
func parseSSEStream(body io.Reader, onEvent func(*conversation.Event)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && eventType != "connected" && len(dataLines) > 0 {
				var ev conversation.Event
				if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); err != nil {
					return fmt.Errorf("decoding %s event: %w", eventType, err)
				}
				if onEvent != nil {
					onEvent(&ev)
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}
