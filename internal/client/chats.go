// ABOUTME: Transcript and health calls against the gateway API
// ABOUTME: ListChats, GetChat, Health and Ready

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/tutorline/internal/gateway"
)

// ListChats returns the user's summarized transcripts, newest first.
// A limit of zero leaves the gateway default in place.
func (c *Client) ListChats(ctx context.Context, userID string, limit int) (*gateway.ListChatsResponse, error) {
	path := userPath("/api/users/%s/chats", userID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp gateway.ListChatsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetChat returns one transcript by thread id.
func (c *Client) GetChat(ctx context.Context, threadID string) (*gateway.ChatResponse, error) {
	var resp gateway.ChatResponse
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(threadID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.probe(ctx, "/health")
	return err
}

// Ready checks store readiness and returns the gateway's status line.
func (c *Client) Ready(ctx context.Context) (string, error) {
	return c.probe(ctx, "/health/ready")
}

func (c *Client) probe(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return text, &APIError{Status: resp.StatusCode, Message: text}
	}
	return text, nil
}
