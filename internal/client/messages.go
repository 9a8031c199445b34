// ABOUTME: Turn and session calls against the gateway API
// ABOUTME: SendMessage, GetSession, EndSession and Logout

package client

import (
	"context"
	"net/http"

	"github.com/2389/tutorline/internal/gateway"
)

// SendMessage runs one turn and returns the assistant reply.
func (c *Client) SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SendMessageResponse, error) {
	var resp gateway.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession fetches the session record for userID.
func (c *Client) GetSession(ctx context.Context, userID string) (*gateway.SessionResponse, error) {
	var resp gateway.SessionResponse
	if err := c.do(ctx, http.MethodGet, userPath("/api/sessions/%s", userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndSession closes the user's open task, optionally asking for a summary
// first. A failed summary turn still tears the task down; the response
// then carries Error and Tag instead of a summary.
func (c *Client) EndSession(ctx context.Context, userID string, summarize bool) (*gateway.EndSessionResponse, error) {
	var resp gateway.EndSessionResponse
	req := gateway.EndSessionRequest{Summarize: summarize}
	if err := c.do(ctx, http.MethodPost, userPath("/api/sessions/%s/end", userID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout logs the user out and discards any open task.
func (c *Client) Logout(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, userPath("/api/sessions/%s/logout", userID), nil, nil)
}
