// ABOUTME: HTTP client for the tutorline gateway API
// ABOUTME: Shared request plumbing and the APIError type

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to one gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the gateway at baseURL.
// Turns block for up to the run timeout, so the default HTTP client has
// no timeout of its own; bound calls with the context instead.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
	Tag     string
}

func (e *APIError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("gateway error (%d, %s): %s", e.Status, e.Tag, e.Message)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

// IsBusy reports whether err is the gateway refusing a turn because one
// is already in flight for the user.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsNoActiveTask reports whether err means the user has no open task.
func IsNoActiveTask(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// errorFromResponse extracts {error, tag} from a failed response.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error string `json:"error"`
		Tag   string `json:"tag"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: payload.Error, Tag: payload.Tag}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func userPath(format, userID string) string {
	return fmt.Sprintf(format, url.PathEscape(userID))
}
