// ABOUTME: OpenAI Assistants v2 Provider built on the openai-go SDK
// ABOUTME: Maps SDK errors to ErrNotFound/APIError and retries only requests safe to repeat

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/tutorline/internal/retry"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds the service message kept in an APIError string, in runes.
const maxErrorBody = 300

// Config configures the Assistants client.
type Config struct {
	APIKey      string
	AssistantID string
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistants api %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, truncateRunes(e.Body, maxErrorBody))
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RateLimited reports whether the service refused the request before acting on it.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the Assistants v2 API.
type Client struct {
	cfg    Config
	api    openai.Client
	logger *slog.Logger
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("assistant api key is required")
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, fmt.Errorf("assistant id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/"
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Retries are decided per call below, so the SDK's own are off.
	api := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
		option.WithHeader("OpenAI-Beta", "assistants=v2"),
	)

	return &Client{
		cfg:    cfg,
		api:    api,
		logger: logger.With("component", "assistant"),
	}, nil
}

func toRun(r *openai.Run, threadID string) *Run {
	run := &Run{ID: r.ID, ThreadID: r.ThreadID, Status: RunStatus(r.Status)}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	if code, msg := string(r.LastError.Code), r.LastError.Message; code != "" || msg != "" {
		run.LastError = strings.Trim(strings.TrimSpace(code+": "+msg), ": ")
	}
	return run
}

// CreateThread creates an empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var id string
	err := c.once(ctx, func(ctx context.Context) error {
		thread, err := c.api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
		if err != nil {
			return err
		}
		id = thread.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("creating thread: response carried no id")
	}
	c.logger.Debug("created thread", "thread_id", id)
	return id, nil
}

// PostMessage adds a user message to the thread. It is never repeated
// after the service may have accepted it.
func (c *Client) PostMessage(ctx context.Context, threadID, text string) error {
	err := c.once(ctx, func(ctx context.Context) error {
		_, err := c.api.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
			Role: openai.BetaThreadMessageNewParamsRoleUser,
			Content: openai.BetaThreadMessageNewParamsContentUnion{
				OfString: openai.String(text),
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	return nil
}

// CreateRun starts the configured assistant on the thread. Like
// PostMessage it is only repeated when the service rate limited it.
func (c *Client) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	var run *Run
	err := c.once(ctx, func(ctx context.Context) error {
		r, err := c.api.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
			AssistantID: c.cfg.AssistantID,
		})
		if err != nil {
			return err
		}
		run = toRun(r, threadID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run *Run
	err := c.idempotent(ctx, func(ctx context.Context) error {
		r, err := c.api.Beta.Threads.Runs.Get(ctx, threadID, runID)
		if err != nil {
			return err
		}
		run = toRun(r, threadID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving run: %w", err)
	}
	return run, nil
}

// CancelRun asks the service to stop a run. Cancelling a run that already
// finished returns an error the caller may ignore.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := c.api.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	if err != nil {
		return fmt.Errorf("cancelling run: %w", mapError(err))
	}
	return nil
}

// LatestAssistantMessage returns the text of the newest assistant message.
func (c *Client) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	var text string
	err := c.idempotent(ctx, func(ctx context.Context) error {
		page, err := c.api.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
			Order: openai.BetaThreadMessageListParamsOrderDesc,
			Limit: openai.Int(10),
		})
		if err != nil {
			return err
		}
		text = assistantText(page.Data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("listing messages: %w", err)
	}
	return text, nil
}

// assistantText joins the text parts of the first assistant message in msgs.
func assistantText(msgs []openai.Message) string {
	for _, msg := range msgs {
		if msg.Role != openai.MessageRoleAssistant {
			continue
		}
		var parts []string
		for _, part := range msg.Content {
			if part.Type == "text" {
				parts = append(parts, part.Text.Value)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// DeleteThread removes the thread and its messages from the service.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	err := c.idempotent(ctx, func(ctx context.Context) error {
		_, err := c.api.Beta.Threads.Delete(ctx, threadID)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	c.logger.Debug("deleted thread", "thread_id", threadID)
	return nil
}

// idempotent runs op with retries on transient failures.
func (c *Client) idempotent(ctx context.Context, op func(context.Context) error) error {
	return c.withRetry(ctx, isRetryable, op)
}

// once runs a request that creates something remotely. A 5xx or a dropped
// connection may mean it was created anyway, so only rate limiting is retried.
func (c *Client) once(ctx context.Context, op func(context.Context) error) error {
	return c.withRetry(ctx, isRateLimited, op)
}

func (c *Client) withRetry(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	cfg := retry.HTTPConfig(c.cfg.MaxRetries)
	cfg.Retryable = retryable
	res := retry.Do(ctx, cfg, c.logger, func(ctx context.Context) error {
		return mapError(op(ctx))
	})
	return res.Err()
}

// mapError turns SDK errors into ErrNotFound or *APIError.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *openai.Error
	if !errors.As(err, &sdkErr) {
		return err
	}

	apiErr := &APIError{StatusCode: sdkErr.StatusCode, Body: sdkErr.Message}
	if apiErr.Body == "" {
		apiErr.Body = sdkErr.RawJSON()
	}
	if req := sdkErr.Request; req != nil {
		apiErr.Method = req.Method
		if req.URL != nil {
			apiErr.Path = req.URL.Path
		}
	}
	if sdkErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", apiErr.Method, apiErr.Path, ErrNotFound)
	}
	return apiErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrNotFound)
}

func isRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// truncateRunes cuts s to at most n runes, marking the cut.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
