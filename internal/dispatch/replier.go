// ABOUTME: Outbound replies: the Message model and a reply client over the LINE messaging_api SDK
// ABOUTME: Confirm prompts are sent as text with quick-reply postback buttons

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/tidwall/gjson"

	"github.com/2389/tutorline/internal/retry"
)

// DefaultLineAPIBaseURL is the LINE Messaging API endpoint.
const DefaultLineAPIBaseURL = "https://api.line.me"

// LINE accepts at most this many messages per reply.
const maxReplyMessages = 5

// Action is a quick-reply button. Data makes it a postback, URI a link.
type Action struct {
	Label string
	Data  string
	URI   string
}

// Message is one outbound text message.
type Message struct {
	Text    string
	Actions []Action
}

// Replier sends messages in reply to a webhook event.
type Replier interface {
	Reply(ctx context.Context, replyToken string, msgs ...Message) error
}

// ReplyError is a non-2xx response from the reply API.
type ReplyError struct {
	StatusCode int
	Body       string
}

func (e *ReplyError) Error() string {
	if msg := gjson.Get(e.Body, "message").String(); msg != "" {
		return fmt.Sprintf("line reply: status %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("line reply: status %d: %s", e.StatusCode, e.Body)
}

// LineReplier sends replies through the LINE Messaging API client.
type LineReplier struct {
	api    *messaging_api.MessagingApiAPI
	retry  retry.Config
	logger *slog.Logger
}

// NewLineReplier creates a reply client. An empty baseURL selects the
// public LINE endpoint.
func NewLineReplier(baseURL, accessToken string, logger *slog.Logger) (*LineReplier, error) {
	if baseURL == "" {
		baseURL = DefaultLineAPIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	api, err := messaging_api.NewMessagingApiAPI(accessToken,
		messaging_api.WithEndpoint(strings.TrimRight(baseURL, "/")),
		messaging_api.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating line messaging client: %w", err)
	}

	cfg := retry.HTTPConfig(2)
	cfg.Retryable = func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var re *ReplyError
		if errors.As(err, &re) {
			return re.StatusCode >= 500 || re.StatusCode == http.StatusTooManyRequests
		}
		return true
	}
	return &LineReplier{
		api:    api,
		retry:  cfg,
		logger: logger.With("component", "line_replier"),
	}, nil
}

func toLineMessage(m Message) messaging_api.MessageInterface {
	msg := messaging_api.TextMessage{Text: m.Text}
	if len(m.Actions) == 0 {
		return msg
	}
	msg.QuickReply = &messaging_api.QuickReply{}
	for _, a := range m.Actions {
		var action messaging_api.ActionInterface
		if a.URI != "" {
			action = messaging_api.UriAction{Label: a.Label, Uri: a.URI}
		} else {
			action = messaging_api.PostbackAction{Label: a.Label, Data: a.Data, DisplayText: a.Label}
		}
		msg.QuickReply.Items = append(msg.QuickReply.Items, messaging_api.QuickReplyItem{Type: "action", Action: action})
	}
	return msg
}

// Reply sends msgs using the event's reply token.
func (r *LineReplier) Reply(ctx context.Context, replyToken string, msgs ...Message) error {
	if replyToken == "" || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > maxReplyMessages {
		msgs = msgs[:maxReplyMessages]
	}

	req := &messaging_api.ReplyMessageRequest{ReplyToken: replyToken}
	for _, m := range msgs {
		req.Messages = append(req.Messages, toLineMessage(m))
	}

	res := retry.Do(ctx, r.retry, r.logger, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.send(req)
	})
	return res.Err()
}

func (r *LineReplier) send(req *messaging_api.ReplyMessageRequest) error {
	resp, _, err := r.api.ReplyMessageWithHttpInfo(req)
	if resp == nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		body := string(b)
		if strings.TrimSpace(body) == "" && err != nil {
			body = err.Error()
		}
		return &ReplyError{StatusCode: resp.StatusCode, Body: body}
	}
	// The reply was accepted even if its response body did not decode.
	if err != nil {
		r.logger.Debug("reply response not decoded", "error", err)
	}
	return nil
}
