// ABOUTME: LINE webhook intake through the line-bot-sdk-go webhook parser
// ABOUTME: Verified SDK events are flattened into the Event shape the router acts on

package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when the webhook signature does not match.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Webhook event types handled by the router.
const (
	EventMessage  = "message"
	EventPostback = "postback"
	EventFollow   = "follow"
	EventJoin     = "join"
)

// Event is one webhook event, reduced to what the router needs.
type Event struct {
	Type           string
	WebhookEventID string
	ReplyToken     string
	Timestamp      int64
	Source         Source
	Message        *MessageContent
	Postback       *PostbackContent
}

// Source identifies who sent the event.
type Source struct {
	Type   string
	UserID string
}

// MessageContent is the message of a message event. Text is set for text messages.
type MessageContent struct {
	ID   string
	Type string
	Text string
}

// PostbackContent is the payload of a postback event.
type PostbackContent struct {
	Data string
}

// ParseRequest verifies the signature of a webhook request and returns its
// events. Event types the router does not handle are dropped.
func ParseRequest(channelSecret string, r *http.Request) ([]Event, error) {
	if channelSecret == "" {
		return nil, ErrInvalidSignature
	}
	cb, err := webhook.ParseRequest(channelSecret, r)
	if errors.Is(err, webhook.ErrInvalidSignature) {
		return nil, ErrInvalidSignature
	}
	if err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	events := make([]Event, 0, len(cb.Events))
	for _, e := range cb.Events {
		if ev, ok := fromWebhook(e); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func fromWebhook(e webhook.EventInterface) (Event, bool) {
	switch e := e.(type) {
	case webhook.MessageEvent:
		ev := Event{
			Type:           EventMessage,
			WebhookEventID: e.WebhookEventId,
			ReplyToken:     e.ReplyToken,
			Timestamp:      e.Timestamp,
			Source:         fromSource(e.Source),
		}
		switch m := e.Message.(type) {
		case webhook.TextMessageContent:
			ev.Message = &MessageContent{ID: m.Id, Type: "text", Text: m.Text}
		default:
			ev.Message = &MessageContent{Type: "other"}
		}
		return ev, true

	case webhook.PostbackEvent:
		ev := Event{
			Type:           EventPostback,
			WebhookEventID: e.WebhookEventId,
			ReplyToken:     e.ReplyToken,
			Timestamp:      e.Timestamp,
			Source:         fromSource(e.Source),
		}
		if e.Postback != nil {
			ev.Postback = &PostbackContent{Data: e.Postback.Data}
		}
		return ev, true

	case webhook.FollowEvent:
		return Event{
			Type:           EventFollow,
			WebhookEventID: e.WebhookEventId,
			ReplyToken:     e.ReplyToken,
			Timestamp:      e.Timestamp,
			Source:         fromSource(e.Source),
		}, true

	case webhook.JoinEvent:
		return Event{
			Type:           EventJoin,
			WebhookEventID: e.WebhookEventId,
			ReplyToken:     e.ReplyToken,
			Timestamp:      e.Timestamp,
			Source:         fromSource(e.Source),
		}, true
	}
	return Event{}, false
}

func fromSource(s webhook.SourceInterface) Source {
	switch s := s.(type) {
	case webhook.UserSource:
		return Source{Type: "user", UserID: s.UserId}
	case webhook.GroupSource:
		return Source{Type: "group", UserID: s.UserId}
	case webhook.RoomSource:
		return Source{Type: "room", UserID: s.UserId}
	}
	return Source{}
}
