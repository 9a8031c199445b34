package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tutorline/internal/client"
	"github.com/2389/tutorline/internal/gateway"
	"github.com/2389/tutorline/internal/store"
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []gateway.SendMessageRequest
	ended    []bool
	reply    string
	sendErr  error
	endRes   *gateway.EndSessionResponse
	endErr   error
	chats    []gateway.ChatSummaryResponse
	chatsErr error
}

func (f *fakeGateway) SendMessage(_ context.Context, req gateway.SendMessageRequest) (*gateway.SendMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &gateway.SendMessageResponse{ThreadID: "thread_1", Reply: f.reply}, nil
}

func (f *fakeGateway) EndSession(_ context.Context, _ string, summarize bool) (*gateway.EndSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, summarize)
	if f.endErr != nil {
		return nil, f.endErr
	}
	if f.endRes != nil {
		return f.endRes, nil
	}
	return &gateway.EndSessionResponse{ThreadID: "thread_1"}, nil
}

func (f *fakeGateway) ListChats(_ context.Context, userID string, _ int) (*gateway.ListChatsResponse, error) {
	if f.chatsErr != nil {
		return nil, f.chatsErr
	}
	return &gateway.ListChatsResponse{UserID: userID, Chats: f.chats}, nil
}

type fakeRooms struct {
	mu     sync.Mutex
	texts  []string
	typing []bool
}

func (f *fakeRooms) SendText(_ context.Context, _ id.RoomID, text string) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return &mautrix.RespSendEvent{}, nil
}

func (f *fakeRooms) UserTyping(_ context.Context, _ id.RoomID, typing bool, _ time.Duration) (*mautrix.RespTyping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return &mautrix.RespTyping{}, nil
}

func (f *fakeRooms) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

const (
	room    = id.RoomID("!room:example.org")
	learner = id.UserID("@alice:example.org")
)

func newTestBridge(t *testing.T, gw *fakeGateway) (*Bridge, *fakeRooms) {
	t.Helper()
	rooms := &fakeRooms{}
	cfg := &Config{
		Gateway: GatewayConfig{URL: "http://gw", Timeout: duration{time.Minute}},
		Bridge:  BridgeConfig{CommandPrefix: "!", TypingIndicator: true},
	}
	b := newBridge(cfg, gw, rooms, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.cancel)
	return b, rooms
}

func TestProcessMessage_Turn(t *testing.T) {
	gw := &fakeGateway{reply: "A gerund is a verb acting as a noun."}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "what is a gerund?")

	require.Len(t, gw.sent, 1)
	assert.Equal(t, gateway.SendMessageRequest{
		UserID:           "@alice:example.org",
		Text:             "what is a gerund?",
		CreateTranscript: true,
		SaveTurns:        true,
	}, gw.sent[0])
	assert.Equal(t, []string{"A gerund is a verb acting as a noun."}, rooms.sentTexts())
	assert.Equal(t, []bool{true, false}, rooms.typing)
}

func TestProcessMessage_TurnErrorShowsLearnerText(t *testing.T) {
	gw := &fakeGateway{sendErr: &client.APIError{Status: 409, Message: "Still working on your last message.", Tag: "busy"}}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "hello?")

	assert.Equal(t, []string{"Still working on your last message."}, rooms.sentTexts())
}

func TestProcessMessage_TransportErrorIsGeneric(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("dial tcp: connection refused")}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "hello?")

	texts := rooms.sentTexts()
	require.Len(t, texts, 1)
	assert.NotContains(t, texts[0], "connection refused")
	assert.Contains(t, texts[0], "unavailable")
}

func TestProcessMessage_EmptyReplyNotSent(t *testing.T) {
	b, rooms := newTestBridge(t, &fakeGateway{})

	b.processMessage(context.Background(), room, learner, "hello")

	assert.Empty(t, rooms.sentTexts())
}

func TestCommands_End(t *testing.T) {
	topic, score := "Gerunds", 9.0
	gw := &fakeGateway{endRes: &gateway.EndSessionResponse{
		ThreadID:   "thread_1",
		Summarized: true,
		Text:       "Nice work today.",
		Summary:    &store.StructuredSummary{Topic: &topic, Score: &score},
	}}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "!END")

	assert.Equal(t, []bool{true}, gw.ended)
	assert.Empty(t, gw.sent)
	texts := rooms.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Nice work today.")
	assert.Contains(t, texts[0], "Topic: Gerunds")
	assert.Contains(t, texts[0], "Score: 9")
	assert.Empty(t, rooms.typing)
}

func TestCommands_Cancel(t *testing.T) {
	gw := &fakeGateway{}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "!cancel")

	assert.Equal(t, []bool{false}, gw.ended)
	assert.Equal(t, []string{"Task ended."}, rooms.sentTexts())
}

func TestCommands_EndWithoutTask(t *testing.T) {
	gw := &fakeGateway{endErr: &client.APIError{Status: 404, Message: "no active task"}}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "!end")

	assert.Equal(t, []string{"There is no open task to end."}, rooms.sentTexts())
}

func TestCommands_EndSummaryFailed(t *testing.T) {
	gw := &fakeGateway{endRes: &gateway.EndSessionResponse{ThreadID: "thread_1", Error: "Sorry - timeout", Tag: "timeout"}}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "!end")

	texts := rooms.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Sorry - timeout")
}

func TestCommands_Chats(t *testing.T) {
	topic := "Present perfect"
	gw := &fakeGateway{chats: []gateway.ChatSummaryResponse{
		{ThreadID: "thread_2", Summary: &store.StructuredSummary{Topic: &topic}},
		{ThreadID: "thread_1", SummaryText: "Reported speech practice"},
	}}
	b, rooms := newTestBridge(t, gw)

	b.processMessage(context.Background(), room, learner, "!chats")

	texts := rooms.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "1. Present perfect")
	assert.Contains(t, texts[0], "2. Reported speech practice")
}

func TestCommands_HelpAndUnknown(t *testing.T) {
	b, rooms := newTestBridge(t, &fakeGateway{})

	b.processMessage(context.Background(), room, learner, "!help")
	b.processMessage(context.Background(), room, learner, "!dance now")

	texts := rooms.sentTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "!end")
	assert.Contains(t, texts[1], "Unknown command !dance")
}

func TestParseCommand(t *testing.T) {
	b, _ := newTestBridge(t, &fakeGateway{})

	cmd, ok := b.parseCommand("!end please")
	assert.True(t, ok)
	assert.Equal(t, "end", cmd)

	_, ok = b.parseCommand("!")
	assert.False(t, ok)

	_, ok = b.parseCommand("end")
	assert.False(t, ok)
}

func TestHandleMessageEvent_Filters(t *testing.T) {
	gw := &fakeGateway{reply: "hi"}
	b, rooms := newTestBridge(t, gw)
	b.config.Bridge.AllowedRooms = []string{room.String()}

	textEvent := func(roomID id.RoomID, ts time.Time, body string) *event.Event {
		return &event.Event{
			Sender:    learner,
			RoomID:    roomID,
			Timestamp: ts.UnixMilli(),
			Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
		}
	}

	// Replayed history, another room and blank text are ignored.
	b.handleMessageEvent(context.Background(), textEvent(room, b.started.Add(-time.Hour), "old"))
	b.handleMessageEvent(context.Background(), textEvent("!other:example.org", time.Now(), "elsewhere"))
	b.handleMessageEvent(context.Background(), textEvent(room, time.Now(), "   "))

	b.handleMessageEvent(context.Background(), textEvent(room, time.Now().Add(time.Second), "live"))

	require.Eventually(t, func() bool { return len(rooms.sentTexts()) == 1 }, time.Second, 10*time.Millisecond)
	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.sent, 1)
	assert.Equal(t, "live", gw.sent[0].Text)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "こんにち...", truncate("こんにちは世界", 4))
}
