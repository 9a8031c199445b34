// ABOUTME: Matrix bridge core for tutorline
// ABOUTME: Relays room messages to the gateway as tutoring turns and posts replies back

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tutorline/internal/client"
	"github.com/2389/tutorline/internal/gateway"
)

// TutorGateway is the part of the gateway API the bridge drives.
type TutorGateway interface {
	SendMessage(ctx context.Context, req gateway.SendMessageRequest) (*gateway.SendMessageResponse, error)
	EndSession(ctx context.Context, userID string, summarize bool) (*gateway.EndSessionResponse, error)
	ListChats(ctx context.Context, userID string, limit int) (*gateway.ListChatsResponse, error)
}

// RoomSender posts to Matrix rooms.
type RoomSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Bridge connects Matrix rooms to the tutorline gateway. Each Matrix user
// is a learner; their Matrix ID is the gateway user id.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	rooms   RoomSender
	gateway TutorGateway
	logger  *slog.Logger
	started time.Time

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	matrixClient, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	b := newBridge(cfg, client.New(cfg.Gateway.URL, client.WithToken(cfg.Gateway.Token)), matrixClient, logger)
	b.matrix = matrixClient
	return b, nil
}

func newBridge(cfg *Config, gw TutorGateway, rooms RoomSender, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config:  cfg,
		rooms:   rooms,
		gateway: gw,
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Login authenticates with the homeserver using the configured password.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: b.config.Matrix.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.logger.Info("logged in to matrix", "user_id", resp.UserID.String(), "device_id", string(resp.DeviceID))
	return nil
}

// UserID returns the bridge's own Matrix user.
func (b *Bridge) UserID() id.UserID {
	if b.matrix == nil {
		return ""
	}
	return b.matrix.UserID
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID().String(),
		"gateway", b.config.Gateway.URL,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	if b.config.Bridge.AutoJoin {
		syncer.OnEventType(event.StateMember, b.handleMemberEvent)
	}

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMemberEvent joins rooms the bridge is invited to.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != b.UserID().String() {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		return
	}
	joinCtx, cancel := context.WithTimeout(b.ctx, networkTimeout)
	defer cancel()
	if _, err := b.matrix.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.UserID() {
		return
	}
	// Initial sync replays history; only live messages count as turns.
	if time.UnixMilli(evt.Timestamp).Before(b.started) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	msgBody := strings.TrimSpace(content.Body)
	if msgBody == "" {
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(msgBody, 50),
	)

	// Process message in goroutine to not block sync
	go b.processMessage(b.ctx, evt.RoomID, evt.Sender, msgBody)
}

// processMessage routes one message: bridge commands are handled here,
// anything else becomes a tutoring turn.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Gateway.Timeout.Duration)
	defer cancel()

	userID := sender.String()
	if cmd, ok := b.parseCommand(body); ok {
		b.sendMessage(roomID, b.runCommand(ctx, userID, cmd))
		return
	}

	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	res, err := b.gateway.SendMessage(ctx, gateway.SendMessageRequest{
		UserID:           userID,
		Text:             body,
		CreateTranscript: true,
		SaveTurns:        true,
	})
	if err != nil {
		b.sendMessage(roomID, b.errorText(roomID, err))
		return
	}
	if res.Reply == "" {
		b.logger.Warn("empty reply from assistant", "room", roomID.String())
		return
	}

	b.logger.Info("sending response", "room", roomID.String(), "length", len(res.Reply))
	b.sendMessage(roomID, res.Reply)
}

// parseCommand returns the lower-cased command word after the prefix.
func (b *Bridge) parseCommand(body string) (string, bool) {
	prefix := b.config.Bridge.CommandPrefix
	if !strings.HasPrefix(body, prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

func (b *Bridge) runCommand(ctx context.Context, userID, cmd string) string {
	p := b.config.Bridge.CommandPrefix
	switch cmd {
	case "end", "summary":
		return b.endTask(ctx, userID, true)
	case "cancel":
		return b.endTask(ctx, userID, false)
	case "chats", "history":
		return b.listChats(ctx, userID)
	case "help":
		return helpText(p)
	default:
		return fmt.Sprintf("Unknown command %s%s. Try %shelp.", p, cmd, p)
	}
}

func (b *Bridge) endTask(ctx context.Context, userID string, summarize bool) string {
	res, err := b.gateway.EndSession(ctx, userID, summarize)
	if client.IsNoActiveTask(err) {
		return "There is no open task to end."
	}
	if err != nil {
		return b.errorText("", err)
	}
	if res.Error != "" {
		return "Task ended, but the review could not be produced: " + res.Error
	}
	if !res.Summarized {
		return "Task ended."
	}
	return formatReview(res)
}

func (b *Bridge) listChats(ctx context.Context, userID string) string {
	res, err := b.gateway.ListChats(ctx, userID, 5)
	if err != nil {
		return b.errorText("", err)
	}
	if len(res.Chats) == 0 {
		return "No reviewed tasks yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent tasks:")
	for i, c := range res.Chats {
		topic := c.SummaryText
		if c.Summary != nil && c.Summary.Topic != nil {
			topic = *c.Summary.Topic
		}
		fmt.Fprintf(&sb, "\n%d. %s", i+1, truncate(topic, 60))
	}
	return sb.String()
}

// errorText turns a gateway failure into what the learner sees. Turn
// failures already carry learner-facing text.
func (b *Bridge) errorText(roomID id.RoomID, err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Tag != "" {
		return apiErr.Message
	}
	b.logger.Error("gateway request failed", "room", roomID.String(), "error", err)
	return "Sorry, the tutor is unavailable right now. Please try again later."
}

func formatReview(res *gateway.EndSessionResponse) string {
	var sb strings.Builder
	sb.WriteString(res.Text)
	if s := res.Summary; s != nil {
		if s.Topic != nil {
			fmt.Fprintf(&sb, "\n\nTopic: %s", *s.Topic)
		}
		if s.Score != nil {
			fmt.Fprintf(&sb, "\nScore: %g", *s.Score)
		}
	}
	return strings.TrimSpace(sb.String())
}

func helpText(p string) string {
	return strings.Join([]string{
		"Send any message to talk to your tutor.",
		p + "end - finish the task and get a review",
		p + "cancel - finish the task without a review",
		p + "chats - list your recent reviewed tasks",
	}, "\n")
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

const (
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
)

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.rooms.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMessage sends a text message to a room.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.rooms.SendText(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
