// ABOUTME: HTTP API handlers for the LINE webhook, turns, sessions and transcripts.
// ABOUTME: Provides JSON endpoints for the admin CLI and Matrix bridge plus an SSE event stream.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/tutorline/internal/conversation"
	"github.com/2389/tutorline/internal/dispatch"
	"github.com/2389/tutorline/internal/store"
)

const (
	// maxBodySize bounds webhook and JSON request bodies.
	maxBodySize = 1 << 20

	defaultChatLimit = 5
	maxChatLimit     = 100

	sseHeartbeat = 30 * time.Second
)

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	UserID           string `json:"user_id"`
	Text             string `json:"text"`
	CreateTranscript bool   `json:"create_transcript,omitempty"`
	SaveTurns        bool   `json:"save_turns,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages.
type SendMessageResponse struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Reply    string `json:"reply"`
}

// EndSessionRequest is the optional JSON body for POST /api/sessions/{user}/end.
type EndSessionRequest struct {
	Summarize bool `json:"summarize"`
}

// EndSessionResponse is the JSON response for POST /api/sessions/{user}/end.
type EndSessionResponse struct {
	ThreadID   string                   `json:"thread_id"`
	Summarized bool                     `json:"summarized"`
	Text       string                   `json:"text,omitempty"`
	Summary    *store.StructuredSummary `json:"summary,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Tag        string                   `json:"tag,omitempty"`
}

// SessionResponse is the JSON response for GET /api/sessions/{user}.
type SessionResponse struct {
	UserID       string `json:"user_id"`
	LoggedIn     bool   `json:"logged_in"`
	State        string `json:"state"`
	ThreadID     string `json:"thread_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	RunUpdatedAt string `json:"run_updated_at,omitempty"`
	Busy         bool   `json:"busy"`
	UpdatedAt    string `json:"updated_at"`
}

// ChatSummaryResponse is one entry of GET /api/users/{user}/chats.
type ChatSummaryResponse struct {
	ThreadID    string                   `json:"thread_id"`
	SummaryText string                   `json:"summary_text"`
	Summary     *store.StructuredSummary `json:"summary,omitempty"`
	CreatedAt   string                   `json:"created_at"`
	UpdatedAt   string                   `json:"updated_at"`
}

// ListChatsResponse is the JSON response for GET /api/users/{user}/chats.
type ListChatsResponse struct {
	UserID string                `json:"user_id"`
	Chats  []ChatSummaryResponse `json:"chats"`
}

// TurnResponse is one transcript turn.
type TurnResponse struct {
	Seq       int    `json:"seq"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// ChatResponse is the JSON response for GET /api/chats/{thread}.
type ChatResponse struct {
	ThreadID    string                   `json:"thread_id"`
	UserID      string                   `json:"user_id"`
	Turns       []TurnResponse           `json:"turns"`
	SummaryText string                   `json:"summary_text,omitempty"`
	SummaryHTML string                   `json:"summary_html,omitempty"`
	Summary     *store.StructuredSummary `json:"summary,omitempty"`
	CreatedAt   string                   `json:"created_at"`
	UpdatedAt   string                   `json:"updated_at"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/callback", g.handleCallback)

	mux.HandleFunc("POST /api/messages", g.requireAPIToken(g.handleSendMessage))
	mux.HandleFunc("GET /api/sessions/{user}", g.requireAPIToken(g.handleGetSession))
	mux.HandleFunc("POST /api/sessions/{user}/end", g.requireAPIToken(g.handleEndSession))
	mux.HandleFunc("POST /api/sessions/{user}/logout", g.requireAPIToken(g.handleLogout))
	mux.HandleFunc("GET /api/users/{user}/chats", g.requireAPIToken(g.handleListChats))
	mux.HandleFunc("GET /api/users/{user}/events", g.requireAPIToken(g.handleEvents))
	mux.HandleFunc("GET /api/chats/{thread}", g.requireAPIToken(g.handleGetChat))
}

// handleCallback handles POST /api/callback from the LINE platform.
// The signature is checked before anything else; verified events are
// dispatched in the background so LINE gets its 200 promptly.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	events, err := dispatch.ParseRequest(g.channelSecret, r)
	if errors.Is(err, dispatch.ErrInvalidSignature) {
		g.logger.Warn("rejected webhook with invalid signature", "remote_addr", r.RemoteAddr)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}

	if len(events) > 0 {
		g.webhooks.Add(1)
		go func() {
			defer g.webhooks.Done()
			g.dispatcher.Dispatch(g.shutdownCtx, events)
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

// handleSendMessage handles POST /api/messages: one synchronous turn.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := g.conversation.SubmitTurn(r.Context(), req.UserID, req.Text, conversation.TurnOptions{
		CreateTranscript: req.CreateTranscript,
		SaveTurns:        req.SaveTurns,
	})
	if err != nil {
		g.sendTurnError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, SendMessageResponse{
		ThreadID: res.ThreadID,
		RunID:    res.RunID,
		Reply:    res.Reply,
	})
}

// handleEndSession handles POST /api/sessions/{user}/end. The body is optional.
func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	var req EndSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil && !errors.Is(err, errEmptyBody) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.conversation.EndSession(r.Context(), userID, conversation.EndOptions{Summarize: req.Summarize})
	if res == nil {
		if errors.Is(err, conversation.ErrNoActiveTask) {
			g.sendJSONError(w, http.StatusNotFound, "no active task")
			return
		}
		g.sendTurnError(w, err)
		return
	}

	// The task is torn down even when the summary turn failed.
	resp := EndSessionResponse{
		ThreadID:   res.ThreadID,
		Summarized: res.Summarized,
		Text:       res.Text,
		Summary:    res.Summary,
	}
	if err != nil {
		resp.Error = conversation.UserText(err)
		resp.Tag = conversation.Tag(err)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleLogout handles POST /api/sessions/{user}/logout.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if err := g.conversation.Logout(r.Context(), userID); err != nil {
		g.logger.Error("logout failed", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleGetSession handles GET /api/sessions/{user}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	sess, err := g.store.GetSession(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	busy, err := g.conversation.Busy(r.Context(), userID)
	if err != nil {
		g.logger.Warn("busy check failed", "user_id", userID, "error", err)
	}

	resp := SessionResponse{
		UserID:    sess.UserID,
		LoggedIn:  sess.LoggedIn,
		State:     string(sess.State()),
		ThreadID:  sess.ThreadID,
		RunID:     sess.RunID,
		Busy:      busy,
		UpdatedAt: formatTime(sess.UpdatedAt),
	}
	if sess.RunID != "" {
		resp.RunUpdatedAt = formatTime(sess.RunUpdatedAt)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListChats handles GET /api/users/{user}/chats?limit=N.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	limit := defaultChatLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChatLimit)
	}

	transcripts, err := g.store.ListSummarizedTranscripts(r.Context(), userID, limit)
	if err != nil {
		g.logger.Error("failed to list transcripts", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListChatsResponse{UserID: userID, Chats: make([]ChatSummaryResponse, 0, len(transcripts))}
	for _, t := range transcripts {
		entry := ChatSummaryResponse{
			ThreadID:  t.ID,
			Summary:   t.Summary,
			CreatedAt: formatTime(t.CreatedAt),
			UpdatedAt: formatTime(t.UpdatedAt),
		}
		if t.SummaryText != nil {
			entry.SummaryText = *t.SummaryText
		}
		resp.Chats = append(resp.Chats, entry)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetChat handles GET /api/chats/{thread}.
func (g *Gateway) handleGetChat(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")

	t, err := g.store.GetTranscript(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get transcript", "thread_id", threadID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ChatResponse{
		ThreadID:  t.ID,
		UserID:    t.UserID,
		Turns:     make([]TurnResponse, 0, len(t.Turns)),
		Summary:   t.Summary,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
	for _, turn := range t.Turns {
		resp.Turns = append(resp.Turns, TurnResponse{
			Seq:       turn.Seq,
			Role:      string(turn.Role),
			Text:      turn.Text,
			CreatedAt: formatTime(turn.CreatedAt),
		})
	}
	if t.SummaryText != nil {
		resp.SummaryText = *t.SummaryText
		resp.SummaryHTML = g.renderMarkdown(*t.SummaryText)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /api/users/{user}/events as a Server-Sent Events stream.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.events == nil {
		g.sendJSONError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	userID := r.PathValue("user")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, _ := g.events.Subscribe(ctx, userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"user_id": userID})
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		}
	}
}

// statusForError maps orchestrator errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrNoActiveTask):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, conversation.ErrRunFailed), errors.Is(err, conversation.ErrThreadCreationFailed):
		return http.StatusBadGateway
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendTurnError writes the user-facing text and tag for a failed turn.
// Raw error text is only logged.
func (g *Gateway) sendTurnError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("turn failed", "error", err)
	}
	g.sendJSON(w, status, map[string]string{
		"error": conversation.UserText(err),
		"tag":   conversation.Tag(err),
	})
}

var errEmptyBody = errors.New("request body is empty")

// decodeJSON decodes a bounded JSON body, rejecting unknown fields.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (g *Gateway) renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return ""
	}
	return buf.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
