// ABOUTME: LINE webhook router mapping text commands and postbacks to account and task actions
// ABOUTME: Forwards free text to the conversation service and relays its reply

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/2389/tutorline/internal/conversation"
	"github.com/2389/tutorline/internal/store"
)

// Text commands sent by the rich menu.
const (
	CmdHelp        = "help"
	CmdIdentity    = "我的身分"
	CmdAccount     = "我的帳號"
	CmdToggleTask  = "開始/結束任務"
	CmdTaskHistory = "任務記錄"
	CmdSummaryCard = "我的成果圖卡"
)

// Postback payloads.
const (
	PostbackNeedHelp          = "user_need_help"
	PostbackNoNeedHelp        = "user_no_need_help"
	PostbackLogin             = "user_need_login"
	PostbackNoLogin           = "user_no_need_login"
	PostbackLogout            = "user_need_logout"
	PostbackInitiateTask      = "user_initiate_task"
	PostbackNotInitiateTask   = "user_not_initiate_task"
	PostbackLearnGrammar      = "user_want_learn_grammar"
	PostbackCancelTask        = "user_cancel_task"
	PostbackNotCancelTask     = "user_not_cancel_task"
	PostbackRequireSummary    = "user_require_learning_summary"
	PostbackNotRequireSummary = "user_not_require_learning_summary"
	PostbackNoSummaryCard     = "user_not_request_learning_summary_card"

	// PostbackSummaryCardPrefix is followed by the thread id of the card to show.
	PostbackSummaryCardPrefix = "user_request_learning_summary_card:"
)

// Reply texts.
const (
	WelcomeText         = "Welcome! Thank you for joining."
	HelpPromptText      = "Need help?"
	HelpText            = "Sorry! I can't help you."
	LoginPromptText     = "請問是否登入？"
	LoginOKText         = "您已成功登入"
	LoginFailedText     = "登入失敗，請重新再試"
	LogoutOKText        = "您已成功登出"
	LogoutFailedText    = "登出失敗，請重新再試"
	AccountText         = "我的帳號"
	EndTaskPromptText   = "是否結束目前任務？"
	StartTaskPromptText = "是否開始新任務？"
	TaskStartedText     = "任務已開始"
	TaskEndedText       = "任務已結束"
	TaskFinishedText    = "任務結束"
	SummaryPromptText   = "是否要總結本次的學習成果？"
	TaskIntroText       = "Hello，您即將開始今天的任務，在任務開始前，請先確定網路順暢，如需結束，請再次點選主選單『開始/結束任務』，祝您學習愉快！"
	TopicPromptText     = "請問你今天想學習什麼呢？"
	HistoryText         = "點此查看您的任務記錄"
	FirstGrammarTurn    = "我要學文法"
	EndPhrase           = "Let's call it a day"
	NoSummaryCardsText  = "您目前沒有學習成果圖卡，趕快開始一個新任務吧！"
	SummaryCardsFormat  = "以下是您近%d次的學習成果圖卡"
	SummaryCardMissing  = "成果圖卡不存在"
	ViewSummaryCardText = "查看成果圖卡"
)

// Conversation is the orchestrator surface the router drives.
type Conversation interface {
	SubmitTurn(ctx context.Context, userID, message string, opts conversation.TurnOptions) (*conversation.TurnResult, error)
	EndSession(ctx context.Context, userID string, opts conversation.EndOptions) (*conversation.SummaryResult, error)
	Logout(ctx context.Context, userID string) error
	Busy(ctx context.Context, userID string) (bool, error)
}

// Store is what the router reads and writes directly.
type Store interface {
	GetSession(ctx context.Context, userID string) (*store.Session, error)
	UpdateSession(ctx context.Context, userID string, update store.SessionUpdate) error
	GetTranscript(ctx context.Context, threadID string) (*store.Transcript, error)
	ListSummarizedTranscripts(ctx context.Context, userID string, limit int) ([]*store.Transcript, error)
}

// Config tunes the router.
type Config struct {
	// SummaryMinTurns is the transcript length below which ending a task
	// skips the summary prompt.
	SummaryMinTurns int

	// FuzzyTolerance is the edit distance within which text counts as the end phrase.
	FuzzyTolerance int

	// HistoryURL, if set, is linked from the task history command.
	HistoryURL string

	// AccountURL, if set, is linked from the account command.
	AccountURL string

	// DedupeTTL is how long webhook event ids are remembered.
	DedupeTTL time.Duration

	// SummaryCards is how many recent summary cards the card command shows.
	SummaryCards int

	// Location is the zone card completion times are shown in.
	Location *time.Location
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		SummaryMinTurns: 10,
		FuzzyTolerance:  5,
		DedupeTTL:       10 * time.Minute,
		SummaryCards:    store.DefaultListLimit,
		Location:        time.Local,
	}
}

// Router dispatches LINE webhook events.
type Router struct {
	conv    Conversation
	store   Store
	replier Replier
	cfg     Config
	seen    *cache.Cache
	logger  *slog.Logger
}

// NewRouter creates a router. Zero config fields take their defaults.
func NewRouter(conv Conversation, st Store, replier Replier, cfg Config, logger *slog.Logger) *Router {
	d := DefaultConfig()
	if cfg.SummaryMinTurns <= 0 {
		cfg.SummaryMinTurns = d.SummaryMinTurns
	}
	if cfg.FuzzyTolerance <= 0 {
		cfg.FuzzyTolerance = d.FuzzyTolerance
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = d.DedupeTTL
	}
	if cfg.SummaryCards <= 0 {
		cfg.SummaryCards = d.SummaryCards
	}
	if cfg.Location == nil {
		cfg.Location = d.Location
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conv:    conv,
		store:   st,
		replier: replier,
		cfg:     cfg,
		seen:    cache.New(cfg.DedupeTTL, 2*cfg.DedupeTTL),
		logger:  logger.With("component", "dispatch"),
	}
}

// Dispatch handles every event concurrently and returns when all are done.
func (r *Router) Dispatch(ctx context.Context, events []Event) {
	var wg sync.WaitGroup
	for i := range events {
		ev := events[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.HandleEvent(ctx, ev); err != nil {
				r.logger.Error("event handling failed",
					"event_id", ev.WebhookEventID,
					"type", ev.Type,
					"user_id", ev.Source.UserID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// HandleEvent computes the reply for one event and sends it.
func (r *Router) HandleEvent(ctx context.Context, ev Event) error {
	if ev.WebhookEventID != "" {
		if err := r.seen.Add(ev.WebhookEventID, struct{}{}, cache.DefaultExpiration); err != nil {
			r.logger.Debug("duplicate webhook event ignored", "event_id", ev.WebhookEventID)
			return nil
		}
	}

	msgs, err := r.route(ctx, ev)
	if err != nil {
		return err
	}
	if len(msgs) == 0 || ev.ReplyToken == "" {
		return nil
	}
	if err := r.replier.Reply(ctx, ev.ReplyToken, msgs...); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

func (r *Router) route(ctx context.Context, ev Event) ([]Message, error) {
	userID := ev.Source.UserID
	switch ev.Type {
	case EventFollow, EventJoin:
		return []Message{{Text: WelcomeText}}, nil
	case EventMessage:
		if ev.Message == nil || ev.Message.Type != "text" || userID == "" {
			return nil, nil
		}
		return r.handleText(ctx, userID, ev.Message.Text)
	case EventPostback:
		if ev.Postback == nil || userID == "" {
			return nil, nil
		}
		return r.handlePostback(ctx, userID, ev.Postback.Data)
	}
	return nil, nil
}

// session returns the user's session, or nil if there is none.
func (r *Router) session(ctx context.Context, userID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return sess, nil
}

func (r *Router) handleText(ctx context.Context, userID, text string) ([]Message, error) {
	if strings.ToLower(strings.TrimSpace(text)) == CmdHelp {
		return one(confirm(HelpPromptText, PostbackNeedHelp, PostbackNoNeedHelp, "yes", "no")), nil
	}

	sess, err := r.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	loggedIn := sess != nil && sess.LoggedIn

	switch text {
	case CmdIdentity:
		if loggedIn {
			return nil, nil
		}
		return one(confirm(LoginPromptText, PostbackLogin, PostbackNoLogin, "是", "否")), nil

	case CmdAccount:
		if !loggedIn {
			return nil, nil
		}
		msg := Message{Text: AccountText}
		if r.cfg.AccountURL != "" {
			msg.Actions = append(msg.Actions, Action{Label: "查看", URI: r.cfg.AccountURL})
		}
		msg.Actions = append(msg.Actions, Action{Label: "登出", Data: PostbackLogout})
		return one(msg), nil

	case CmdToggleTask:
		if !loggedIn {
			return nil, nil
		}
		if sess.ThreadID != "" {
			return one(confirm(EndTaskPromptText, PostbackCancelTask, PostbackNotCancelTask, "是", "否")), nil
		}
		return one(confirm(StartTaskPromptText, PostbackInitiateTask, PostbackNotInitiateTask, "是", "否")), nil

	case CmdTaskHistory:
		if !loggedIn {
			return nil, nil
		}
		msg := Message{Text: HistoryText}
		if r.cfg.HistoryURL != "" {
			msg.Actions = []Action{{Label: "查看", URI: r.cfg.HistoryURL}}
		}
		return one(msg), nil

	case CmdSummaryCard:
		if !loggedIn {
			return nil, nil
		}
		return r.summaryCards(ctx, userID)
	}

	if !loggedIn {
		return nil, nil
	}
	reply, err := r.HandleUserMessage(ctx, userID, text)
	if err != nil || reply == nil {
		return nil, err
	}
	return one(*reply), nil
}

// HandleUserMessage forwards free text from a logged-in user to the open
// task. Returns nil when the user has no open task.
func (r *Router) HandleUserMessage(ctx context.Context, userID, text string) (*Message, error) {
	busy, err := r.conv.Busy(ctx, userID)
	if err != nil {
		r.logger.Warn("busy check failed", "user_id", userID, "error", err)
		return &Message{Text: conversation.UserText(err)}, nil
	}
	if busy {
		return &Message{Text: conversation.BusyText}, nil
	}

	sess, err := r.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.ThreadID == "" {
		return nil, nil
	}

	if IsFuzzyMatch(text, EndPhrase, r.cfg.FuzzyTolerance) {
		msg := confirm(EndTaskPromptText, PostbackCancelTask, PostbackNotCancelTask, "是", "否")
		return &msg, nil
	}

	res, err := r.conv.SubmitTurn(ctx, userID, text, conversation.TurnOptions{SaveTurns: true})
	if err != nil {
		return &Message{Text: conversation.UserText(err)}, nil
	}
	return &Message{Text: res.Reply}, nil
}

func (r *Router) handlePostback(ctx context.Context, userID, data string) ([]Message, error) {
	if data == PostbackNeedHelp {
		return one(Message{Text: HelpText}), nil
	}

	sess, err := r.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	loggedIn := sess != nil && sess.LoggedIn

	switch data {
	case PostbackLogin:
		yes := true
		if err := r.store.UpdateSession(ctx, userID, store.SessionUpdate{LoggedIn: &yes}); err != nil {
			r.logger.Error("login failed", "user_id", userID, "error", err)
			return one(Message{Text: LoginFailedText}), nil
		}
		r.logger.Info("user logged in", "user_id", userID)
		return one(Message{Text: LoginOKText}), nil

	case PostbackLogout:
		if sess == nil {
			return nil, nil
		}
		if err := r.conv.Logout(ctx, userID); err != nil {
			r.logger.Error("logout failed", "user_id", userID, "error", err)
			return one(Message{Text: LogoutFailedText}), nil
		}
		return one(Message{Text: LogoutOKText}), nil
	}

	if !loggedIn {
		return nil, nil
	}

	if threadID, ok := strings.CutPrefix(data, PostbackSummaryCardPrefix); ok {
		return one(r.summaryCard(ctx, userID, threadID)), nil
	}

	switch data {
	case PostbackInitiateTask:
		if sess.ThreadID != "" {
			return one(Message{Text: TaskStartedText}), nil
		}
		return []Message{
			{Text: TaskIntroText},
			{Text: TopicPromptText, Actions: []Action{
				{Label: "文法A", Data: PostbackLearnGrammar},
				{Label: "文法B", Data: PostbackLearnGrammar},
				{Label: "文法C", Data: PostbackLearnGrammar},
			}},
		}, nil

	case PostbackLearnGrammar:
		if sess.ThreadID != "" {
			return one(Message{Text: TaskStartedText}), nil
		}
		res, err := r.conv.SubmitTurn(ctx, userID, FirstGrammarTurn, conversation.TurnOptions{
			CreateTranscript: true,
			SaveTurns:        true,
		})
		if err != nil {
			return one(Message{Text: conversation.UserText(err)}), nil
		}
		return one(Message{Text: res.Reply}), nil

	case PostbackCancelTask:
		if sess.ThreadID == "" {
			return one(Message{Text: TaskEndedText}), nil
		}
		if r.turnCount(ctx, sess.ThreadID) < r.cfg.SummaryMinTurns {
			msg, err := r.HandleEndSession(ctx, userID, false)
			if err != nil || msg == nil {
				return nil, err
			}
			return one(*msg), nil
		}
		return one(confirm(SummaryPromptText, PostbackRequireSummary, PostbackNotRequireSummary, "是", "否")), nil

	case PostbackRequireSummary, PostbackNotRequireSummary:
		msg, err := r.HandleEndSession(ctx, userID, data == PostbackRequireSummary)
		if err != nil || msg == nil {
			return nil, err
		}
		return one(*msg), nil
	}

	return nil, nil
}

// turnCount returns the number of turns recorded for the thread, 0 if
// there is no transcript.
func (r *Router) turnCount(ctx context.Context, threadID string) int {
	tr, err := r.store.GetTranscript(ctx, threadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("reading transcript failed", "thread_id", threadID, "error", err)
		}
		return 0
	}
	return len(tr.Turns)
}

// HandleEndSession ends the user's open task, optionally with a summary.
// Returns nil when the user is not logged in.
func (r *Router) HandleEndSession(ctx context.Context, userID string, summarize bool) (*Message, error) {
	sess, err := r.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.LoggedIn {
		return nil, nil
	}
	if sess.ThreadID == "" {
		return &Message{Text: TaskEndedText}, nil
	}

	res, err := r.conv.EndSession(ctx, userID, conversation.EndOptions{Summarize: summarize})
	switch {
	case errors.Is(err, conversation.ErrNoActiveTask):
		return &Message{Text: TaskEndedText}, nil
	case errors.Is(err, conversation.ErrBusy):
		return &Message{Text: conversation.BusyText}, nil
	case err != nil:
		return &Message{Text: conversation.UserText(err)}, nil
	}

	if res.Summarized && res.Text != "" {
		msg := Message{Text: res.Text}
		if res.ThreadID != "" {
			msg.Actions = append(msg.Actions, Action{Label: ViewSummaryCardText, Data: PostbackSummaryCardPrefix + res.ThreadID})
		}
		if r.cfg.HistoryURL != "" {
			msg.Actions = append(msg.Actions, Action{Label: "查看記錄", URI: r.cfg.HistoryURL})
		}
		return &msg, nil
	}
	return &Message{Text: TaskFinishedText}, nil
}

// summaryCards lists the user's most recent summarized tasks: a header
// message followed by one message holding the cards.
func (r *Router) summaryCards(ctx context.Context, userID string) ([]Message, error) {
	chats, err := r.store.ListSummarizedTranscripts(ctx, userID, r.cfg.SummaryCards)
	if err != nil {
		return nil, fmt.Errorf("listing summary cards: %w", err)
	}
	if len(chats) == 0 {
		return one(Message{Text: NoSummaryCardsText}), nil
	}

	cards := make([]string, 0, len(chats))
	var actions []Action
	for _, tr := range chats {
		cards = append(cards, r.formatCard(tr))
		actions = append(actions, Action{Label: cardLabel(tr), Data: PostbackSummaryCardPrefix + tr.ID})
	}
	return []Message{
		{Text: fmt.Sprintf(SummaryCardsFormat, len(chats))},
		{Text: strings.Join(cards, "\n\n"), Actions: actions},
	}, nil
}

// summaryCard renders one stored summary. Cards of other users are reported
// as missing.
func (r *Router) summaryCard(ctx context.Context, userID, threadID string) Message {
	tr, err := r.store.GetTranscript(ctx, threadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("reading summary card failed", "thread_id", threadID, "error", err)
		}
		return Message{Text: SummaryCardMissing}
	}
	if tr.UserID != userID || (tr.Summary == nil && tr.SummaryText == nil) {
		return Message{Text: SummaryCardMissing}
	}

	msg := Message{Text: r.formatCard(tr)}
	if r.cfg.HistoryURL != "" {
		msg.Actions = []Action{{Label: "查看記錄", URI: r.cfg.HistoryURL}}
	}
	return msg
}

// formatCard renders a transcript summary as plain text.
func (r *Router) formatCard(tr *store.Transcript) string {
	s := tr.Summary
	if s == nil {
		s = &store.StructuredSummary{}
	}
	score := "N/A"
	if s.Score != nil {
		score = fmt.Sprintf("%.1f / 5", *s.Score)
	}
	done := "N/A"
	if !tr.UpdatedAt.IsZero() {
		done = tr.UpdatedAt.In(r.cfg.Location).Format("2006/01/02 15:04")
	}

	lines := []string{
		"學習主題：" + orNA(s.Topic),
		"涉及知識點：" + orNA(s.InvolvedKnowledge),
		"評分：" + score,
		"評語：" + orNA(s.Comment),
		"完成時間：" + done,
	}
	return strings.Join(lines, "\n")
}

// cardLabel is the quick-reply label of a card: its topic, cut to LINE's
// 20 character limit.
func cardLabel(tr *store.Transcript) string {
	label := "成果圖卡"
	if tr.Summary != nil && tr.Summary.Topic != nil && strings.TrimSpace(*tr.Summary.Topic) != "" {
		label = strings.TrimSpace(*tr.Summary.Topic)
	}
	if runes := []rune(label); len(runes) > 20 {
		label = string(runes[:20])
	}
	return label
}

func orNA(s *string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return "N/A"
	}
	return *s
}

func one(m Message) []Message { return []Message{m} }

func confirm(text, yesData, noData, yesLabel, noLabel string) Message {
	return Message{
		Text: text,
		Actions: []Action{
			{Label: yesLabel, Data: yesData},
			{Label: noLabel, Data: noData},
		},
	}
}
