// ABOUTME: Gateway orchestrator that wires the store, conversation service and HTTP server
// ABOUTME: Manages the janitor, webhook dispatch and health endpoints lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/tutorline/internal/assistant"
	"github.com/2389/tutorline/internal/config"
	"github.com/2389/tutorline/internal/conversation"
	"github.com/2389/tutorline/internal/dispatch"
	"github.com/2389/tutorline/internal/store"
)

// Conversation is the orchestrator surface the HTTP API drives.
type Conversation interface {
	dispatch.Conversation
	PendingCleanups() int
}

// Dispatcher handles verified webhook events.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []dispatch.Event)
}

// Deps are the components a Gateway serves. Store, Conversation and
// Dispatcher are required.
type Deps struct {
	Store        store.Store
	Conversation Conversation
	Dispatcher   Dispatcher
	Events       *conversation.Broadcaster
	Janitor      *conversation.Janitor

	// Gatherer, if set, is exposed on MetricsPath.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// ChannelSecret verifies LINE webhook signatures.
	ChannelSecret string

	// APIToken, if set, is required as a bearer token on /api routes
	// other than the LINE callback.
	APIToken string

	// Closers run after the HTTP server stops, before the store closes.
	Closers []func()
}

// Gateway serves the LINE webhook and the JSON API.
type Gateway struct {
	addr          string
	store         store.Store
	conversation  Conversation
	dispatcher    Dispatcher
	events        *conversation.Broadcaster
	janitor       *conversation.Janitor
	channelSecret string
	apiToken      string
	closers       []func()
	httpServer    *http.Server
	logger        *slog.Logger

	// webhooks tracks dispatches still running after their request returned.
	webhooks sync.WaitGroup

	// shutdownCtx is cancelled when Shutdown gives up waiting on webhooks.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// initStore creates the durable store, optionally fronting sessions with Redis.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var base store.Store
	switch cfg.Database.Driver {
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		base = s
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("TUTORLINE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		base = s
	}

	if cfg.Sessions.Backend != config.SessionsRedis {
		return base, nil
	}
	sessions, err := store.NewRedisSessionStore(ctx, cfg.Sessions.RedisAddr, cfg.Sessions.RedisPassword, cfg.Sessions.RedisPrefix)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("initializing redis sessions: %w", err)
	}
	return store.NewComposite(sessions, base), nil
}

// initExtractor returns the summary extractor, or nil when none can be built.
func initExtractor(cfg *config.Config, logger *slog.Logger) assistant.Extractor {
	ext, err := assistant.NewLangchainExtractor(assistant.ExtractorConfig{
		APIKey:  cfg.Assistant.APIKey,
		Model:   cfg.Assistant.ExtractionModel,
		BaseURL: cfg.Assistant.BaseURL,
	}, logger.With("component", "extractor"))
	if err != nil {
		logger.Warn("summary extraction disabled", "error", err)
		return nil
	}
	return ext
}

// New builds every component from cfg and returns a gateway ready to Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ai, err := assistant.NewClient(assistant.Config{
		APIKey:      cfg.Assistant.APIKey,
		AssistantID: cfg.Assistant.AssistantID,
		BaseURL:     cfg.Assistant.BaseURL,
		MaxRetries:  cfg.Assistant.MaxRetries,
	}, logger.With("component", "assistant"))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating assistant client: %w", err)
	}

	var (
		gatherer prometheus.Gatherer
		metrics  *conversation.Metrics
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = conversation.NewMetrics(reg)
		gatherer = reg
	}

	events := conversation.NewBroadcaster(logger)
	convCfg := conversation.DefaultConfig()
	convCfg.RunTimeout = cfg.Orchestrator.RunTimeout
	convCfg.PollInterval = cfg.Orchestrator.PollInterval
	convCfg.StaleReservation = cfg.Orchestrator.StaleReservation

	opts := []conversation.Option{
		conversation.WithConfig(convCfg),
		conversation.WithBroadcaster(events),
		conversation.WithMetrics(metrics),
	}
	if ext := initExtractor(cfg, logger); ext != nil {
		opts = append(opts, conversation.WithExtractor(ext))
	}
	svc := conversation.New(s, ai, logger.With("component", "conversation"), opts...)

	janitor, err := conversation.NewJanitor(svc, cfg.Orchestrator.JanitorInterval, logger)
	if err != nil {
		svc.Close()
		_ = s.Close()
		return nil, err
	}

	replier, err := dispatch.NewLineReplier(cfg.Line.APIBaseURL, cfg.Line.ChannelAccessToken, logger)
	if err != nil {
		svc.Close()
		_ = s.Close()
		return nil, err
	}
	router := dispatch.NewRouter(svc, s, replier, dispatch.Config{
		SummaryMinTurns: cfg.Orchestrator.SummaryMinTurns,
		HistoryURL:      cfg.Line.HistoryURL,
		AccountURL:      cfg.Line.AccountURL,
	}, logger)

	return NewWithDeps(cfg.Server.HTTPAddr, Deps{
		Store:         s,
		Conversation:  svc,
		Dispatcher:    router,
		Events:        events,
		Janitor:       janitor,
		Gatherer:      gatherer,
		MetricsPath:   cfg.Metrics.Path,
		ChannelSecret: cfg.Line.ChannelSecret,
		APIToken:      cfg.Server.APIToken,
		Closers:       []func(){svc.Close},
	}, logger), nil
}

// NewWithDeps creates a gateway around already-built components.
func NewWithDeps(addr string, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		addr:           addr,
		store:          deps.Store,
		conversation:   deps.Conversation,
		dispatcher:     deps.Dispatcher,
		events:         deps.Events,
		janitor:        deps.Janitor,
		channelSecret:  deps.ChannelSecret,
		apiToken:       deps.APIToken,
		closers:        deps.Closers,
		logger:         logger.With("component", "gateway"),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = config.DefaultMetricsPath
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the janitor and HTTP server and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if g.janitor != nil {
		if err := g.janitor.Start(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the caller's is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, waits for in-flight webhook dispatches
// until ctx expires, then releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		g.webhooks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("abandoning in-flight webhook dispatches")
		g.shutdownCancel()
		<-done
	}
	g.shutdownCancel()

	if g.janitor != nil {
		errs = appendCloseError(errs, "janitor stop", g.janitor.Stop())
	}
	for _, closeFn := range g.closers {
		closeFn()
	}
	if g.events != nil {
		g.events.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readinessProbeUser is looked up to check the store answers.
const readinessProbeUser = "__readiness_probe__"

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := g.store.GetSession(ctx, readinessProbeUser); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pending cleanups)", g.conversation.PendingCleanups())
}
