// ABOUTME: Gateway orchestrator wiring the store, services, and HTTP server
// ABOUTME: Manages component lifecycle, route registration, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hoverline/handoff-gateway/internal/auth"
	"github.com/hoverline/handoff-gateway/internal/config"
	"github.com/hoverline/handoff-gateway/internal/conversation"
	"github.com/hoverline/handoff-gateway/internal/handoff"
	"github.com/hoverline/handoff-gateway/internal/notify"
	"github.com/hoverline/handoff-gateway/internal/poller"
	"github.com/hoverline/handoff-gateway/internal/store"
	"github.com/hoverline/handoff-gateway/internal/takeover"
)

// Gateway orchestrates the handoff-gateway server components.
// It owns the store, the coordination services, the realtime notifier, the
// reconciliation poller, and the HTTP server that exposes them.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	states       *handoff.StateMachine
	queue        *handoff.Queue
	coordinator  *takeover.Coordinator
	notifier     *notify.Notifier
	poller       *poller.Poller
	httpServer   *http.Server
	logger       *slog.Logger
}

// initStore creates the store from config, honoring the HANDOFF_DB_PATH
// environment override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HANDOFF_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewNotifier(logger)
	convService := conversation.New(s, notifier, logger)
	states := handoff.NewStateMachine(s, logger)
	queue := handoff.NewQueue(s, states, logger)
	coordinator := takeover.New(s, states, takeover.Options{
		FreshnessThreshold: cfg.Takeover.FreshnessThreshold,
		PollInterval:       cfg.Takeover.PollInterval,
		MaxAttempts:        cfg.Takeover.MaxAttempts,
		MaxWait:            cfg.Takeover.MaxWait,
	}, logger)
	reconciler := poller.New(convService, queue, notifier, poller.Options{
		ConversationsInterval: cfg.Poller.ConversationsInterval,
		RequestsInterval:      cfg.Poller.RequestsInterval,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		states:       states,
		queue:        queue,
		coordinator:  coordinator,
		notifier:     notifier,
		poller:       reconciler,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRoutes wires the HTTP API. Operator endpoints sit behind JWT auth;
// the ingest endpoint and health check do not, since the widget-facing chat
// path has no operator identity.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret)))

	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/api/ingest/message", g.handleIngestMessage)

	mux.Handle("/api/handoff/pending", authMiddleware(http.HandlerFunc(g.handleListPending)))
	mux.Handle("/api/handoff/accept", authMiddleware(http.HandlerFunc(g.handleAcceptRequest)))
	mux.Handle("/api/handoff/resolve", authMiddleware(http.HandlerFunc(g.handleResolveRequest)))
	mux.Handle("/api/handoff/message", authMiddleware(http.HandlerFunc(g.handleOperatorMessage)))
	mux.Handle("/api/takeover", authMiddleware(http.HandlerFunc(g.handleTakeover)))
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(g.handleConversationDetail)))
	mux.Handle("/api/messages/", authMiddleware(http.HandlerFunc(g.handleMessageFeedback)))
	mux.Handle("/api/subscribe", authMiddleware(http.HandlerFunc(g.handleSubscribe)))
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
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

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the poller, and the notifier, then closes
// the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}

	g.poller.Close()
	g.notifier.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("gateway stopped")
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
