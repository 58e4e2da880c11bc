// ABOUTME: HTTP gateway wiring routes, middleware, and server lifecycle
// ABOUTME: Exposes the session API, the WebSocket stream, and the embedded web UI

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/coordinator"
	"github.com/2389/desk-gateway/internal/fanout"
	"github.com/2389/desk-gateway/internal/store"
)

// Gateway is the HTTP surface of the desk gateway. Handlers validate and
// translate; session semantics live in the coordinator.
type Gateway struct {
	coordinator *coordinator.Coordinator
	store       store.Store
	hub         *fanout.Hub
	cfg         *config.Config
	logger      *slog.Logger
	uiHandler   http.Handler

	httpServer *http.Server
}

// Option customizes Gateway construction.
type Option func(*Gateway)

// WithUIHandler mounts a handler under /ui/.
func WithUIHandler(h http.Handler) Option {
	return func(g *Gateway) {
		g.uiHandler = h
	}
}

// New assembles the gateway and its route table.
func New(coord *coordinator.Coordinator, st store.Store, hub *fanout.Hub, cfg *config.Config, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		coordinator: coord,
		store:       st,
		hub:         hub,
		cfg:         cfg,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// routes builds the route table. The health endpoint is never behind
// auth; everything else goes through the bearer middleware unless auth
// is disabled in config.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/sessions", g.handleCreateSession)
	api.HandleFunc("GET /api/v1/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/v1/sessions/{id}", g.handleGetSession)
	api.HandleFunc("PATCH /api/v1/sessions/{id}", g.handleUpdateSession)
	api.HandleFunc("DELETE /api/v1/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("GET /api/v1/sessions/{id}/messages", g.handleListMessages)
	api.HandleFunc("POST /api/v1/sessions/{id}/messages", g.handleAppendMessage)
	api.HandleFunc("DELETE /api/v1/sessions/{id}/messages", g.handleClearMessages)
	api.HandleFunc("GET /api/v1/sessions/{id}/stream", g.handleStream)
	api.HandleFunc("POST /api/v1/simple/chat", g.handleSimpleChat)

	authenticate := g.authMiddleware()
	mux.Handle("/api/v1/", authenticate(api))

	if g.uiHandler != nil {
		mux.Handle("/ui/", authenticate(g.uiHandler))
		mux.Handle("GET /{$}", http.RedirectHandler("/ui/", http.StatusFound))
	}

	return mux
}

func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	if g.cfg.Auth.Disabled {
		return auth.NoAuthMiddleware()
	}
	verifier := auth.NewJWTVerifier([]byte(g.cfg.Auth.JWTSecret))
	return auth.Middleware(verifier, g.logger)
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return g.Shutdown()
}

// Shutdown stops the HTTP server with a fresh timeout context, then
// tears down live subscribers.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := g.httpServer.Shutdown(ctx)
	g.hub.Close()
	return err
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
