// Package gateway exposes the coordinator over HTTP: health, status, message
// routing, the task board and a server-sent event stream of chat traffic.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/health"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/tasks"
)

// Routing is the message entry point. *router.Router satisfies it.
type Routing interface {
	Route(ctx context.Context, in router.Input) (router.Outcome, error)
}

// Timers lists every supervised timer. *scheduler.Supervisor satisfies it.
type Timers interface {
	Snapshot() []scheduler.TimerState
}

// Deps are the components the handlers serve. Health, Timers and Bus may be nil.
type Deps struct {
	Router Routing
	Chat   *chat.Store
	Tasks  *tasks.Store
	Bus    *bus.MessageBus
	Health *health.Reporter
	Timers Timers
}

// Server is the HTTP gateway.
type Server struct {
	cfg         config.GatewayConfig
	sendTimeout time.Duration
	deps        Deps
	mux         *http.ServeMux
}

// New builds the gateway and registers its routes.
func New(cfg config.GatewayConfig, routerCfg config.RouterConfig, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		sendTimeout: routerCfg.SendTimeout,
		deps:        deps,
		mux:         http.NewServeMux(),
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = config.DefaultConfig().Router.SendTimeout
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/channels", s.handleChannels)
	s.mux.HandleFunc("GET /api/v1/timers", s.handleTimers)

	s.mux.HandleFunc("POST /api/v1/messages", s.handleSendMessage)
	s.mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/v1/messages/{id}/reactions", s.handleReact)
	s.mux.HandleFunc("GET /api/v1/inbox/{agent}", s.handleInbox)
	s.mux.HandleFunc("GET /api/v1/chat/stream", s.handleStream)

	s.mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PATCH /api/v1/tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/status", s.handleTransition)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/comments", s.handleAddComment)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/comments", s.handleListComments)
}

// Handler returns the mux wrapped with bearer-token auth when a token is
// configured. Health and status stay open for liveness checks.
func (s *Server) Handler() http.Handler {
	if s.cfg.AuthToken == "" {
		return s.mux
	}
	authToken := s.cfg.AuthToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/api/v1/status" || r.Method == http.MethodOptions {
			s.mux.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(authToken)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// Addr returns host:port from the config.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when ctx does, so Shutdown is not held open by them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr, "auth", s.cfg.AuthToken != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway shutdown incomplete", "error", err)
		return err
	}
	slog.Info("Gateway stopped")
	return nil
}
