// Package api serves the watcher's HTTP surface: the Pub/Sub push endpoint
// and the status API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/reconcile"
	"github.com/sekia-ai/mailwatch/internal/registry"
	"github.com/sekia-ai/mailwatch/pkg/agent"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// TriggerHandler runs a reconciliation for a validated notification.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, n protocol.PushNotification) (reconcile.Result, error)
}

// Config holds the HTTP settings and the identity reported by the status API.
type Config struct {
	Listen     string
	PushPath   string
	PushToken  string
	RunTimeout time.Duration
	Service    string
	Version    string
	Users      []string
}

// Server is the watcher's HTTP server.
type Server struct {
	cfg        Config
	handler    TriggerHandler
	registry   *registry.Registry
	stats      func() agent.Stats
	startedAt  time.Time
	httpServer *http.Server
	logger     zerolog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New creates a Server. registry and stats may be nil.
func New(cfg Config, handler TriggerHandler, reg *registry.Registry, stats func() agent.Stats, startedAt time.Time, logger zerolog.Logger) *Server {
	if cfg.PushPath == "" {
		cfg.PushPath = "/pubsub/push"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	s := &Server{
		cfg:       cfg,
		handler:   handler,
		registry:  reg,
		stats:     stats,
		startedAt: startedAt,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cfg.PushPath, s.handlePush)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/services", s.handleServices)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the configured address. Blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info().Str("listen", ln.Addr().String()).Str("push_path", s.cfg.PushPath).Msg("HTTP server listening")
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Start is listening, else nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handlePush acknowledges with 2xx whenever redelivery would not help and
// with 500 when the run failed and should be retried by Pub/Sub.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PushToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.PushToken)) != 1 {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("push rejected: bad token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var env protocol.PushEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&env); err != nil {
		s.logger.Warn().Err(err).Msg("dropping undecodable push envelope")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	n, err := protocol.ParsePushNotification(env.Message.Data)
	if err != nil {
		s.logger.Warn().Err(err).Str("pubsub_id", env.Message.MessageID).Msg("dropping malformed trigger")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()

	res, err := s.handler.HandleTrigger(ctx, n)
	if err != nil {
		s.logger.Error().Err(err).
			Str("user", n.EmailAddress).
			Str("pubsub_id", env.Message.MessageID).
			Msg("push trigger failed, requesting redelivery")
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"run_id":    res.RunID,
		"state":     res.State.String(),
		"published": res.Published,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := protocol.StatusResponse{
		Status:    "ok",
		Service:   s.cfg.Service,
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		StartedAt: s.startedAt,
		Users:     s.cfg.Users,
	}
	if resp.Users == nil {
		resp.Users = []string{}
	}
	if s.stats != nil {
		st := s.stats()
		resp.Processed = st.Processed
		resp.Errors = st.Errors
	}
	writeJSON(w, resp)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	resp := protocol.ServicesResponse{Services: []protocol.ServiceInfo{}}
	if s.registry != nil {
		resp.Services = s.registry.Services()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
