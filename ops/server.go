package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
)

const readHeaderTimeout = 5 * time.Second

// Engine is the part of engine.Engine the endpoints read.
type Engine interface {
	Health(ctx context.Context) metrics.Health
	Languages() []string
	Reporter() *metrics.Reporter
}

// Server is the ops HTTP listener. A zero port disables it.
type Server struct {
	logger *zap.Logger
	port   int
	http   *http.Server
	done   chan struct{}
}

// New builds the ops server for cfg.Server.OpsPort.
func New(cfg *config.Config, logger *zap.Logger, engine Engine) *Server {
	return &Server{
		logger: logger.Named("ops"),
		port:   cfg.Server.OpsPort,
		http: &http.Server{
			Handler:           NewRouter(engine),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// NewRouter registers the ops routes.
func NewRouter(engine Engine) *mux.Router {
	h := &handlers{engine: engine}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", engine.Reporter().Handler()).Methods(http.MethodGet)
	r.HandleFunc("/languages", h.languages).Methods(http.MethodGet)
	return r
}

// Enabled reports whether a port is configured.
func (s *Server) Enabled() bool {
	return s.port > 0
}

// Start binds the listener and serves in the background.
func (s *Server) Start(context.Context) error {
	if !s.Enabled() {
		s.logger.Info("ops endpoints disabled")
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on ops port %d: %w", s.port, err)
	}
	s.done = make(chan struct{})
	s.logger.Info("serving ops endpoints", zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop ops server: %w", err)
	}
	<-s.done
	return nil
}

type handlers struct {
	engine Engine
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	health := h.engine.Health(r.Context())
	status := http.StatusOK
	if health.Status == metrics.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *handlers) languages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": h.engine.Languages()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
