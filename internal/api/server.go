package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/auth"
	"github.com/Robor-Electronics/lwgsm/internal/config"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Deps are the collaborators served by the API. Nil ports answer 503.
type Deps struct {
	Network   NetworkPort
	Services  ServicePort
	Telemetry TelemetryPort
	Metrics   http.Handler
	Auth      *auth.Middleware
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	cfg        config.APIConfig
	deps       Deps
	startTime  time.Time
}

// NewServer creates a server. A nil deps.Auth disables authentication.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	if deps.Auth == nil {
		deps.Auth = auth.NewMiddleware(nil)
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return logRequests(mux)
}

// Start listens on cfg.Addr and serves until Stop. It returns nil after a
// graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. A server stopped before Serve returns nil
// at once.
func (s *Server) Serve(ln net.Listener) error {
	log.WithField("addr", ln.Addr().String()).Info("api listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
			"took":   time.Since(start),
		}).Debug("request")
	})
}
