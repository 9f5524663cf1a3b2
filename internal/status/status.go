package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/telemetry"
)

// Config contains status server configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":9464",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Source exposes the daemon state reported on /status.
type Source interface {
	IsConnected() bool
	UnreadCount() int
	PushArmed() bool
}

// Server serves the local diagnostics endpoints: liveness, Prometheus
// metrics and a JSON state snapshot.
type Server struct {
	config     Config
	router     *chi.Mux
	server     *http.Server
	source     Source
	instanceID string
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer creates a status server over the given state source.
func NewServer(config Config, source Source) *Server {
	logger := logging.Component("status")

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	s := &Server{
		config:     config,
		source:     source,
		instanceID: uuid.New().String(),
		startedAt:  time.Now(),
		logger:     logger,
	}
	s.router = s.buildRouter()
	return s
}

// InstanceID returns the identifier minted for this daemon run.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Start initializes and runs the status server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.config.Addr).Str("instance_id", s.instanceID).Msg("Starting status server")
	s.startedAt = time.Now()

	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.server = server

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()

	s.logger.Info().Str("addr", s.config.Addr).Msg("Status server started")

	<-ctx.Done()
	return nil
}

// buildRouter wires middleware and the diagnostics endpoints
func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware())
	r.Use(telemetry.HTTPMiddleware("pulse-status"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.registerRoutes(r)
	return r
}

// registerRoutes sets up the diagnostics endpoints
func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.source != nil && !s.source.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("stream disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", s.handleStatus)
}

// handleStatus reports the current daemon state as JSON
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]interface{}{
		"instance_id":    s.instanceID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.source != nil {
		snapshot["connected"] = s.source.IsConnected()
		snapshot["unread"] = s.source.UnreadCount()
		snapshot["push_armed"] = s.source.PushArmed()
	}

	logger := logging.FromContext(r.Context())
	logger.Debug().
		Interface("snapshot", snapshot).Msg("Status snapshot served")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(snapshot)
}

// Handler returns the router, exercised directly in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown stops the status server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down status server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
