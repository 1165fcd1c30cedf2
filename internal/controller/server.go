// Package controller contains the HTTP API of the benchmate daemon.
package controller

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"benchmate/internal/controller/handlers"
	"benchmate/internal/controller/middleware"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// SubmitRate and SubmitBurst throttle mutating requests per client. A
	// rate of 0 disables throttling.
	SubmitRate  float64
	SubmitBurst int
	Logger      *slog.Logger
}

// Server is the HTTP server for the benchmate API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new API server.
func New(cfg Config, orch handlers.Orchestrator, store handlers.StoreFactory) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.Addr,
			Handler:     NewHandler(cfg, orch, store),
			ReadTimeout: 10 * time.Second,
			// long enough for a GET /jobs/{id}?wait= long-poll
			WriteTimeout: handlers.MaxWait + 15*time.Second,
		},
		logger: cfg.Logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(cfg Config, orch handlers.Orchestrator, store handlers.StoreFactory) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := handlers.New(orch, store, log)
	limit := middleware.NewRateLimiter(middleware.WithRate(cfg.SubmitRate, cfg.SubmitBurst)).Middleware()
	submit := func(fn http.HandlerFunc) http.Handler { return limit(fn) }

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Lifecycle submissions
	mux.Handle("POST /benches/{bench}/sites", submit(h.CreateSite))
	mux.Handle("DELETE /benches/{bench}/sites/{site}", submit(h.DropSite))
	mux.Handle("POST /benches/{bench}/sites/{site}/backup", submit(h.BackupSite))
	mux.Handle("POST /benches/{bench}/sites/{site}/restore", submit(h.RestoreSite))
	mux.Handle("POST /benches/{bench}/start", submit(h.StartBench))
	mux.Handle("POST /benches/{bench}/stop", submit(h.StopBench))
	mux.Handle("POST /sync", submit(h.Sync))

	// Bench registry
	mux.HandleFunc("GET /benches", h.ListBenches)
	mux.HandleFunc("GET /benches/{bench}", h.GetBench)
	mux.Handle("PUT /benches/{bench}", submit(h.RegisterBench))

	// Jobs
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /jobs/{id}/logs", h.GetJobLogs)
	mux.Handle("POST /jobs/{id}/cancel", submit(h.CancelJob))
	mux.HandleFunc("GET /locks", h.ListLocks)

	return middleware.RequestID(middleware.Logging(log)(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
