// Package server exposes the command registry and the storage adapter over
// HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-exec/internal/governance"
	"github.com/polisai/polis-exec/pkg/capability"
	"github.com/polisai/polis-exec/pkg/pipeline"
	"github.com/polisai/polis-exec/pkg/registry"
	"github.com/polisai/polis-exec/pkg/zfs"
)

// DefaultShutdownTimeout bounds graceful shutdown when the caller gives no deadline.
const DefaultShutdownTimeout = 15 * time.Second

// maxStorageBodyBytes bounds JSON bodies on storage routes.
const maxStorageBodyBytes = 64 << 10

// Runner executes pipelines. *pipeline.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Storage is the storage surface used by the handlers. *zfs.Adapter satisfies it.
type Storage interface {
	Enabled() bool
	ListDatasets(ctx context.Context) ([]zfs.Dataset, zfs.ListReport, error)
	EncryptedDatasets(ctx context.Context) ([]zfs.Dataset, error)
	EncryptedDataset(ctx context.Context, name string) (zfs.Dataset, error)
	Unlock(ctx context.Context, name string, passphrase []byte) error
	Mount(ctx context.Context, name string) error
}

// Options configures the HTTP layer.
type Options struct {
	ListenAddress  string
	AllowedOrigins []string
	MaxInputBytes  int64
	MetricsPath    string
	// RequestTimeout is used as the server write timeout. Zero disables it.
	RequestTimeout time.Duration
	Version        string
	// CommandLimit applies to each command endpoint, UnlockLimit to each
	// dataset. Zero values disable them.
	CommandLimit governance.Limit
	UnlockLimit  governance.Limit
	// TLS serves HTTPS when set.
	TLS *tls.Config
}

// Server is the polis-exec HTTP API.
type Server struct {
	opts      Options
	registry  *registry.Registry
	runner    Runner
	storage   Storage
	publisher *capability.Publisher
	metrics   *Metrics
	logger    *slog.Logger
	log       *StructuredLogger
	drifted   func() bool

	commandLimiter *governance.RateLimiter
	unlockLimiter  *governance.RateLimiter

	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	stopOnce   sync.Once
}

// New creates a server. metrics may be nil to disable /metrics.
func New(opts Options, reg *registry.Registry, runner Runner, storage Storage, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		opts:      opts,
		registry:  reg,
		runner:    runner,
		storage:   storage,
		publisher: capability.NewPublisher(reg, storage != nil && storage.Enabled()),
		metrics:   metrics,
		logger:    logger.With("component", "server"),
		log:       NewStructuredLogger(logger),

		commandLimiter: governance.NewRateLimiter(opts.CommandLimit),
		unlockLimiter:  governance.NewRateLimiter(opts.UnlockLimit),
	}
	s.handler = s.buildHandler()
	return s
}

// SetDriftReporter installs the function /health uses to report whether the
// configuration on disk has changed since startup.
func (s *Server) SetDriftReporter(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drifted = fn
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	var h http.Handler = observeMiddleware(s.metrics, s.log, mux)
	h = otelhttp.NewHandler(h, "polis-exec",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = corsMiddleware(s.opts.AllowedOrigins, s.logger, h)
	h = requestIDMiddleware(h)
	h = recoverMiddleware(s.logger, h)
	return h
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /hello", s.handleHello)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)

	mux.HandleFunc("GET /custom-commands-list", s.handleCommandList)
	mux.HandleFunc("POST /custom-commands/{endpoint}", s.handleRunCommand)

	mux.HandleFunc("GET /zfs/datasets", s.handleDatasets)
	mux.HandleFunc("GET /zfs/encrypted-datasets-state", s.handleEncryptedDatasetsState)
	mux.HandleFunc("POST /zfs/encrypted-dataset-state", s.handleEncryptedDatasetState)
	mux.HandleFunc("POST /zfs/load-key", s.handleLoadKey)
	mux.HandleFunc("POST /zfs/unlock", s.handleLoadKey)
	mux.HandleFunc("POST /zfs/mount-dataset", s.handleMountDataset)

	if s.metrics != nil {
		mux.Handle("GET "+s.opts.MetricsPath, s.metrics.Handler())
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.RequestTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", ln.Addr().String(), "tls", s.opts.TLS != nil, "commands", s.registry.Len())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv == nil {
			return
		}

		s.logger.Info("Stopping HTTP server")
		if stopErr := srv.Shutdown(ctx); stopErr != nil {
			s.logger.Error("Failed to shut down HTTP server", "error", stopErr)
			err = stopErr
		}
	})
	return err
}
