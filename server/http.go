// Package server provides the HTTP API for the package repository.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/netutil"

	"github.com/FyraLabs/subatomic-ng/store/artifact"
	"github.com/FyraLabs/subatomic-ng/store/pkgdb"
	"github.com/FyraLabs/subatomic-ng/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// RateLimit is the sustained requests per second allowed per client.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	// AuthToken is a static bearer token. Empty disables it.
	AuthToken string

	// JWTSecret enables HS256 bearer tokens signed with this secret.
	JWTSecret string

	// PublicReads exempts GET and HEAD requests from authentication.
	PublicReads bool

	// MaxUploadSize limits upload bodies. Zero means unlimited.
	MaxUploadSize int64

	Retry   RetryConfig
	Breaker BreakerConfig

	// Logger for the server
	Logger *slog.Logger
}

// Worker is a background task that runs until ctx is cancelled.
type Worker func(ctx context.Context)

// Option configures a Server.
type Option func(*Server)

// WithUploader enables the upload and download endpoints.
func WithUploader(u *artifact.Uploader) Option {
	return func(s *Server) { s.uploader = u }
}

// WithWorker runs w alongside the server between Start and Shutdown.
func WithWorker(name string, w Worker) Option {
	return func(s *Server) {
		s.workers = append(s.workers, namedWorker{name: name, run: w})
	}
}

type namedWorker struct {
	name string
	run  Worker
}

// Server is the HTTP server for the package repository.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	store    pkgdb.Store
	uploader *artifact.Uploader
	guard    *guard
	limiter  *rateLimiter

	workers    []namedWorker
	mu         sync.Mutex
	stopWork   context.CancelFunc
	workerDone sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config, store pkgdb.Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("server: nil store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		store:  store,
		guard:  newGuard(cfg.Retry, cfg.Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, cfg.RateBurst)
		h = s.limiter.middleware(h)
	}
	s.handler = s.loggingMiddleware(h)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute, // Long timeout for large RPM transfers
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("PUT /rpm/upload", s.handleUpload)
	mux.HandleFunc("GET /rpm/{id}", s.handleGetPackage)
	mux.HandleFunc("GET /rpm/{id}/download", s.handleDownload)
	mux.HandleFunc("POST /rpm/{id}/available", s.handleSetAvailable(true))
	mux.HandleFunc("DELETE /rpm/{id}/available", s.handleSetAvailable(false))

	mux.HandleFunc("GET /rpms", s.handleListPackages)
	mux.HandleFunc("POST /rpms", s.handleCreatePackage)

	mux.HandleFunc("GET /audit", s.handleListAudit)
	mux.HandleFunc("GET /audit/verify", s.handleVerifyAudit)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := telemetry.ExtractHTTP(r.Context(), propagation.HeaderCarrier(r.Header))
		r = telemetry.InjectTags(r.WithContext(ctx))
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Op != "" {
			attrs = append(attrs, "op", tags.Op)
		}
		if tags.Outcome != "" {
			attrs = append(attrs, "outcome", tags.Outcome)
		}
		if sub := subjectFromContext(r.Context()); sub != "" {
			attrs = append(attrs, "subject", sub)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln and starts the background workers.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopWork = cancel
	s.mu.Unlock()
	for _, w := range s.workers {
		s.workerDone.Add(1)
		go func(w namedWorker) {
			defer s.workerDone.Done()
			s.logger.Info("starting worker", "worker", w.name)
			w.run(ctx)
		}(w)
	}

	s.logger.Info("starting server", "address", ln.Addr().String(), "max_conns", s.config.MaxConns)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and its workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	if s.stopWork != nil {
		s.stopWork()
	}
	s.mu.Unlock()
	if s.limiter != nil {
		s.limiter.stop()
	}

	done := make(chan struct{})
	go func() {
		s.workerDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
