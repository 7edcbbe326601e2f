package server

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/models"
	"github.com/vincentbai/vitaltrace/internal/ratelimit"
)

// RateLimiter bounds requests per key.
type RateLimiter interface {
	Check(key string) ratelimit.Result
	Reset()
}

// ProjectResolver looks up projects and their origin policy.
// GetProjectByID returns database.ErrNotFound for unknown ids.
type ProjectResolver interface {
	GetProjectByID(ctx context.Context, id string) (models.Project, error)
	OriginAllowed(project models.Project, origin string) bool
}

// Repository persists validated rows.
type Repository interface {
	InsertEvents(ctx context.Context, rows []models.WebVitalRow) error
	InsertCustomEvents(ctx context.Context, rows []models.CustomEventRow) error
}

// SchemaValidator turns a syntactically valid JSON body into a batch or a
// list of issues.
type SchemaValidator interface {
	Parse(data []byte) (models.IngestBatch, []Issue, error)
}

type Options struct {
	Address    string
	Logger     slog.Logger
	Clock      quartz.Clock
	Projects   ProjectResolver
	Repository Repository
	// RateLimiter may be nil to disable IP rate limiting.
	RateLimiter RateLimiter
	// Validator defaults to NewSchemaValidator().
	Validator SchemaValidator
	// TrustProxy allows reading the client IP from forwarded headers.
	TrustProxy bool
	// Registry defaults to a fresh prometheus registry.
	Registry *prometheus.Registry
}

type Server struct {
	address    string
	logger     slog.Logger
	clock      quartz.Clock
	projects   ProjectResolver
	repository Repository
	limiter    RateLimiter
	validator  SchemaValidator
	trustProxy bool
	registry   *prometheus.Registry
	metrics    *metrics
	server     *http.Server
}

func NewServer(options Options) *Server {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.Validator == nil {
		options.Validator = NewSchemaValidator()
	}
	if options.Registry == nil {
		options.Registry = prometheus.NewRegistry()
	}
	return &Server{
		address:    options.Address,
		logger:     options.Logger.Named("server"),
		clock:      options.Clock,
		projects:   options.Projects,
		repository: options.Repository,
		limiter:    options.RateLimiter,
		validator:  options.Validator,
		trustProxy: options.TrustProxy,
		registry:   options.Registry,
		metrics:    newMetrics(options.Registry),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recover, s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/ingest", func(r chi.Router) {
		r.Use(cors)
		r.Options("/", s.handlePreflight)
		r.Post("/", s.handleIngest)
		r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
			write(w, http.StatusMethodNotAllowed, Response{Message: "POST only"})
		})
	})
	return r
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "vitaltrace listening", slog.F("address", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return xerrors.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info(context.Background(), "shutting down server")
	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return xerrors.Errorf("shutdown: %w", err)
	}
	s.logger.Info(context.Background(), "server exited")
	return nil
}

func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Warn(r.Context(), "panic serving http request (recovered)",
					slog.F("panic", p),
					slog.F("stack", string(debug.Stack())),
				)
				write(w, http.StatusInternalServerError, Response{Message: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logLevelFn := s.logger.Debug
		if status >= http.StatusInternalServerError {
			logLevelFn = s.logger.Warn
		}
		logLevelFn(r.Context(), "http request",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("remote_addr", r.RemoteAddr),
			slog.F("status_code", status),
			slog.F("took", s.clock.Since(start)),
		)
	})
}
