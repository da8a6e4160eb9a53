package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/calldoc/calldoc/internal/api/middleware"
	"github.com/calldoc/calldoc/internal/cdr"
	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/ingest"
	"github.com/calldoc/calldoc/internal/rules"
	"github.com/calldoc/calldoc/internal/storage"
)

// Clipper cuts a time range out of an audio file.
type Clipper interface {
	ExtractClip(ctx context.Context, in, out string, startMs, endMs int64) error
}

// Stats providers for GET /stats. Any may be nil.
type (
	ListenerStats interface {
		RecordCount() int64
		ActiveConnections() int64
	}
	WriterStats interface{ Stats() cdr.Stats }
	IngestStats interface{ Stats() ingest.Stats }
)

// Deps holds everything the HTTP handlers use.
type Deps struct {
	CDRs       database.CDRRepository
	Recordings database.RecordingRepository
	RuleRepo   database.RecordingRuleRepository
	Pools      database.StoragePoolRepository
	Storage    *storage.Service
	Rules      *rules.Engine
	Clipper    Clipper
	Listener   ListenerStats
	Writer     WriterStats
	Ingest     IngestStats
	Events     EventSource
	Metrics    http.Handler // served at /metrics when set
	TempDir    string       // scratch space for clip extraction
	StartTime  time.Time
	Logger     *slog.Logger

	// Rate limits default to DefaultRateLimitConfig and ClipRateLimitConfig.
	APIRateLimit  *middleware.RateLimitConfig
	ClipRateLimit *middleware.RateLimitConfig
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	Deps
	logger      *slog.Logger
	apiLimiter  *middleware.IPRateLimiter
	clipLimiter *middleware.IPRateLimiter

	done      chan struct{} // closed by Close; ends event streams
	closeOnce sync.Once
}

// NewServer creates the HTTP handler with all routes mounted. Call Close
// to stop the rate limiter cleanup goroutines and end open event streams.
func NewServer(d Deps) *Server {
	if d.TempDir == "" {
		d.TempDir = os.TempDir()
	}
	apiCfg, clipCfg := middleware.DefaultRateLimitConfig(), middleware.ClipRateLimitConfig()
	if d.APIRateLimit != nil {
		apiCfg = *d.APIRateLimit
	}
	if d.ClipRateLimit != nil {
		clipCfg = *d.ClipRateLimit
	}

	logger := d.Logger.With("subsystem", "api")
	s := &Server{
		router:      chi.NewRouter(),
		Deps:        d,
		logger:      logger,
		apiLimiter:  middleware.NewIPRateLimiter(apiCfg, logger),
		clipLimiter: middleware.NewIPRateLimiter(clipCfg, logger),
		done:        make(chan struct{}),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.apiLimiter.Stop()
		s.clipLimiter.Stop()
	})
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))

			r.Get("/stats", s.handleStats)
			r.Get("/events/cdrs", s.handleCDREvents)

			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", s.handleListCDRs)
				r.Get("/{id}", s.handleGetCDR)
			})

			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleListRecordings)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRecording)
					r.Delete("/", s.handleDeleteRecording)
					r.Get("/stream", s.handleStreamRecording)
					r.Get("/peaks", s.handleRecordingPeaks)
					r.With(middleware.RateLimit(s.clipLimiter)).Get("/clip", s.handleRecordingClip)
				})
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Put("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
				})
			})

			r.Route("/storage/pools", func(r chi.Router) {
				r.Get("/", s.handleListPools)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPool)
					r.Put("/", s.handleUpdatePool)
					r.Get("/usage", s.handlePoolUsage)
					r.Post("/reconcile", s.handleReconcilePool)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
