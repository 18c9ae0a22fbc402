// Package server exposes the operator HTTP surface: breaker administration,
// on-demand enrichment, and duplicate review.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/dedup"
	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

// RecordStore reads and writes records.
type RecordStore interface {
	GetRecord(ctx context.Context, id int64) (*model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record) error
	Ping(ctx context.Context) error
}

// Enricher runs enrichment tasks for one record.
type Enricher interface {
	EnrichWithRetry(ctx context.Context, rec *model.Record, tasks []model.TaskType, maxRetries int) (enrich.Results, error)
}

// DuplicateFinder lists scored duplicate candidates.
type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, rec *model.Record) ([]dedup.Candidate, error)
}

// Merger applies operator merge decisions.
type Merger interface {
	Merge(ctx context.Context, primaryID, duplicateID int64) (bool, error)
	MarkNotDuplicate(ctx context.Context, a, b int64) error
}

// BreakerAdmin inspects and overrides circuit breakers.
type BreakerAdmin interface {
	States(ctx context.Context) (map[string]resilience.ProviderState, error)
	Reset(ctx context.Context, provider string) (bool, error)
	ForceOpen(ctx context.Context, provider string) (bool, error)
}

// Config wires the server's dependencies.
type Config struct {
	Port           int
	Store          RecordStore
	Enricher       Enricher
	Detector       DuplicateFinder
	Merger         Merger
	Breakers       BreakerAdmin
	MaxRetries     int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// New builds the router and HTTP server.
func New(cfg Config) *Server {
	h := &handlers{
		store:      cfg.Store,
		enricher:   cfg.Enricher,
		detector:   cfg.Detector,
		merger:     cfg.Merger,
		breakers:   cfg.Breakers,
		maxRetries: cfg.MaxRetries,
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Get("/breakers", h.listBreakers)
	r.Post("/breakers/{provider}/reset", h.resetBreaker)
	r.Post("/breakers/{provider}/open", h.openBreaker)

	r.Post("/records/{id}/enrich", h.enrichRecord)
	r.Get("/records/{id}/duplicates", h.listDuplicates)

	r.Post("/merges", h.merge)
	r.Post("/not-duplicates", h.markNotDuplicate)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Minute
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		handler: r,
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	zap.L().Info("http server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	zap.L().Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
