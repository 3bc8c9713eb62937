package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/events"
	"github.com/sells-group/catalog-import/internal/job"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/publish"
	"github.com/sells-group/catalog-import/internal/replay"
)

// Jobs is the job orchestrator surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, s job.Submission) (*job.Submitted, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Subscribe(id string) (<-chan events.Event, func())
	Wait(ctx context.Context, id string) (*model.Job, error)
}

// ReplayGuard rejects reused request ids.
type ReplayGuard interface {
	Check(ctx context.Context, actor, requestID string) replay.Decision
}

// Publisher publishes stored product versions.
type Publisher interface {
	Publish(ctx context.Context, channel, identity, key string) (*publish.Result, error)
}

// Config holds API settings.
type Config struct {
	Version     string
	CORSOrigins []string
	// PreviewWait bounds how long a preview request blocks for its job.
	PreviewWait time.Duration
	// SSEHeartbeat is the keep-alive comment interval on event streams.
	SSEHeartbeat time.Duration
	// Health optionally checks backing stores.
	Health func(ctx context.Context) error
}

// Server serves the import API.
type Server struct {
	cfg       Config
	auth      *Authenticator
	jobs      Jobs
	guard     ReplayGuard
	publisher Publisher
	validate  *validator.Validate
	nowFunc   func() time.Time
}

// NewServer creates a Server. publisher may be nil when no channels exist.
func NewServer(cfg Config, auth *Authenticator, jobs Jobs, guard ReplayGuard, publisher Publisher) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.PreviewWait <= 0 {
		cfg.PreviewWait = 90 * time.Second
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
	}
	return &Server{
		cfg:       cfg,
		auth:      auth,
		jobs:      jobs,
		guard:     guard,
		publisher: publisher,
		validate:  newValidator(),
		nowFunc:   time.Now,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.track)
	r.Use(logRequests)
	r.Use(s.recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/imports", s.handleCreateImport)
		r.Get("/imports/{id}", s.handleGetImport)
		r.Get("/imports/{id}/events", s.handleImportEvents)
		r.Post("/products/{identity}/publish", s.handlePublish)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			respond(w, r, http.StatusServiceUnavailable, CodeInternal, "store unavailable", map[string]string{"status": "degraded"})
			return
		}
	}
	respond(w, r, http.StatusOK, CodeOK, "healthy", map[string]string{"status": "ok"})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zap.L().Error("api: panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				respondError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", state(r).requestID),
		)
	})
}
