// Package api exposes the queue, priority, conflict and sync operations over
// HTTP for coordinator dashboards.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/reliefsync/backend/internal/config"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/notify"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/scheduler"
)

// Queue is the queue surface the API uses.
type Queue interface {
	Items(filter queue.Filter) []*models.QueueItem
	Get(id string) (*models.QueueItem, error)
	Summary() queue.Summary
	Enqueue(ctx context.Context, item *models.QueueItem) (*models.QueueItem, error)
	Retry(ctx context.Context, id string) (*models.QueueItem, error)
	Remove(ctx context.Context, id string) error
}

// Priority is the priority engine surface the API uses.
type Priority interface {
	Rules() []*models.PriorityRule
	CreateRule(ctx context.Context, rule *models.PriorityRule) (*models.PriorityRule, error)
	UpdateRule(ctx context.Context, rule *models.PriorityRule) (*models.PriorityRule, error)
	DeleteRule(ctx context.Context, id string) error
	RecalculateAll(ctx context.Context) (int, error)
	OverridePriority(ctx context.Context, itemID string, score float64, justification, actor string) (*models.PriorityOverride, error)
	ClearOverride(ctx context.Context, itemID string) error
	Overrides(ctx context.Context, itemID string) ([]*models.PriorityOverride, error)
}

// Conflicts is the resolver surface the API uses.
type Conflicts interface {
	List(filter conflict.Filter) []*models.Conflict
	Pending(filter conflict.Filter) []*models.Conflict
	Stats(filter conflict.Filter) conflict.Stats
	Get(ctx context.Context, id string) (*models.Conflict, error)
	Resolve(ctx context.Context, req conflict.ResolveRequest) (string, error)
	AddNote(ctx context.Context, id, actor, details string) (*models.Conflict, error)
}

// Scheduler is the sync control surface the API uses.
type Scheduler interface {
	TriggerSync(ctx context.Context) bool
	GetStatus() scheduler.SchedulerStatus
	SetOnlineStatus(ctx context.Context, online bool)
	SetAutoRefresh(enabled bool)
}

// Preferences loads and saves user preferences.
type Preferences interface {
	Load() (config.Preferences, error)
	Save(prefs config.Preferences) error
}

// NotificationStats reports what the notification bridge delivered.
type NotificationStats interface {
	Stats() notify.Stats
}

// Media stores evidence files referenced by MEDIA payloads.
type Media interface {
	Put(r io.Reader) (string, int64, error)
	Open(checksum string) (io.ReadCloser, int64, error)
}

// Deps are the services behind the API. Preferences, Notifications, Media
// and Hub may be nil.
type Deps struct {
	Queue            Queue
	Priority         Priority
	Conflicts        Conflicts
	Scheduler        Scheduler
	Preferences      Preferences
	Notifications    NotificationStats
	Media            Media
	MaxMediaBytes    int64 // upload cap, defaults to DefaultMaxMediaBytes
	Hub              http.Handler
	AllowedOrigins   []string // dashboard origins for CORS; empty disables CORS
	TriggerPerMinute int      // 0 is unlimited
}

// Server handles API requests.
type Server struct {
	deps    Deps
	trigger *rate.Limiter
	log     *logging.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	trigger := rate.NewLimiter(rate.Inf, 0)
	if deps.TriggerPerMinute > 0 {
		trigger = rate.NewLimiter(rate.Every(time.Minute/time.Duration(deps.TriggerPerMinute)), deps.TriggerPerMinute)
	}
	return &Server{deps: deps, trigger: trigger, log: logging.Component("api")}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.listQueue)
			r.Post("/", s.enqueue)
			r.Get("/summary", s.queueSummary)
			r.Get("/{id}", s.getQueueItem)
			r.Delete("/{id}", s.removeQueueItem)
			r.Post("/{id}/retry", s.retryQueueItem)
			r.Put("/{id}/priority", s.overridePriority)
			r.Delete("/{id}/priority", s.clearOverride)
			r.Get("/{id}/overrides", s.listOverrides)
		})

		r.Route("/priority", func(r chi.Router) {
			r.Get("/rules", s.listRules)
			r.Post("/rules", s.createRule)
			r.Put("/rules/{id}", s.updateRule)
			r.Delete("/rules/{id}", s.deleteRule)
			r.Post("/recalculate", s.recalculate)
		})

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", s.listConflicts)
			r.Get("/stats", s.conflictStats)
			r.Get("/{id}", s.getConflict)
			r.Post("/{id}/resolve", s.resolveConflict)
			r.Post("/{id}/notes", s.addConflictNote)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", s.triggerSync)
			r.Get("/status", s.syncStatus)
			r.Put("/online", s.setOnline)
		})

		if s.deps.Media != nil {
			r.Post("/media", s.uploadMedia)
			r.Get("/media/{checksum}", s.downloadMedia)
		}

		r.Get("/preferences", s.getPreferences)
		r.Put("/preferences", s.putPreferences)

		if s.deps.Hub != nil {
			r.Handle("/ws", s.deps.Hub)
		}
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
