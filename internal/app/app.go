// Package app assembles the sync engine from configuration: storage, queue,
// priority rules, conflict handling, notifications, scheduler and the local
// HTTP API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/kimhsiao/reliefsync/backend/internal/api"
	"github.com/kimhsiao/reliefsync/backend/internal/config"
	"github.com/kimhsiao/reliefsync/backend/internal/db"
	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/notify"
	syncengine "github.com/kimhsiao/reliefsync/backend/internal/sync"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/priority"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/storage"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/transport"
)

// App owns every long-lived component.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Queue       *queue.Queue
	Priority    *priority.Engine
	Detector    *conflict.Detector
	Resolver    *conflict.Resolver
	Bridge      *notify.Bridge
	Hub         *notify.Hub
	Media       *storage.BlobStore
	Executor    *syncengine.Executor
	Scheduler   *scheduler.Scheduler
	Preferences *config.PreferencesStore

	offline bool
	log     *logging.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	remote syncengine.RemoteAPI
	sinks  []notify.Sink
}

// WithRemote replaces the HTTP transport built from the server config.
func WithRemote(r syncengine.RemoteAPI) Option {
	return func(o *options) { o.remote = r }
}

// WithSink adds a notification sink next to the log and websocket sinks.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// unconfigured stands in for the server when no url is configured.
type unconfigured struct{}

func (unconfigured) Upload(context.Context, *models.QueueItem) (*models.Record, error) {
	return nil, apperrors.New(apperrors.ErrSyncFailed, "no server url configured")
}

// New opens storage, restores persisted state and wires the components. It
// does not start background work; call Start for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	sensitive, err := sensitiveFields(cfg.Conflicts.SensitiveFields)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenPath(cfg.DBPath())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate database", err)
	}

	a := &App{
		Config:      cfg,
		DB:          database,
		Preferences: config.NewPreferencesStore(cfg.DataDir),
		Media:       storage.NewBlobStore(filepath.Join(cfg.DataDir, "media")),
		log:         logging.Component("app"),
	}
	if err := a.wire(ctx, o, sensitive); err != nil {
		_ = database.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o *options, sensitive map[models.EntityType][]string) error {
	cfg := a.Config
	records := db.NewRecordRepository(a.DB.DB)

	a.Queue = queue.New(db.NewQueueRepository(a.DB.DB), queue.WithMaxSize(cfg.Queue.MaxSize))
	a.Priority = priority.New(a.Queue, db.NewRuleRepository(a.DB.DB), priority.WithBaseScores(priority.BaseScores{
		models.PriorityHigh:   cfg.Priority.HighBase,
		models.PriorityNormal: cfg.Priority.NormalBase,
		models.PriorityLow:    cfg.Priority.LowBase,
	}))
	a.Queue.SetScorer(a.Priority)

	if err := a.Priority.Load(ctx); err != nil {
		return err
	}
	if err := a.Queue.Load(ctx); err != nil {
		return err
	}
	if _, err := a.Priority.RecalculateAll(ctx); err != nil {
		return err
	}

	a.Hub = notify.NewHub(cfg.HTTP.AllowedOrigins...)
	sinks := append(notify.MultiSink{notify.NewLogSink(), a.Hub}, o.sinks...)
	a.Bridge = notify.NewBridge(sinks, notify.Config{
		MaxPerMinute:      cfg.Notify.MaxPerMinute,
		BatchWindow:       cfg.Notify.BatchWindow,
		DefaultDuration:   cfg.Notify.DefaultDuration,
		EmergencyDuration: cfg.Notify.EmergencyDuration,
		RetrySuccess:      cfg.Notify.RetrySuccess,
	})

	a.Detector = conflict.NewDetector(conflict.WithSensitiveFields(sensitive))
	a.Resolver = conflict.NewResolver(db.NewConflictRepository(a.DB.DB), records, a.Queue,
		conflict.WithAlerter(a.Bridge))
	if err := a.Resolver.Refresh(ctx); err != nil {
		return err
	}

	a.Queue.Subscribe(a.Bridge.OnQueueChange)
	a.Queue.Subscribe(func(ch queue.Change) {
		if ch.Kind == queue.ChangeCompleted || ch.Kind == queue.ChangeRemoved {
			a.Priority.Forget(ch.Item.ID)
		}
	})

	remote, err := a.remote(o)
	if err != nil {
		return err
	}
	a.Executor = syncengine.NewExecutor(a.Queue, remote, a.Detector, a.Resolver, syncengine.Config{
		Workers:        cfg.Sync.Workers,
		UploadTimeout:  cfg.Sync.UploadTimeout,
		MaxAutoRetries: cfg.Sync.MaxAutoRetries,
		KeepSynced:     cfg.Sync.KeepSynced,
		Actor:          cfg.Sync.DeviceID,
	}, syncengine.WithRecords(records), syncengine.WithFlusher(a.Bridge))

	a.Scheduler = scheduler.NewScheduler(a.Executor, a.Resolver, a.Queue, &scheduler.SchedulerConfig{
		SyncInterval:     cfg.Sync.Interval,
		ConflictInterval: cfg.Sync.ConflictInterval,
		PassTimeout:      cfg.Sync.PassTimeout,
	})
	a.Scheduler.SetConnectivityObserver(a.Bridge)

	prefs, err := a.Preferences.Load()
	if err != nil {
		a.log.Warn("Ignoring unreadable preferences", map[string]interface{}{"error": err.Error()})
	}
	a.Scheduler.SetAutoRefresh(prefs.AutoRefresh)
	return nil
}

func (a *App) remote(o *options) (syncengine.RemoteAPI, error) {
	if o.remote != nil {
		return o.remote, nil
	}
	if a.Config.Server.URL == "" {
		a.offline = true
		return unconfigured{}, nil
	}
	return transport.New(a.Config.Server.URL,
		transport.WithHTTPClient(&http.Client{Timeout: a.Config.Server.Timeout}),
		transport.WithToken(a.Config.Server.Token),
		transport.WithBlobs(a.Media))
}

// sensitiveFields overlays configured fields onto the defaults per entity type.
func sensitiveFields(configured map[string][]string) (map[models.EntityType][]string, error) {
	out := conflict.DefaultSensitiveFields()
	for raw, fields := range configured {
		t, err := models.ParseEntityType(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "conflicts.sensitive_fields", err)
		}
		out[t] = fields
	}
	return out, nil
}

// Handler returns the local HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Queue:            a.Queue,
		Priority:         a.Priority,
		Conflicts:        a.Resolver,
		Scheduler:        a.Scheduler,
		Preferences:      a.Preferences,
		Notifications:    a.Bridge,
		Media:            a.Media,
		AllowedOrigins:   a.Config.HTTP.AllowedOrigins,
		Hub:              a.Hub,
		TriggerPerMinute: a.Config.HTTP.TriggerPerMinute,
	}).Routes()
}

// Start begins periodic sync and conflict refresh. Without a server url the
// engine starts offline and only queues.
func (a *App) Start(ctx context.Context) {
	if a.offline {
		a.Scheduler.SetOnlineStatus(ctx, false)
	}
	a.Scheduler.Start(ctx)
	a.log.Info("Sync engine started", map[string]interface{}{
		"device": a.Config.Sync.DeviceID, "online": a.Scheduler.IsOnline(),
	})
}

// Close stops background work, flushes pending notifications and closes the
// database.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Executor.Wait()
	a.Bridge.Flush()
	a.Hub.Close()

	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
