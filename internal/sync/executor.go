package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncResult represents the result of one sync pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Uploaded  int           `json:"uploaded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Skipped   int           `json:"skipped"` // already in flight or changed since the snapshot
	Error     string        `json:"error,omitempty"`
}

// ExecutorStatus is a snapshot of the executor's state.
type ExecutorStatus struct {
	Status     SyncStatus  `json:"status"`
	Running    int         `json:"running"`
	LastSync   *time.Time  `json:"last_sync,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}

// Queue is the part of the sync queue the executor drives.
type Queue interface {
	Items(filter queue.Filter) []*models.QueueItem
	Get(id string) (*models.QueueItem, error)
	TryLockItem(id string) (func(), bool)
	Complete(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) (*models.QueueItem, error)
	MarkFailed(ctx context.Context, id string, cause error) (*models.QueueItem, error)
	Block(ctx context.Context, id, conflictID string) (*models.QueueItem, error)
}

// Detector turns a rejected upload into a conflict.
type Detector interface {
	Detect(item *models.QueueItem, server *models.Record, actor string) *models.Conflict
}

// ConflictSink records detected conflicts.
type ConflictSink interface {
	Register(ctx context.Context, c *models.Conflict) error
}

// RecordWriter stores the canonical record returned by a successful upload.
type RecordWriter interface {
	Put(ctx context.Context, entityType models.EntityType, entityID string, rec *models.Record) error
}

// Flusher delivers notifications batched during a pass.
type Flusher interface {
	Flush()
}

// Config controls an Executor.
type Config struct {
	Workers        int           // parallel uploads across different items, default 1
	UploadTimeout  time.Duration // per upload, default 15s
	MaxAutoRetries int           // stop retrying failed items after this many attempts; 0 means never
	KeepSynced     bool          // keep uploaded items flagged SYNCED instead of removing them
	Actor          string        // recorded as DetectedBy on conflicts
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{Workers: 1, UploadTimeout: 15 * time.Second}
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecords stores accepted server records locally.
func WithRecords(w RecordWriter) Option {
	return func(e *Executor) { e.records = w }
}

// WithFlusher flushes batched notifications at the end of each pass.
func WithFlusher(f Flusher) Option {
	return func(e *Executor) { e.flusher = f }
}

// Executor drains the sync queue. Any number of passes may run at once;
// each item is uploaded by at most one of them at a time.
type Executor struct {
	queue     Queue
	remote    RemoteAPI
	detector  Detector
	conflicts ConflictSink
	records   RecordWriter
	flusher   Flusher
	cfg       Config

	mu         sync.Mutex
	running    int
	lastSync   *time.Time
	lastErr    error
	lastResult *SyncResult

	bg  sync.WaitGroup
	log *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(q Queue, remote RemoteAPI, detector Detector, conflicts ConflictSink, cfg Config, opts ...Option) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultConfig().UploadTimeout
	}
	e := &Executor{
		queue:     q,
		remote:    remote,
		detector:  detector,
		conflicts: conflicts,
		cfg:       cfg,
		log:       logging.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// eligible reports whether an item may be attempted automatically. The retry
// cap only holds back FAILED items; a manual retry clears the error and earns
// one more attempt.
func (e *Executor) eligible(item *models.QueueItem) bool {
	if item.Blocked() || item.Synced {
		return false
	}
	if e.cfg.MaxAutoRetries <= 0 || item.Error == "" {
		return true
	}
	return item.RetryCount < e.cfg.MaxAutoRetries
}

// RunPass uploads every eligible item once, highest priority first.
func (e *Executor) RunPass(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	e.running++
	e.mu.Unlock()

	result := &SyncResult{StartTime: time.Now()}
	var resMu sync.Mutex
	count := func(fn func(r *SyncResult)) {
		resMu.Lock()
		fn(result)
		resMu.Unlock()
	}

	notBlocked := false
	var work []*models.QueueItem
	for _, item := range e.queue.Items(queue.Filter{Blocked: &notBlocked}) {
		if e.eligible(item) {
			work = append(work, item)
		}
	}

	jobs := make(chan *models.QueueItem)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				e.attempt(ctx, item.ID, count)
			}
		}()
	}

	var passErr error
feed:
	for _, item := range work {
		if passErr = ctx.Err(); passErr != nil {
			break
		}
		select {
		case <-ctx.Done():
			passErr = ctx.Err()
			break feed
		case jobs <- item:
		}
	}
	close(jobs)
	wg.Wait()

	if e.flusher != nil {
		e.flusher.Flush()
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if passErr != nil {
		result.Error = passErr.Error()
	}

	e.mu.Lock()
	e.running--
	e.lastResult = result
	e.lastErr = passErr
	if passErr == nil {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	e.log.Info("Sync pass finished", map[string]interface{}{
		"attempted": result.Attempted,
		"uploaded":  result.Uploaded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
		"duration":  result.Duration.String(),
	})
	return result, passErr
}

// attempt uploads one item if no other writer holds it.
func (e *Executor) attempt(ctx context.Context, id string, count func(func(*SyncResult))) {
	unlock, ok := e.queue.TryLockItem(id)
	if !ok {
		count(func(r *SyncResult) { r.Skipped++ })
		return
	}
	defer unlock()

	// Re-read under the lock: a resolution or removal may have landed since
	// the snapshot.
	item, err := e.queue.Get(id)
	if err != nil || !e.eligible(item) {
		count(func(r *SyncResult) { r.Skipped++ })
		return
	}
	count(func(r *SyncResult) { r.Attempted++ })

	upCtx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
	record, err := e.remote.Upload(upCtx, item)
	cancel()

	var conflict *ConflictError
	switch {
	case err == nil:
		if e.succeed(ctx, item, record) {
			count(func(r *SyncResult) { r.Uploaded++ })
		} else {
			count(func(r *SyncResult) { r.Failed++ })
		}
	case errors.As(err, &conflict):
		if e.divert(ctx, item, conflict.Server) {
			count(func(r *SyncResult) { r.Conflicts++ })
		} else {
			count(func(r *SyncResult) { r.Failed++ })
		}
	default:
		e.fail(ctx, item, classify(err))
		count(func(r *SyncResult) { r.Failed++ })
	}
}

// classify maps upload errors to sync error codes. A timeout is a transport
// failure like any other; it only gets its own code.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "upload timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, "upload failed", err)
}

func (e *Executor) succeed(ctx context.Context, item *models.QueueItem, record *models.Record) bool {
	if e.records != nil && record != nil {
		if err := e.records.Put(ctx, item.Type, record.EntityID, record); err != nil {
			e.log.Error("Failed to store canonical record", err, map[string]interface{}{"item_id": item.ID})
		}
	}

	var err error
	if e.cfg.KeepSynced {
		_, err = e.queue.MarkSynced(ctx, item.ID)
	} else {
		err = e.queue.Complete(ctx, item.ID)
	}
	if err != nil {
		e.log.Error("Failed to record upload", err, map[string]interface{}{"item_id": item.ID})
		return false
	}
	e.log.Debug("Uploaded item", map[string]interface{}{"item_id": item.ID, "retries": item.RetryCount})
	return true
}

// divert registers a conflict and blocks the item until it is resolved.
func (e *Executor) divert(ctx context.Context, item *models.QueueItem, server *models.Record) bool {
	c := e.detector.Detect(item, server, e.cfg.Actor)
	if err := e.conflicts.Register(ctx, c); err != nil {
		e.fail(ctx, item, apperrors.Wrap(apperrors.ErrSyncConflict, "record conflict", err))
		return false
	}
	if _, err := e.queue.Block(ctx, item.ID, c.ID); err != nil {
		e.log.Error("Failed to block conflicted item", err, map[string]interface{}{"item_id": item.ID, "conflict_id": c.ID})
		return false
	}
	return true
}

func (e *Executor) fail(ctx context.Context, item *models.QueueItem, cause error) {
	if _, err := e.queue.MarkFailed(ctx, item.ID, cause); err != nil {
		e.log.Error("Failed to record upload failure", err, map[string]interface{}{"item_id": item.ID})
	}
}

// Trigger starts a pass in the background. The pass outlives ctx's
// cancellation so an HTTP request can trigger it and return.
func (e *Executor) Trigger(ctx context.Context) {
	passCtx := context.WithoutCancel(ctx)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.RunPass(passCtx); err != nil {
			e.log.Warn("Triggered sync pass ended early", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Wait blocks until every triggered pass has finished.
func (e *Executor) Wait() {
	e.bg.Wait()
}

// Status returns the executor's current state.
func (e *Executor) Status() ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ExecutorStatus{Status: SyncStatusIdle, Running: e.running, LastSync: e.lastSync, LastResult: e.lastResult}
	switch {
	case e.running > 0:
		s.Status = SyncStatusSyncing
	case e.lastErr != nil:
		s.Status = SyncStatusFailed
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
