// Package queue provides the offline sync queue: a write-through, in-memory
// index of pending mutations backed by durable storage.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hay-kot/criterio"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/uuid"
)

// Store persists queue items. db.QueueRepository implements it.
type Store interface {
	Save(ctx context.Context, item *models.QueueItem) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*models.QueueItem, error)
}

// Scorer computes the priority score of a new item.
type Scorer interface {
	ScoreItem(item *models.QueueItem) float64
}

// ChangeKind identifies a queue mutation.
type ChangeKind string

const (
	ChangeEnqueued  ChangeKind = "ENQUEUED"
	ChangeFailed    ChangeKind = "FAILED"
	ChangeRetried   ChangeKind = "RETRIED"
	ChangeCompleted ChangeKind = "COMPLETED" // uploaded and removed
	ChangeSynced    ChangeKind = "SYNCED"    // uploaded and kept
	ChangeRemoved   ChangeKind = "REMOVED"
	ChangeBlocked   ChangeKind = "BLOCKED"
	ChangeRebased   ChangeKind = "REBASED"
	ChangeScored    ChangeKind = "SCORED"
)

// Change describes one queue mutation. Item is the state after the change
// (the removed item for removals); Previous is the state before, nil on enqueue.
type Change struct {
	Kind     ChangeKind
	Item     *models.QueueItem
	Previous *models.QueueItem
}

// Filter selects queue items. Zero fields match anything.
type Filter struct {
	Status   models.QueueStatus
	Priority models.Priority
	Type     models.EntityType
	MinScore *float64
	MaxScore *float64
	Blocked  *bool
}

func (f Filter) matches(item *models.QueueItem) bool {
	switch {
	case f.Status != "" && item.Status() != f.Status:
		return false
	case f.Priority != "" && item.Priority != f.Priority:
		return false
	case f.Type != "" && item.Type != f.Type:
		return false
	case f.MinScore != nil && item.PriorityScore < *f.MinScore:
		return false
	case f.MaxScore != nil && item.PriorityScore > *f.MaxScore:
		return false
	case f.Blocked != nil && item.Blocked() != *f.Blocked:
		return false
	}
	return true
}

// Summary is a point-in-time count of the queue.
type Summary struct {
	Total           int               `json:"total"`
	Pending         int               `json:"pending"`
	Syncing         int               `json:"syncing"`
	Failed          int               `json:"failed"`
	Synced          int               `json:"synced"`
	Blocked         int               `json:"blocked"`
	HighPriority    int               `json:"high_priority"`
	HealthEmergency int               `json:"health_emergency"`
	OldestPending   *models.QueueItem `json:"oldest_pending,omitempty"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize caps the number of queued items. 0 means unlimited.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue manages pending sync mutations. All methods are safe for concurrent use
// and return copies; callers never hold references into the queue.
type Queue struct {
	mu          sync.RWMutex
	items       map[string]*models.QueueItem
	store       Store
	scorer      Scorer
	maxSize     int
	lastUpdated time.Time
	now         func() time.Time

	subMu       sync.RWMutex
	subscribers []func(Change)

	lockMu   sync.Mutex
	inflight map[string]chan struct{}

	log *logging.Logger
}

// New creates a Queue. A nil store gives a memory-only queue.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		items:    make(map[string]*models.QueueItem),
		store:    store,
		now:      time.Now,
		inflight: make(map[string]chan struct{}),
		log:      logging.Component("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetScorer registers the scorer used by Enqueue.
func (q *Queue) SetScorer(s Scorer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scorer = s
}

// Subscribe registers fn to be called after every mutation. Callbacks run on
// the mutating goroutine after the queue lock is released.
func (q *Queue) Subscribe(fn func(Change)) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	q.subscribers = append(q.subscribers, fn)
}

func (q *Queue) publish(changes ...Change) {
	q.subMu.RLock()
	subs := make([]func(Change), len(q.subscribers))
	copy(subs, q.subscribers)
	q.subMu.RUnlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// Load replaces the in-memory index with the store's contents.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	items, err := q.store.LoadAll(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load sync queue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*models.QueueItem, len(items))
	for _, item := range items {
		q.items[item.ID] = item
	}
	q.lastUpdated = q.now()
	q.log.Info("Loaded sync queue", map[string]interface{}{"items": len(items)})
	return nil
}

// Validate checks a new item before it is queued.
func Validate(item *models.QueueItem) error {
	var errs criterio.FieldErrorsBuilder
	if !item.Type.Valid() {
		errs = errs.Append("type", fmt.Errorf("unknown entity type %q", item.Type))
	}
	if !item.Action.Valid() {
		errs = errs.Append("action", fmt.Errorf("unknown action %q", item.Action))
	}
	if item.Action != models.ActionCreate && item.EntityID == "" {
		errs = errs.Append("entity_id", fmt.Errorf("required for %s", item.Action))
	}
	if item.Priority != "" && !item.Priority.Valid() {
		errs = errs.Append("priority", fmt.Errorf("unknown priority %q", item.Priority))
	}
	if err := item.Payload.Validate(); err != nil {
		errs = errs.Append("payload", err)
	} else if item.Payload.Type != item.Type {
		errs = errs.Append("payload", fmt.Errorf("payload type %s does not match item type %s", item.Payload.Type, item.Type))
	}
	if item.BaseVersion < 0 {
		errs = errs.Append("base_version", fmt.Errorf("must not be negative"))
	}
	if err := errs.ToError(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid queue item", err)
	}
	return nil
}

// Enqueue validates, scores and stores a new mutation. It never touches the
// network.
func (q *Queue) Enqueue(ctx context.Context, item *models.QueueItem) (*models.QueueItem, error) {
	if item == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "queue item is required")
	}
	if err := Validate(item); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.maxSize)
	}

	now := q.now()
	next := item.Clone()
	if next.ID == "" {
		next.ID = uuid.New()
	} else if _, exists := q.items[next.ID]; exists {
		q.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrValidation, "queue item %s already exists", next.ID)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	if next.Priority == "" {
		next.Priority = models.PriorityNormal
	}
	next.HealthEmergency = next.HealthEmergency || next.Payload.HealthEmergency()
	next.RetryCount = 0
	next.Error = ""
	next.BlockedBy = ""
	next.Synced = false
	if q.scorer != nil {
		next.PriorityScore = q.scorer.ScoreItem(next)
	}

	if err := q.save(ctx, next); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.items[next.ID] = next
	q.lastUpdated = now
	out := next.Clone()
	q.mu.Unlock()

	q.log.Info("Enqueued mutation", map[string]interface{}{
		"id": out.ID, "type": out.Type, "action": out.Action, "score": out.PriorityScore,
	})
	q.publish(Change{Kind: ChangeEnqueued, Item: out.Clone()})
	return out, nil
}

func (q *Queue) save(ctx context.Context, item *models.QueueItem) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.Save(ctx, item); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "persist queue item", err)
	}
	return nil
}

// Items returns copies of the matching items, highest score first and, for
// equal scores, newest first.
func (q *Queue) Items(filter Filter) []*models.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if filter.matches(item) {
			out = append(out, item.Clone())
		}
	}
	SortItems(out)
	return out
}

// SortItems orders items by score descending, then CreatedAt descending. The
// ID breaks remaining ties so the order is total.
func SortItems(items []*models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Get returns a copy of one item.
func (q *Queue) Get(id string) (*models.QueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, apperrors.NotFound("queue item", id)
	}
	return item.Clone(), nil
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// LastUpdated returns the time of the last mutation.
func (q *Queue) LastUpdated() time.Time {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastUpdated
}

// update applies fn to a working copy of item id, persists it and commits it.
func (q *Queue) update(ctx context.Context, id string, kind ChangeKind, fn func(item *models.QueueItem) error) (*models.QueueItem, error) {
	q.mu.Lock()
	cur, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, apperrors.NotFound("queue item", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	now := q.now()
	next.UpdatedAt = now
	if err := q.save(ctx, next); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.items[id] = next
	q.lastUpdated = now
	change := Change{Kind: kind, Item: next.Clone(), Previous: cur.Clone()}
	q.mu.Unlock()

	q.publish(change)
	return change.Item.Clone(), nil
}

// Retry clears the item's error and counts the manual retry.
func (q *Queue) Retry(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := q.update(ctx, id, ChangeRetried, func(item *models.QueueItem) error {
		item.Error = ""
		item.RetryCount++
		return nil
	})
	if err == nil {
		q.log.Info("Retry requested", map[string]interface{}{"id": id, "retry_count": item.RetryCount})
	}
	return item, err
}

// MarkFailed records a failed upload attempt.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*models.QueueItem, error) {
	msg := "sync failed"
	if cause != nil {
		msg = cause.Error()
	}
	item, err := q.update(ctx, id, ChangeFailed, func(item *models.QueueItem) error {
		item.Error = msg
		item.RetryCount++
		return nil
	})
	if err == nil {
		q.log.Warn("Upload failed", map[string]interface{}{"id": id, "retry_count": item.RetryCount, "error": msg})
	}
	return item, err
}

// MarkSynced flags the item as uploaded while keeping it in the queue.
func (q *Queue) MarkSynced(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.update(ctx, id, ChangeSynced, func(item *models.QueueItem) error {
		item.Error = ""
		item.Synced = true
		return nil
	})
}

// Block holds the item back from automatic sync until conflictID is resolved.
func (q *Queue) Block(ctx context.Context, id, conflictID string) (*models.QueueItem, error) {
	return q.update(ctx, id, ChangeBlocked, func(item *models.QueueItem) error {
		item.BlockedBy = conflictID
		item.Error = ""
		return nil
	})
}

// Rebase replaces the item's mutation with a resolved record and releases the
// conflict block. The next upload is made against record's version.
func (q *Queue) Rebase(ctx context.Context, id string, record *models.Record) (*models.QueueItem, error) {
	if record == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "rebase record is required")
	}
	return q.update(ctx, id, ChangeRebased, func(item *models.QueueItem) error {
		if !record.Payload.IsZero() {
			item.Payload = record.Payload.Clone()
		}
		switch {
		case record.Deleted:
			item.Action = models.ActionDelete
		case item.Action == models.ActionDelete:
			item.Action = models.ActionUpdate
		}
		item.BaseVersion = record.Version
		item.BlockedBy = ""
		item.Error = ""
		item.Synced = false
		return nil
	})
}

// SetScore updates only the item's priority score.
func (q *Queue) SetScore(ctx context.Context, id string, score float64) (*models.QueueItem, error) {
	return q.update(ctx, id, ChangeScored, func(item *models.QueueItem) error {
		item.PriorityScore = score
		return nil
	})
}

// Remove deletes an item. Removing a missing item is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.remove(ctx, id, ChangeRemoved)
}

// Complete removes an item after a successful upload.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.remove(ctx, id, ChangeCompleted)
}

func (q *Queue) remove(ctx context.Context, id string, kind ChangeKind) error {
	q.mu.Lock()
	cur, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if q.store != nil {
		if err := q.store.Delete(ctx, id); err != nil {
			q.mu.Unlock()
			return apperrors.Wrap(apperrors.ErrDatabase, "delete queue item", err)
		}
	}
	delete(q.items, id)
	q.lastUpdated = q.now()
	q.mu.Unlock()

	q.log.Debug("Removed queue item", map[string]interface{}{"id": id, "reason": string(kind)})
	q.publish(Change{Kind: kind, Item: cur.Clone(), Previous: cur.Clone()})
	return nil
}

// Summary scans the queue and returns fresh counts.
func (q *Queue) Summary() Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Summary
	var oldest *models.QueueItem
	for _, item := range q.items {
		s.Total++
		switch item.Status() {
		case models.StatusPending:
			s.Pending++
			if oldest == nil || item.CreatedAt.Before(oldest.CreatedAt) {
				oldest = item
			}
		case models.StatusSyncing:
			s.Syncing++
		case models.StatusFailed:
			s.Failed++
		case models.StatusSynced:
			s.Synced++
		}
		if item.Blocked() {
			s.Blocked++
		}
		if item.Priority == models.PriorityHigh {
			s.HighPriority++
		}
		if item.HealthEmergency {
			s.HealthEmergency++
		}
	}
	if oldest != nil {
		s.OldestPending = oldest.Clone()
	}
	return s
}
