package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hay-kot/criterio"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// Persistence is the canonical record service. db.RecordRepository implements it.
type Persistence interface {
	Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.Record, error)
	Put(ctx context.Context, entityType models.EntityType, entityID string, rec *models.Record) error
	Delete(ctx context.Context, entityType models.EntityType, entityID string) error
}

// Store persists conflicts and their audit trails. db.ConflictRepository implements it.
type Store interface {
	Save(ctx context.Context, c *models.Conflict) error
	Get(ctx context.Context, id string) (*models.Conflict, error)
	List(ctx context.Context) ([]*models.Conflict, error)
}

// Queue is the part of the sync queue touched by resolution.
type Queue interface {
	Get(id string) (*models.QueueItem, error)
	Items(filter queue.Filter) []*models.QueueItem
	LockItem(ctx context.Context, id string) (func(), error)
	Rebase(ctx context.Context, id string, record *models.Record) (*models.QueueItem, error)
	Remove(ctx context.Context, id string) error
}

// Alerter is notified of newly registered conflicts.
type Alerter interface {
	ConflictDetected(c *models.Conflict)
}

// Filter selects conflicts. Zero fields match anything.
type Filter struct {
	Severity   models.Severity
	EntityType models.EntityType
	Status     models.ConflictStatus
}

func (f Filter) matches(c *models.Conflict) bool {
	return (f.Severity == "" || c.Severity == f.Severity) &&
		(f.EntityType == "" || c.EntityType == f.EntityType) &&
		(f.Status == "" || c.Status == f.Status)
}

// Stats summarizes conflicts for the coordinator view.
type Stats struct {
	Total        int                         `json:"total"`
	Pending      int                         `json:"pending"`
	Resolved     int                         `json:"resolved"`
	BySeverity   map[models.Severity]int     `json:"by_severity"`
	ByType       map[models.ConflictType]int `json:"by_type"`
	ByEntityType map[models.EntityType]int   `json:"by_entity_type"`
	HealthCount  int                         `json:"health_emergency"`
	Oldest       *time.Time                  `json:"oldest_pending,omitempty"`
}

// ResolveRequest is a coordinator's decision on one conflict.
type ResolveRequest struct {
	ConflictID    string                    `json:"conflict_id"`
	Strategy      models.ResolutionStrategy `json:"strategy"`
	MergedValue   json.RawMessage           `json:"merged_value,omitempty"`
	ResolvedBy    string                    `json:"resolved_by"`
	Justification string                    `json:"justification,omitempty"`
}

// Validate checks the request shape. Strategy support is checked separately
// so unsupported strategies map to their own error code.
func (r ResolveRequest) Validate() error {
	var errs criterio.FieldErrorsBuilder
	if r.ConflictID == "" {
		errs = errs.Append("conflict_id", fmt.Errorf("is required"))
	}
	if strings.TrimSpace(r.ResolvedBy) == "" {
		errs = errs.Append("resolved_by", fmt.Errorf("is required"))
	}
	if !r.Strategy.Known() {
		errs = errs.Append("strategy", fmt.Errorf("unknown strategy %q", r.Strategy))
	}
	if err := errs.ToError(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid resolution", err)
	}
	return nil
}

func hasMergedValue(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v != "" && v != "null"
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock replaces time.Now for audit timestamps.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithAlerter registers the notification hook for new conflicts.
func WithAlerter(a Alerter) ResolverOption {
	return func(r *Resolver) { r.alerts = a }
}

// Resolver tracks conflicts and applies coordinator resolutions.
type Resolver struct {
	mu        sync.RWMutex
	conflicts map[string]*models.Conflict

	// resolving serializes Resolve so two decisions on one conflict cannot
	// both pass the pending check.
	resolving sync.Mutex

	store       Store
	persistence Persistence
	queue       Queue
	alerts      Alerter
	now         func() time.Time
	log         *logging.Logger
}

// NewResolver creates a Resolver. A nil store keeps conflicts in memory only.
func NewResolver(store Store, persistence Persistence, q Queue, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		conflicts:   make(map[string]*models.Conflict),
		store:       store,
		persistence: persistence,
		queue:       q,
		now:         time.Now,
		log:         logging.Component("conflict"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAlerter registers the notification hook after construction.
func (r *Resolver) SetAlerter(a Alerter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = a
}

// Register stores a newly detected conflict and raises its alert.
func (r *Resolver) Register(ctx context.Context, c *models.Conflict) error {
	if c == nil || c.ID == "" {
		return apperrors.New(apperrors.ErrValidation, "conflict id is required")
	}
	next := c.Clone()
	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "persist conflict", err)
		}
	}

	r.mu.Lock()
	r.conflicts[next.ID] = next
	alerts := r.alerts
	r.mu.Unlock()

	r.log.Warn("Conflict detected", map[string]interface{}{
		"conflict_id": next.ID,
		"item_id":     next.QueueItemID,
		"entity":      string(next.EntityType) + "/" + next.EntityID,
		"type":        string(next.ConflictType),
		"severity":    string(next.Severity),
		"fields":      next.ConflictFields,
	})
	if alerts != nil {
		alerts.ConflictDetected(next.Clone())
	}
	return nil
}

// Get returns a copy of one conflict.
func (r *Resolver) Get(ctx context.Context, id string) (*models.Conflict, error) {
	r.mu.RLock()
	c, ok := r.conflicts[id]
	r.mu.RUnlock()
	if ok {
		return c.Clone(), nil
	}
	if r.store == nil {
		return nil, apperrors.NotFound("conflict", id)
	}

	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.conflicts[id] = c
	r.mu.Unlock()
	return c.Clone(), nil
}

// Resolve applies a SERVER_WINS or LOCAL_WINS decision and returns the
// conflict id. The chosen version is written through Persistence first; if
// that fails nothing changes and the conflict stays PENDING.
//
// SERVER_WINS drops the queued mutation. LOCAL_WINS rebases it onto the
// server version and releases it for upload.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !req.Strategy.Supported() {
		return "", apperrors.Newf(apperrors.ErrUnsupportedStrategy, "strategy %s is not available", req.Strategy)
	}
	if hasMergedValue(req.MergedValue) {
		return "", apperrors.New(apperrors.ErrUnsupportedStrategy, "merged values are not accepted")
	}

	r.resolving.Lock()
	defer r.resolving.Unlock()

	c, err := r.Get(ctx, req.ConflictID)
	if err != nil {
		return "", err
	}
	if c.Resolved() {
		return "", apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s is already resolved", c.ID)
	}

	unlock, err := r.queue.LockItem(ctx, c.QueueItemID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "wait for queue item", err)
	}
	defer unlock()

	chosen := chosenVersion(c, req.Strategy)

	previous, err := r.persistence.Get(ctx, c.EntityType, c.EntityID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return "", apperrors.Wrap(apperrors.ErrPersistence, "read canonical record", err)
	}
	if err := r.persistence.Put(ctx, c.EntityType, c.EntityID, chosen); err != nil {
		r.log.ErrorWithCode("Resolution write failed", string(apperrors.ErrPersistence), err,
			map[string]interface{}{"conflict_id": c.ID})
		return "", apperrors.Wrap(apperrors.ErrPersistence, "write resolved record", err)
	}

	now := r.now()
	next := c.Clone()
	next.Status = models.ConflictResolved
	next.Resolution = &models.Resolution{
		Strategy:      req.Strategy,
		ResolvedBy:    req.ResolvedBy,
		ResolvedAt:    now,
		Justification: strings.TrimSpace(req.Justification),
	}
	next.AuditTrail = append(next.AuditTrail, models.AuditEntry{
		Timestamp:   now,
		Action:      models.AuditResolvedAction(req.Strategy),
		PerformedBy: req.ResolvedBy,
		Details:     next.Resolution.Justification,
	})

	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			r.restore(ctx, c, previous)
			return "", apperrors.Wrap(apperrors.ErrPersistence, "persist resolved conflict", err)
		}
	}

	r.mu.Lock()
	r.conflicts[next.ID] = next
	r.mu.Unlock()

	r.log.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": next.ID, "strategy": string(req.Strategy), "by": req.ResolvedBy,
	})

	// The resolution is durable at this point. An item left blocked by a
	// failed release is picked up by the next Refresh.
	_ = r.release(ctx, next)
	return next.ID, nil
}

// chosenVersion is the record written as canonical. A local win keeps the
// local body at the server's version so the next upload applies on top of it.
func chosenVersion(c *models.Conflict, s models.ResolutionStrategy) *models.Record {
	server := c.ServerVersion.Clone()
	if server == nil {
		server = &models.Record{EntityType: c.EntityType, EntityID: c.EntityID, Deleted: true}
	}
	if s == models.StrategyServerWins {
		return server
	}
	local := c.LocalVersion.Clone()
	if local == nil {
		local = &models.Record{EntityType: c.EntityType, EntityID: c.EntityID}
	}
	local.Version = server.Version
	return local
}

// restore puts back the canonical record replaced by a failed resolution. A
// nil previous means there was no record, so the written one is deleted.
func (r *Resolver) restore(ctx context.Context, c *models.Conflict, previous *models.Record) {
	var err error
	if previous == nil {
		err = r.persistence.Delete(ctx, c.EntityType, c.EntityID)
	} else {
		err = r.persistence.Put(ctx, c.EntityType, c.EntityID, previous)
	}
	if err != nil {
		r.log.Error("Failed to restore canonical record", err, map[string]interface{}{"conflict_id": c.ID})
	}
}

// release applies a resolved conflict to its queue item. The caller holds
// the item lock.
func (r *Resolver) release(ctx context.Context, c *models.Conflict) error {
	item, err := r.queue.Get(c.QueueItemID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.BlockedBy != c.ID {
		return nil
	}

	if c.Resolution.Strategy == models.StrategyServerWins {
		err = r.queue.Remove(ctx, item.ID)
	} else {
		_, err = r.queue.Rebase(ctx, item.ID, chosenVersion(c, c.Resolution.Strategy))
	}
	if err != nil {
		r.log.Error("Failed to release queue item", err, map[string]interface{}{"item_id": item.ID, "conflict_id": c.ID})
	}
	return err
}

// AddNote appends an amendment to the audit trail. Notes are allowed after
// resolution; nothing else on a resolved conflict changes.
func (r *Resolver) AddNote(ctx context.Context, id, actor, details string) (*models.Conflict, error) {
	var errs criterio.FieldErrorsBuilder
	if strings.TrimSpace(actor) == "" {
		errs = errs.Append("performed_by", fmt.Errorf("is required"))
	}
	if strings.TrimSpace(details) == "" {
		errs = errs.Append("details", fmt.Errorf("is required"))
	}
	if err := errs.ToError(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid note", err)
	}

	r.resolving.Lock()
	defer r.resolving.Unlock()

	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.AuditTrail = append(c.AuditTrail, models.AuditEntry{
		Timestamp:   r.now(),
		Action:      models.AuditNote,
		PerformedBy: actor,
		Details:     strings.TrimSpace(details),
	})
	if r.store != nil {
		if err := r.store.Save(ctx, c); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "persist conflict note", err)
		}
	}

	r.mu.Lock()
	r.conflicts[id] = c
	r.mu.Unlock()
	return c.Clone(), nil
}

// List returns matching conflicts, newest first.
func (r *Resolver) List(filter Filter) []*models.Conflict {
	out := r.collect(filter)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns matching unresolved conflicts, most severe first and,
// within a severity, oldest first.
func (r *Resolver) Pending(filter Filter) []*models.Conflict {
	filter.Status = models.ConflictPending
	out := r.collect(filter)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (r *Resolver) collect(filter Filter) []*models.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		if filter.matches(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Stats counts matching conflicts. Severity and type breakdowns cover
// pending conflicts only.
func (r *Resolver) Stats(filter Filter) Stats {
	s := Stats{
		BySeverity:   make(map[models.Severity]int),
		ByType:       make(map[models.ConflictType]int),
		ByEntityType: make(map[models.EntityType]int),
	}
	for _, c := range r.collect(filter) {
		s.Total++
		if c.Resolved() {
			s.Resolved++
			continue
		}
		s.Pending++
		s.BySeverity[c.Severity]++
		s.ByType[c.ConflictType]++
		s.ByEntityType[c.EntityType]++
		if c.HealthEmergency {
			s.HealthCount++
		}
		if s.Oldest == nil || c.DetectedAt.Before(*s.Oldest) {
			at := c.DetectedAt
			s.Oldest = &at
		}
	}
	return s
}

// Refresh reloads conflicts from the store so conflicts recorded by other
// sessions show up, and releases queue items still blocked by a conflict
// that is already resolved.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.store != nil {
		if err := r.reload(ctx); err != nil {
			return err
		}
	}

	blocked := true
	for _, item := range r.queue.Items(queue.Filter{Blocked: &blocked}) {
		r.mu.RLock()
		c, ok := r.conflicts[item.BlockedBy]
		r.mu.RUnlock()
		if !ok || !c.Resolved() {
			continue
		}
		unlock, err := r.queue.LockItem(ctx, item.ID)
		if err != nil {
			return err
		}
		err = r.release(ctx, c.Clone())
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// reload merges the stored conflicts into memory. It holds the resolve lock
// so a snapshot taken before a resolution cannot replace it, and a resolved
// conflict is never set back to pending.
func (r *Resolver) reload(ctx context.Context) error {
	r.resolving.Lock()
	defer r.resolving.Unlock()

	all, err := r.store.List(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "refresh conflicts", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range all {
		if cur, ok := r.conflicts[c.ID]; ok && cur.Resolved() && !c.Resolved() {
			continue
		}
		r.conflicts[c.ID] = c
	}
	return nil
}
