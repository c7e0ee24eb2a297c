package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/reliefsync/backend/internal/db"
	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// memPersistence is a canonical record service that can be told to fail.
type memPersistence struct {
	mu      sync.Mutex
	records map[string]*models.Record
	putErr  error
	puts    int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{records: make(map[string]*models.Record)}
}

func (p *memPersistence) Get(_ context.Context, t models.EntityType, id string) (*models.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[string(t)+"/"+id]
	if !ok {
		return nil, apperrors.NotFound("record", id)
	}
	return rec.Clone(), nil
}

func (p *memPersistence) Put(_ context.Context, t models.EntityType, id string, rec *models.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.putErr != nil {
		return p.putErr
	}
	p.puts++
	p.records[string(t)+"/"+id] = rec.Clone()
	return nil
}

func (p *memPersistence) Delete(_ context.Context, t models.EntityType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, string(t)+"/"+id)
	return nil
}

// failingStore wraps a Store and fails Save on demand.
type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Save(ctx context.Context, c *models.Conflict) error {
	if s.fail {
		return errors.New("database is locked")
	}
	return s.Store.Save(ctx, c)
}

// pausingStore holds List after reading its snapshot until proceed is closed.
type pausingStore struct {
	Store
	listed  chan struct{}
	proceed chan struct{}
}

func (s *pausingStore) List(ctx context.Context) ([]*models.Conflict, error) {
	all, err := s.Store.List(ctx)
	if s.listed != nil {
		close(s.listed)
		<-s.proceed
	}
	return all, err
}

// flakyQueue fails Remove while removeErr is set.
type flakyQueue struct {
	*queue.Queue
	removeErr error
}

func (q *flakyQueue) Remove(ctx context.Context, id string) error {
	if q.removeErr != nil {
		return q.removeErr
	}
	return q.Queue.Remove(ctx, id)
}

type recordingAlerter struct {
	mu   sync.Mutex
	seen []*models.Conflict
}

func (a *recordingAlerter) ConflictDetected(c *models.Conflict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, c)
}

type fixture struct {
	queue       *queue.Queue
	persistence *memPersistence
	resolver    *Resolver
	alerts      *recordingAlerter
	item        *models.QueueItem
	conflict    *models.Conflict
}

// newFixture queues an update, detects a conflict for it and blocks the item.
func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	ctx := context.Background()

	q := queue.New(nil)
	item, err := q.Enqueue(ctx, queuedUpdate("WASH", 10, 3))
	require.NoError(t, err)

	f := &fixture{
		queue:       q,
		persistence: newMemPersistence(),
		alerts:      &recordingAlerter{},
	}
	f.resolver = NewResolver(store, f.persistence, q,
		WithResolverClock(func() time.Time { return t0.Add(2 * time.Hour) }),
		WithAlerter(f.alerts))

	server := serverRecord("WASH", 12, 4)
	f.persistence.records["ASSESSMENT/asmt-1"] = server.Clone()

	c := NewDetector().Detect(item, server, "agent-7")
	require.NoError(t, f.resolver.Register(ctx, c))
	_, err = q.Block(ctx, item.ID, c.ID)
	require.NoError(t, err)

	f.item = item
	f.conflict = c
	return f
}

// =====================================================
// Register / Get
// =====================================================

// TestRegister_alertsAndStores verifies registration and the alert hook.
func TestRegister_alertsAndStores(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.resolver.Get(context.Background(), f.conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictPending, got.Status)
	require.Len(t, f.alerts.seen, 1)
	assert.Equal(t, f.conflict.ID, f.alerts.seen[0].ID)

	_, err = f.resolver.Get(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Resolve
// =====================================================

// TestResolve_serverWinsWithoutJustification resolves with no justification
// and checks the status and the single new audit entry.
func TestResolve_serverWinsWithoutJustification(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.resolver.Resolve(ctx, ResolveRequest{
		ConflictID: f.conflict.ID,
		Strategy:   models.StrategyServerWins,
		ResolvedBy: "coord-1",
	})
	require.NoError(t, err)
	assert.Equal(t, f.conflict.ID, id)

	got, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, got.Status)
	require.Len(t, got.AuditTrail, 2)
	entry := got.AuditTrail[1]
	assert.Equal(t, "RESOLVED_SERVER_WINS", entry.Action)
	assert.Equal(t, "coord-1", entry.PerformedBy)
	assert.Empty(t, entry.Details)
	assert.Empty(t, got.Resolution.Justification)

	rec, err := f.persistence.Get(ctx, models.EntityAssessment, "asmt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, 12, rec.Payload.Assessment.AffectedPersons)

	_, err = f.queue.Get(f.item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "server wins drops the local mutation")
}

// TestResolve_localWinsRebases verifies the item is unblocked on the server version.
func TestResolve_localWinsRebases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, ResolveRequest{
		ConflictID:    f.conflict.ID,
		Strategy:      models.StrategyLocalWins,
		ResolvedBy:    "coord-1",
		Justification: "field count is newer",
	})
	require.NoError(t, err)

	item, err := f.queue.Get(f.item.ID)
	require.NoError(t, err)
	assert.False(t, item.Blocked())
	assert.Equal(t, int64(4), item.BaseVersion)
	assert.Equal(t, 10, item.Payload.Assessment.AffectedPersons)

	rec, err := f.persistence.Get(ctx, models.EntityAssessment, "asmt-1")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Payload.Assessment.AffectedPersons)
	assert.Equal(t, int64(4), rec.Version)

	got, _ := f.resolver.Get(ctx, f.conflict.ID)
	assert.Equal(t, "field count is newer", got.Resolution.Justification)
	assert.Equal(t, "field count is newer", got.AuditTrail[1].Details)
}

// TestResolve_alreadyResolved verifies a second resolve fails and leaves the
// versions and fields untouched.
func TestResolve_alreadyResolved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "coord-1"})
	require.NoError(t, err)
	before, _ := f.resolver.Get(ctx, f.conflict.ID)
	puts := f.persistence.puts

	_, err = f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "coord-2"})
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyResolved))

	after, _ := f.resolver.Get(ctx, f.conflict.ID)
	assert.Equal(t, before.LocalVersion, after.LocalVersion)
	assert.Equal(t, before.ServerVersion, after.ServerVersion)
	assert.Equal(t, before.ConflictFields, after.ConflictFields)
	assert.Equal(t, before.Resolution, after.Resolution)
	assert.Equal(t, puts, f.persistence.puts)
}

// TestResolve_persistenceFailure verifies a failed write leaves the conflict
// pending and the item blocked.
func TestResolve_persistenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.persistence.putErr = errors.New("server unavailable")

	_, err := f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "coord-1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))

	got, _ := f.resolver.Get(ctx, f.conflict.ID)
	assert.Equal(t, models.ConflictPending, got.Status)
	assert.Len(t, got.AuditTrail, 1)
	assert.Nil(t, got.Resolution)

	item, err := f.queue.Get(f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, f.conflict.ID, item.BlockedBy)
	assert.Equal(t, int64(3), item.BaseVersion)

	f.persistence.putErr = nil
	_, err = f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "coord-1"})
	assert.NoError(t, err, "a failed resolution can be retried")
}

// TestResolve_storeFailureRestoresRecord verifies the canonical record is
// restored when the conflict cannot be saved.
func TestResolve_storeFailureRestoresRecord(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	store := &failingStore{Store: db.NewConflictRepository(database.DB)}
	f := newFixture(t, store)
	ctx := context.Background()
	store.fail = true

	_, err = f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "coord-1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))

	rec, err := f.persistence.Get(ctx, models.EntityAssessment, "asmt-1")
	require.NoError(t, err)
	assert.Equal(t, 12, rec.Payload.Assessment.AffectedPersons, "server record restored")

	got, _ := f.resolver.Get(ctx, f.conflict.ID)
	assert.Equal(t, models.ConflictPending, got.Status)
	item, _ := f.queue.Get(f.item.ID)
	assert.True(t, item.Blocked())
}

// TestResolve_storeFailureWithoutPriorRecord verifies a failed resolution does
// not leave behind a canonical record that did not exist before.
func TestResolve_storeFailureWithoutPriorRecord(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	store := &failingStore{Store: db.NewConflictRepository(database.DB)}
	f := newFixture(t, store)
	ctx := context.Background()
	delete(f.persistence.records, "ASSESSMENT/asmt-1")
	store.fail = true

	_, err = f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "coord-1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))

	_, err = f.persistence.Get(ctx, models.EntityAssessment, "asmt-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestResolve_releaseFailureKeepsResolution verifies a queue failure after
// the resolution is saved still reports success, and the next refresh
// releases the item.
func TestResolve_releaseFailureKeepsResolution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	fq := &flakyQueue{Queue: f.queue, removeErr: errors.New("disk I/O error")}
	r := NewResolver(nil, f.persistence, fq)
	require.NoError(t, r.Register(ctx, f.conflict))

	id, err := r.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "coord-1"})
	require.NoError(t, err)
	assert.Equal(t, f.conflict.ID, id)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, got.Status)

	item, err := f.queue.Get(f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, id, item.BlockedBy)

	fq.removeErr = nil
	require.NoError(t, r.Refresh(ctx))
	_, err = f.queue.Get(f.item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestResolve_rejectedRequests covers validation and unsupported strategies.
func TestResolve_rejectedRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ResolveRequest
		code apperrors.ErrorCode
	}{
		{"merge", ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyMerge, ResolvedBy: "c"}, apperrors.ErrUnsupportedStrategy},
		{"manual", ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyManual, ResolvedBy: "c"}, apperrors.ErrUnsupportedStrategy},
		{"merged value", ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "c", MergedValue: json.RawMessage(`{"notes":"x"}`)}, apperrors.ErrUnsupportedStrategy},
		{"unknown strategy", ResolveRequest{ConflictID: f.conflict.ID, Strategy: "COIN_FLIP", ResolvedBy: "c"}, apperrors.ErrValidation},
		{"no actor", ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins}, apperrors.ErrValidation},
		{"unknown conflict", ResolveRequest{ConflictID: "nope", Strategy: models.StrategyServerWins, ResolvedBy: "c"}, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.resolver.Resolve(ctx, tt.req)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}

	got, _ := f.resolver.Get(ctx, f.conflict.ID)
	assert.Equal(t, models.ConflictPending, got.Status)

	_, err := f.resolver.Resolve(ctx, ResolveRequest{
		ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "c", MergedValue: json.RawMessage("null"),
	})
	assert.NoError(t, err, "explicit null merged value is accepted")
}

// TestResolve_waitsForItemLock verifies resolution serializes with an
// in-flight upload of the same item.
func TestResolve_waitsForItemLock(t *testing.T) {
	f := newFixture(t, nil)
	unlock, ok := f.queue.TryLockItem(f.item.ID)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(context.Background(), ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "c"})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Resolve finished while the item was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Resolve did not finish after unlock")
	}
}

// =====================================================
// Listing, notes, refresh
// =====================================================

// TestPendingAndStats verifies filters, ordering and counts.
func TestPendingAndStats(t *testing.T) {
	ctx := context.Background()
	q := queue.New(nil)
	r := NewResolver(nil, newMemPersistence(), q)

	add := func(id string, sev models.Severity, et models.EntityType, ct models.ConflictType, at time.Time) {
		require.NoError(t, r.Register(ctx, &models.Conflict{
			ID: id, QueueItemID: "i-" + id, EntityType: et, EntityID: "e-" + id,
			ConflictType: ct, Severity: sev, DetectedAt: at, Status: models.ConflictPending,
		}))
	}
	add("a", models.SeverityLow, models.EntityAssessment, models.ConflictFieldLevel, t0)
	add("b", models.SeverityCritical, models.EntityIncident, models.ConflictDeletion, t0.Add(time.Minute))
	add("c", models.SeverityCritical, models.EntityAssessment, models.ConflictDeletion, t0)
	add("d", models.SeverityMedium, models.EntityAssessment, models.ConflictTimestamp, t0.Add(2*time.Minute))

	ids := func(cs []*models.Conflict) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.ID
		}
		return out
	}

	assert.Equal(t, []string{"c", "b", "d", "a"}, ids(r.Pending(Filter{})))
	assert.Equal(t, []string{"c", "b"}, ids(r.Pending(Filter{Severity: models.SeverityCritical})))
	assert.Equal(t, []string{"c", "d", "a"}, ids(r.Pending(Filter{EntityType: models.EntityAssessment})))
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids(r.List(Filter{})))

	s := r.Stats(Filter{})
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 4, s.Pending)
	assert.Equal(t, 2, s.BySeverity[models.SeverityCritical])
	assert.Equal(t, 2, s.ByType[models.ConflictDeletion])
	assert.Equal(t, 3, s.ByEntityType[models.EntityAssessment])
	require.NotNil(t, s.Oldest)
	assert.Equal(t, t0, *s.Oldest)

	s = r.Stats(Filter{EntityType: models.EntityIncident})
	assert.Equal(t, 1, s.Total)
}

// TestAddNote verifies amendments after resolution.
func TestAddNote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "coord-1"})
	require.NoError(t, err)

	c, err := f.resolver.AddNote(ctx, f.conflict.ID, "coord-2", "confirmed with field team")
	require.NoError(t, err)
	require.Len(t, c.AuditTrail, 3)
	assert.Equal(t, models.AuditNote, c.AuditTrail[2].Action)
	assert.Equal(t, models.ConflictResolved, c.Status)

	_, err = f.resolver.AddNote(ctx, f.conflict.ID, "coord-2", "  ")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = f.resolver.AddNote(ctx, "missing", "coord-2", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRefresh_reloadsAndReleases verifies conflicts resolved elsewhere are
// picked up and their items released.
func TestRefresh_reloadsAndReleases(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())
	repo := db.NewConflictRepository(database.DB)

	f := newFixture(t, repo)
	ctx := context.Background()

	resolved, err := repo.Get(ctx, f.conflict.ID)
	require.NoError(t, err)
	resolved.Status = models.ConflictResolved
	resolved.Resolution = &models.Resolution{Strategy: models.StrategyLocalWins, ResolvedBy: "other-session", ResolvedAt: t0}
	require.NoError(t, repo.Save(ctx, resolved))

	other := NewDetector().Detect(&models.QueueItem{ID: "x", Type: models.EntityIncident, EntityID: "inc-1",
		Action: models.ActionUpdate, Payload: models.NewPayload(models.IncidentPayload{IncidentType: "FLOOD"})}, nil, "agent-2")
	require.NoError(t, repo.Save(ctx, other))

	require.NoError(t, f.resolver.Refresh(ctx))

	assert.Len(t, f.resolver.List(Filter{}), 2)
	assert.Len(t, f.resolver.Pending(Filter{}), 1)
	item, err := f.queue.Get(f.item.ID)
	require.NoError(t, err)
	assert.False(t, item.Blocked())
	assert.Equal(t, int64(4), item.BaseVersion)
}

// TestRefresh_concurrentResolveStaysResolved verifies a refresh that read the
// store before a resolution does not bring the conflict back to pending.
func TestRefresh_concurrentResolveStaysResolved(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	store := &pausingStore{Store: db.NewConflictRepository(database.DB)}
	f := newFixture(t, store)
	ctx := context.Background()

	store.listed = make(chan struct{})
	store.proceed = make(chan struct{})
	refreshed := make(chan error, 1)
	go func() { refreshed <- f.resolver.Refresh(ctx) }()
	<-store.listed

	resolved := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyLocalWins, ResolvedBy: "coord-1"})
		resolved <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.proceed)

	require.NoError(t, <-refreshed)
	require.NoError(t, <-resolved)
	puts := f.persistence.puts

	_, err = f.resolver.Resolve(ctx, ResolveRequest{ConflictID: f.conflict.ID, Strategy: models.StrategyServerWins, ResolvedBy: "coord-2"})
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyResolved), "got %v", err)

	got, err := f.resolver.Get(ctx, f.conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, got.Status)
	assert.Equal(t, models.StrategyLocalWins, got.Resolution.Strategy)
	assert.Equal(t, "coord-1", got.Resolution.ResolvedBy)
	assert.Len(t, got.AuditTrail, 2)
	assert.Equal(t, puts, f.persistence.puts)
}
