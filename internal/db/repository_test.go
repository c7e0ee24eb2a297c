package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleItem(id string, score float64, created time.Time) *models.QueueItem {
	return &models.QueueItem{
		ID:       id,
		Type:     models.EntityAssessment,
		Action:   models.ActionUpdate,
		EntityID: "asmt-" + id,
		Payload: models.NewPayload(models.AssessmentPayload{
			AssessmentType:   "HEALTH",
			AffectedEntityID: "camp-7",
			AssessmentDate:   t0,
			AffectedPersons:  120,
		}),
		Priority:        models.PriorityHigh,
		PriorityScore:   score,
		CreatedAt:       created,
		UpdatedAt:       created,
		CreatedBy:       "user-1",
		Role:            "FIELD_AGENT",
		HealthEmergency: true,
		BaseVersion:     4,
	}
}

// =====================================================
// QueueRepository
// =====================================================

// TestQueueRepository_roundTrip verifies every column survives a save/load.
func TestQueueRepository_roundTrip(t *testing.T) {
	repo := NewQueueRepository(openTestDB(t).DB)
	ctx := context.Background()

	item := sampleItem("q1", 150, t0)
	item.RetryCount = 2
	item.Error = "timeout"
	item.BlockedBy = "conflict-1"
	require.NoError(t, repo.Save(ctx, item))

	items, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item, items[0])
}

// TestQueueRepository_upsertAndOrder verifies updates replace rows and load order.
func TestQueueRepository_upsertAndOrder(t *testing.T) {
	repo := NewQueueRepository(openTestDB(t).DB)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleItem("low", 10, t0)))
	require.NoError(t, repo.Save(ctx, sampleItem("old", 100, t0)))
	require.NoError(t, repo.Save(ctx, sampleItem("new", 100, t0.Add(time.Minute))))

	bumped := sampleItem("low", 500, t0)
	require.NoError(t, repo.Save(ctx, bumped))

	items, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	assert.Equal(t, []string{"low", "new", "old"}, ids)
}

// TestQueueRepository_delete verifies deletes, including missing ids.
func TestQueueRepository_delete(t *testing.T) {
	repo := NewQueueRepository(openTestDB(t).DB)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleItem("q1", 1, t0)))
	require.NoError(t, repo.Delete(ctx, "q1"))
	require.NoError(t, repo.Delete(ctx, "q1"))

	items, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// =====================================================
// RuleRepository
// =====================================================

// TestRuleRepository_listOrder verifies rules come back in evaluation order.
func TestRuleRepository_listOrder(t *testing.T) {
	repo := NewRuleRepository(openTestDB(t).DB)
	ctx := context.Background()

	yes := true
	rules := []*models.PriorityRule{
		{ID: "b", Name: "second", Position: 1, CreatedAt: t0, UpdatedAt: t0, Enabled: true, Contribution: 5},
		{ID: "a", Name: "first", Position: 0, CreatedAt: t0.Add(time.Hour), UpdatedAt: t0, Enabled: true},
		{ID: "c", Name: "tie", Position: 1, CreatedAt: t0, UpdatedAt: t0, HealthEmergency: &yes, Override: true, Contribution: 999},
	}
	for _, r := range rules {
		require.NoError(t, repo.SaveRule(ctx, r))
	}

	got, err := repo.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Nil(t, got[1].HealthEmergency)
	require.NotNil(t, got[2].HealthEmergency)
	assert.True(t, *got[2].HealthEmergency)
	assert.True(t, got[2].Override)
	assert.False(t, got[2].Enabled)

	require.NoError(t, repo.DeleteRule(ctx, "b"))
	got, err = repo.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// TestRuleRepository_overrides verifies history and the single active override.
func TestRuleRepository_overrides(t *testing.T) {
	repo := NewRuleRepository(openTestDB(t).DB)
	ctx := context.Background()

	require.NoError(t, repo.SaveOverride(ctx, &models.PriorityOverride{
		ID: "o1", ItemID: "q1", PreviousScore: 50, NewScore: 400,
		Justification: "convoy leaving", PerformedBy: "coord", Active: true, CreatedAt: t0,
	}))
	require.NoError(t, repo.SaveOverride(ctx, &models.PriorityOverride{
		ID: "o2", ItemID: "q1", PreviousScore: 400, NewScore: 900,
		Justification: "cholera", PerformedBy: "coord", Active: true, CreatedAt: t0.Add(time.Minute),
	}))

	active, err := repo.ActiveOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"q1": 900}, active)

	history, err := repo.ListOverrides(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "o1", history[0].ID)
	assert.False(t, history[0].Active)
	assert.True(t, history[1].Active)

	require.NoError(t, repo.ClearOverrides(ctx, "q1"))
	active, err = repo.ActiveOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err = repo.ListOverrides(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "clearing keeps history")
}

// =====================================================
// ConflictRepository
// =====================================================

func sampleConflict() *models.Conflict {
	local := sampleItem("q1", 100, t0).LocalRecord()
	server := &models.Record{
		EntityType: models.EntityAssessment,
		EntityID:   "asmt-q1",
		Version:    6,
		UpdatedAt:  t0.Add(time.Hour),
		Payload:    models.NewPayload(models.AssessmentPayload{AssessmentType: "HEALTH", AffectedEntityID: "camp-7", AssessmentDate: t0}),
	}
	return &models.Conflict{
		ID:              "c1",
		QueueItemID:     "q1",
		EntityType:      models.EntityAssessment,
		EntityID:        "asmt-q1",
		ConflictType:    models.ConflictTimestamp,
		Severity:        models.SeverityHigh,
		LocalVersion:    local,
		ServerVersion:   server,
		ConflictFields:  []string{"affected_persons"},
		DetectedAt:      t0.Add(2 * time.Hour),
		DetectedBy:      "user-1",
		Status:          models.ConflictPending,
		AuditTrail:      []models.AuditEntry{{Timestamp: t0.Add(2 * time.Hour), Action: models.AuditDetected, PerformedBy: "user-1"}},
		HealthEmergency: true,
	}
}

// TestConflictRepository_roundTrip verifies JSON columns survive storage.
func TestConflictRepository_roundTrip(t *testing.T) {
	repo := NewConflictRepository(openTestDB(t).DB)
	ctx := context.Background()

	c := sampleConflict()
	require.NoError(t, repo.Save(ctx, c))

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	c.Status = models.ConflictResolved
	c.Resolution = &models.Resolution{Strategy: models.StrategyServerWins, ResolvedBy: "coord", ResolvedAt: t0.Add(3 * time.Hour)}
	c.AuditTrail = append(c.AuditTrail, models.AuditEntry{Timestamp: t0.Add(3 * time.Hour), Action: models.AuditResolvedAction(models.StrategyServerWins), PerformedBy: "coord"})
	require.NoError(t, repo.Save(ctx, c))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c, all[0])
}

// TestConflictRepository_notFound verifies missing conflicts map to NOT_FOUND.
func TestConflictRepository_notFound(t *testing.T) {
	repo := NewConflictRepository(openTestDB(t).DB)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// RecordRepository
// =====================================================

// TestRecordRepository_getPut verifies canonical record storage.
func TestRecordRepository_getPut(t *testing.T) {
	repo := NewRecordRepository(openTestDB(t).DB)
	ctx := context.Background()

	_, err := repo.Get(ctx, models.EntityIncident, "inc-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	rec := &models.Record{
		EntityType: models.EntityIncident,
		EntityID:   "inc-1",
		Version:    2,
		UpdatedAt:  t0,
		Payload:    models.NewPayload(models.IncidentPayload{IncidentType: "FLOOD", ReportedAt: t0}),
	}
	require.NoError(t, repo.Put(ctx, models.EntityIncident, "inc-1", rec))

	got, err := repo.Get(ctx, models.EntityIncident, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Version = 3
	rec.Deleted = true
	require.NoError(t, repo.Put(ctx, models.EntityIncident, "inc-1", rec))
	got, err = repo.Get(ctx, models.EntityIncident, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, got.Deleted)

	assert.Error(t, repo.Put(ctx, models.EntityIncident, "inc-1", nil))

	require.NoError(t, repo.Delete(ctx, models.EntityIncident, "inc-1"))
	_, err = repo.Get(ctx, models.EntityIncident, "inc-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	require.NoError(t, repo.Delete(ctx, models.EntityIncident, "inc-1"), "deleting a missing record")
}

// TestRecordRepository_putFailure verifies driver errors are returned.
func TestRecordRepository_putFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO records").
		WithArgs("MEDIA", "m-1", int64(1), sqlmock.AnyArg(), 0, sqlmock.AnyArg()).
		WillReturnError(errors.New("disk I/O error"))

	repo := NewRecordRepository(sqlDB)
	err = repo.Put(context.Background(), models.EntityMedia, "m-1", &models.Record{
		EntityType: models.EntityMedia,
		EntityID:   "m-1",
		Version:    1,
		UpdatedAt:  t0,
		Payload:    models.NewPayload(models.MediaPayload{FileName: "a.jpg", MimeType: "image/jpeg", Size: 10}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
