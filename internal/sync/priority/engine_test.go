package priority

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/reliefsync/backend/internal/db"
	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func fixed(at time.Time) func() time.Time { return func() time.Time { return at } }

func newItem(typ models.EntityType, prio models.Priority, created time.Time) *models.QueueItem {
	var body any
	switch typ {
	case models.EntityIncident:
		body = models.IncidentPayload{IncidentType: "FLOOD", ReportedAt: created}
	default:
		body = models.AssessmentPayload{AssessmentType: "WASH", AffectedEntityID: "camp-1", AssessmentDate: created}
	}
	return &models.QueueItem{
		Type:      typ,
		Action:    models.ActionCreate,
		Priority:  prio,
		CreatedAt: created,
		Payload:   models.NewPayload(body),
	}
}

// setup wires a memory queue and engine the way the app does.
func setup(t *testing.T, opts ...Option) (*queue.Queue, *Engine) {
	t.Helper()
	q := queue.New(nil, queue.WithClock(fixed(t0)))
	e := New(q, nil, append([]Option{WithClock(fixed(t0))}, opts...)...)
	q.SetScorer(e)
	return q, e
}

// =====================================================
// Score
// =====================================================

// TestScore_bucketBases verifies the default bucket bases.
func TestScore_bucketBases(t *testing.T) {
	_, e := setup(t)
	assert.Equal(t, 100.0, e.Score(newItem(models.EntityAssessment, models.PriorityHigh, t0), nil, t0))
	assert.Equal(t, 50.0, e.Score(newItem(models.EntityAssessment, models.PriorityNormal, t0), nil, t0))
	assert.Equal(t, 10.0, e.Score(newItem(models.EntityAssessment, models.PriorityLow, t0), nil, t0))
	assert.Equal(t, 50.0, e.Score(newItem(models.EntityAssessment, "", t0), nil, t0))
}

// TestScore_customBases verifies configured bases replace defaults.
func TestScore_customBases(t *testing.T) {
	_, e := setup(t, WithBaseScores(BaseScores{models.PriorityHigh: 1000}))
	assert.Equal(t, 1000.0, e.Score(newItem(models.EntityAssessment, models.PriorityHigh, t0), nil, t0))
	assert.Equal(t, 10.0, e.Score(newItem(models.EntityAssessment, models.PriorityLow, t0), nil, t0))
}

// TestScore_ruleOrder verifies additive rules and that an override rule
// replaces the running total at its position.
func TestScore_ruleOrder(t *testing.T) {
	_, e := setup(t)
	item := newItem(models.EntityIncident, models.PriorityNormal, t0)

	rules := []*models.PriorityRule{
		{ID: "late-add", Position: 2, Enabled: true, Contribution: 5},
		{ID: "pin", Position: 1, Enabled: true, Override: true, Contribution: 300},
		{ID: "early-add", Position: 0, Enabled: true, Contribution: 20},
		{ID: "disabled", Position: 0, Enabled: false, Contribution: 1000},
		{ID: "other-type", Position: 0, Enabled: true, EntityType: models.EntityMedia, Contribution: 1000},
	}
	// 50 + 20, replaced by 300, + 5
	assert.Equal(t, 305.0, e.Score(item, rules, t0))
}

// TestScore_criteria verifies role, priority, health and age matching.
func TestScore_criteria(t *testing.T) {
	_, e := setup(t)
	yes := true

	item := newItem(models.EntityAssessment, models.PriorityLow, t0)
	item.Role = "field_agent"
	item.HealthEmergency = true

	rules := []*models.PriorityRule{
		{ID: "role", Enabled: true, Role: "FIELD_AGENT", Contribution: 1},
		{ID: "prio", Enabled: true, Priority: models.PriorityLow, Contribution: 2},
		{ID: "prio-miss", Enabled: true, Priority: models.PriorityHigh, Contribution: 100},
		{ID: "health", Enabled: true, HealthEmergency: &yes, Contribution: 4},
		{ID: "age", Enabled: true, MinAgeMinutes: 60, Contribution: 8},
	}
	assert.Equal(t, 10.0+1+2+4, e.Score(item, rules, t0.Add(59*time.Minute)))
	assert.Equal(t, 10.0+1+2+4+8, e.Score(item, rules, t0.Add(60*time.Minute)))
}

// =====================================================
// Rule CRUD
// =====================================================

// TestCreateRule_rescoresQueue verifies a new rule applies to queued items.
func TestCreateRule_rescoresQueue(t *testing.T) {
	q, e := setup(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem(models.EntityIncident, models.PriorityNormal, t0))
	require.NoError(t, err)
	assert.Equal(t, 50.0, item.PriorityScore)

	rule, err := e.CreateRule(ctx, &models.PriorityRule{
		Name: "incidents first", EntityType: models.EntityIncident, Contribution: 40, Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, t0, rule.CreatedAt)

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.PriorityScore)

	rule.Contribution = 10
	_, err = e.UpdateRule(ctx, rule)
	require.NoError(t, err)
	got, _ = q.Get(item.ID)
	assert.Equal(t, 60.0, got.PriorityScore)

	require.NoError(t, e.DeleteRule(ctx, rule.ID))
	got, _ = q.Get(item.ID)
	assert.Equal(t, 50.0, got.PriorityScore)
	assert.Empty(t, e.Rules())
}

// TestCreateRule_validation verifies field errors.
func TestCreateRule_validation(t *testing.T) {
	_, e := setup(t)
	_, err := e.CreateRule(context.Background(), &models.PriorityRule{
		EntityType: "BOAT", Priority: "URGENT", MinAgeMinutes: -1,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestUpdateDeleteRule_notFound verifies unknown ids.
func TestUpdateDeleteRule_notFound(t *testing.T) {
	_, e := setup(t)
	ctx := context.Background()

	_, err := e.UpdateRule(ctx, &models.PriorityRule{ID: "nope", Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(e.DeleteRule(ctx, "nope"), apperrors.ErrNotFound))
}

// TestRules_evaluationOrder verifies Rules() is sorted by position.
func TestRules_evaluationOrder(t *testing.T) {
	_, e := setup(t)
	ctx := context.Background()

	_, err := e.CreateRule(ctx, &models.PriorityRule{Name: "b", Position: 2, Enabled: true})
	require.NoError(t, err)
	_, err = e.CreateRule(ctx, &models.PriorityRule{Name: "a", Position: 1, Enabled: true})
	require.NoError(t, err)

	rules := e.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, "b", rules[1].Name)
}

// =====================================================
// Recalculation
// =====================================================

// TestRecalculateAll_idempotent checks that a second recalculation with the
// same rules leaves every score unchanged.
func TestRecalculateAll_idempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	prios := []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow}

	properties.Property("recalculating twice yields identical scores", prop.ForAll(
		func(itemPrios []int, ages []int, contributions []int) bool {
			q, e := setup(t)
			ctx := context.Background()

			for i, c := range contributions {
				_, err := e.CreateRule(ctx, &models.PriorityRule{
					Name:          "r",
					Position:      i % 3,
					Priority:      prios[i%3],
					MinAgeMinutes: (i % 2) * 30,
					Override:      i%4 == 3,
					Contribution:  float64(c),
					Enabled:       true,
				})
				if err != nil {
					return false
				}
			}
			for i, p := range itemPrios {
				age := 0
				if i < len(ages) {
					age = ages[i]
				}
				item := newItem(models.EntityAssessment, prios[p], t0.Add(-time.Duration(age)*time.Minute))
				if _, err := q.Enqueue(ctx, item); err != nil {
					return false
				}
			}

			if _, err := e.RecalculateAll(ctx); err != nil {
				return false
			}
			first := scores(q)
			changed, err := e.RecalculateAll(ctx)
			if err != nil || changed != 0 {
				return false
			}
			second := scores(q)
			return assert.ObjectsAreEqual(first, second)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 120)),
		gen.SliceOfN(4, gen.IntRange(-50, 50)),
	))

	properties.TestingRun(t)
}

func scores(q *queue.Queue) map[string]float64 {
	out := make(map[string]float64)
	for _, it := range q.Items(queue.Filter{}) {
		out[it.ID] = it.PriorityScore
	}
	return out
}

// TestRecalculateAll_ageRule verifies age rules take effect as the clock moves.
func TestRecalculateAll_ageRule(t *testing.T) {
	now := t0
	q := queue.New(nil)
	e := New(q, nil, WithClock(func() time.Time { return now }))
	q.SetScorer(e)
	ctx := context.Background()

	_, err := e.CreateRule(ctx, &models.PriorityRule{Name: "stale", MinAgeMinutes: 30, Contribution: 25, Enabled: true})
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, newItem(models.EntityAssessment, models.PriorityNormal, t0))
	require.NoError(t, err)
	assert.Equal(t, 50.0, item.PriorityScore)

	now = t0.Add(31 * time.Minute)
	changed, err := e.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, _ := q.Get(item.ID)
	assert.Equal(t, 75.0, got.PriorityScore)
}

// =====================================================
// Overrides
// =====================================================

// TestOverridePriority_survivesRecalculation verifies a pinned score is kept
// through rule changes until cleared.
func TestOverridePriority_survivesRecalculation(t *testing.T) {
	q, e := setup(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem(models.EntityAssessment, models.PriorityLow, t0))
	require.NoError(t, err)

	o, err := e.OverridePriority(ctx, item.ID, 999, "  cholera cluster  ", "coord-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, o.PreviousScore)
	assert.Equal(t, "cholera cluster", o.Justification)
	assert.True(t, e.Overridden(item.ID))

	_, err = e.CreateRule(ctx, &models.PriorityRule{Name: "bump", Contribution: 5, Enabled: true})
	require.NoError(t, err)
	got, _ := q.Get(item.ID)
	assert.Equal(t, 999.0, got.PriorityScore)

	require.NoError(t, e.ClearOverride(ctx, item.ID))
	got, _ = q.Get(item.ID)
	assert.Equal(t, 15.0, got.PriorityScore)

	history, err := e.Overrides(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Active)
}

// TestOverridePriority_requiresJustification verifies the validation error.
func TestOverridePriority_requiresJustification(t *testing.T) {
	q, e := setup(t)
	item, err := q.Enqueue(context.Background(), newItem(models.EntityAssessment, models.PriorityLow, t0))
	require.NoError(t, err)

	_, err = e.OverridePriority(context.Background(), item.ID, 500, "   ", "coord-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	got, _ := q.Get(item.ID)
	assert.Equal(t, 10.0, got.PriorityScore)
}

// TestOverridePriority_unknownItem verifies NOT_FOUND.
func TestOverridePriority_unknownItem(t *testing.T) {
	_, e := setup(t)
	_, err := e.OverridePriority(context.Background(), "missing", 1, "why", "coord")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestEngine_persistence verifies rules and overrides reload from sqlite.
func TestEngine_persistence(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	ctx := context.Background()
	store := db.NewRuleRepository(database.DB)
	q := queue.New(nil)
	e := New(q, store, WithClock(fixed(t0)))
	q.SetScorer(e)

	_, err = e.CreateRule(ctx, &models.PriorityRule{Name: "incidents", EntityType: models.EntityIncident, Contribution: 7, Enabled: true})
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, newItem(models.EntityIncident, models.PriorityNormal, t0))
	require.NoError(t, err)
	assert.Equal(t, 57.0, item.PriorityScore)
	_, err = e.OverridePriority(ctx, item.ID, 400, "evacuation", "coord")
	require.NoError(t, err)

	reloaded := New(q, store, WithClock(fixed(t0)))
	require.NoError(t, reloaded.Load(ctx))
	require.Len(t, reloaded.Rules(), 1)
	assert.True(t, reloaded.Overridden(item.ID))
	assert.Equal(t, 400.0, reloaded.ScoreItem(item))

	history, err := reloaded.Overrides(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "evacuation", history[0].Justification)
}
