// Package priority scores sync queue items from configurable rules and
// manual overrides.
package priority

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hay-kot/criterio"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
	"github.com/kimhsiao/reliefsync/backend/internal/uuid"
)

// RuleStore persists rules and overrides. db.RuleRepository implements it.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *models.PriorityRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*models.PriorityRule, error)
	SaveOverride(ctx context.Context, o *models.PriorityOverride) error
	ClearOverrides(ctx context.Context, itemID string) error
	ListOverrides(ctx context.Context, itemID string) ([]*models.PriorityOverride, error)
	ActiveOverrides(ctx context.Context) (map[string]float64, error)
}

// Items is the part of the queue the engine reads and re-scores.
type Items interface {
	Get(id string) (*models.QueueItem, error)
	Items(filter queue.Filter) []*models.QueueItem
	SetScore(ctx context.Context, id string, score float64) (*models.QueueItem, error)
}

// BaseScores maps a priority bucket to its starting score.
type BaseScores map[models.Priority]float64

// DefaultBaseScores are the bucket bases used when none are configured.
func DefaultBaseScores() BaseScores {
	return BaseScores{
		models.PriorityHigh:   100,
		models.PriorityNormal: 50,
		models.PriorityLow:    10,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseScores overrides the bucket bases. Missing buckets keep their default.
func WithBaseScores(base BaseScores) Option {
	return func(e *Engine) {
		for k, v := range base {
			e.base[k] = v
		}
	}
}

// WithClock replaces time.Now for age-based rules.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the rule set and keeps queue scores in line with it.
type Engine struct {
	mu        sync.RWMutex
	rules     []*models.PriorityRule
	overrides map[string]float64
	history   map[string][]*models.PriorityOverride

	items Items
	store RuleStore
	base  BaseScores
	now   func() time.Time
	log   *logging.Logger
}

// New creates an Engine over items. A nil store keeps rules in memory only.
func New(items Items, store RuleStore, opts ...Option) *Engine {
	e := &Engine{
		overrides: make(map[string]float64),
		history:   make(map[string][]*models.PriorityOverride),
		items:     items,
		store:     store,
		base:      DefaultBaseScores(),
		now:       time.Now,
		log:       logging.Component("priority"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load reads rules and active overrides from the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load priority rules", err)
	}
	overrides, err := e.store.ActiveOverrides(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load priority overrides", err)
	}

	sortRules(rules)
	e.mu.Lock()
	e.rules = rules
	e.overrides = overrides
	e.mu.Unlock()

	e.log.Info("Loaded priority rules", map[string]interface{}{"rules": len(rules), "overrides": len(overrides)})
	return nil
}

// sortRules orders rules by (Position, CreatedAt, ID).
func sortRules(rules []*models.PriorityRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Matches reports whether rule applies to item at the given time.
func Matches(rule *models.PriorityRule, item *models.QueueItem, at time.Time) bool {
	switch {
	case !rule.Enabled:
		return false
	case rule.EntityType != "" && rule.EntityType != item.Type:
		return false
	case rule.Role != "" && !strings.EqualFold(rule.Role, item.Role):
		return false
	case rule.Priority != "" && rule.Priority != item.Priority:
		return false
	case rule.HealthEmergency != nil && *rule.HealthEmergency != item.HealthEmergency:
		return false
	case rule.MinAgeMinutes > 0 && at.Sub(item.CreatedAt) < time.Duration(rule.MinAgeMinutes)*time.Minute:
		return false
	}
	return true
}

// Score computes an item's score from its bucket base and rules, evaluated
// in (Position, CreatedAt, ID) order. A matching override rule replaces the
// running total; other matching rules add to it. Score has no side effects.
func (e *Engine) Score(item *models.QueueItem, rules []*models.PriorityRule, at time.Time) float64 {
	base, ok := e.base[item.Priority]
	if !ok {
		base = e.base[models.PriorityNormal]
	}

	ordered := append([]*models.PriorityRule(nil), rules...)
	sortRules(ordered)

	score := base
	for _, rule := range ordered {
		if !Matches(rule, item, at) {
			continue
		}
		if rule.Override {
			score = rule.Contribution
		} else {
			score += rule.Contribution
		}
	}
	return score
}

// ScoreItem scores item with the current rules and clock, honoring an active
// manual override.
func (e *Engine) ScoreItem(item *models.QueueItem) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.overrides[item.ID]; ok {
		return s
	}
	return e.Score(item, e.rules, e.now())
}

// Rules returns copies of the rules in evaluation order.
func (e *Engine) Rules() []*models.PriorityRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.PriorityRule, len(e.rules))
	for i, r := range e.rules {
		out[i] = cloneRule(r)
	}
	return out
}

func cloneRule(r *models.PriorityRule) *models.PriorityRule {
	c := *r
	if r.HealthEmergency != nil {
		v := *r.HealthEmergency
		c.HealthEmergency = &v
	}
	return &c
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(rule *models.PriorityRule) error {
	var errs criterio.FieldErrorsBuilder
	if strings.TrimSpace(rule.Name) == "" {
		errs = errs.Append("name", fmt.Errorf("is required"))
	}
	if rule.EntityType != "" && !rule.EntityType.Valid() {
		errs = errs.Append("entity_type", fmt.Errorf("unknown entity type %q", rule.EntityType))
	}
	if rule.Priority != "" && !rule.Priority.Valid() {
		errs = errs.Append("priority", fmt.Errorf("unknown priority %q", rule.Priority))
	}
	if rule.MinAgeMinutes < 0 {
		errs = errs.Append("min_age_minutes", fmt.Errorf("must not be negative"))
	}
	if math.IsNaN(rule.Contribution) || math.IsInf(rule.Contribution, 0) {
		errs = errs.Append("contribution", fmt.Errorf("must be a finite number"))
	}
	if err := errs.ToError(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid priority rule", err)
	}
	return nil
}

// CreateRule validates, stores and applies a new rule.
func (e *Engine) CreateRule(ctx context.Context, rule *models.PriorityRule) (*models.PriorityRule, error) {
	if rule == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "priority rule is required")
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	now := e.now()
	next := cloneRule(rule)
	if next.ID == "" {
		next.ID = uuid.New()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	e.mu.Lock()
	for _, r := range e.rules {
		if r.ID == next.ID {
			e.mu.Unlock()
			return nil, apperrors.Newf(apperrors.ErrValidation, "priority rule %s already exists", next.ID)
		}
	}
	if err := e.saveRule(ctx, next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.rules = append(e.rules, next)
	sortRules(e.rules)
	e.mu.Unlock()

	e.log.Info("Created priority rule", map[string]interface{}{"id": next.ID, "name": next.Name})
	return cloneRule(next), e.recalculateAfterChange(ctx)
}

// UpdateRule replaces an existing rule, keeping its creation time.
func (e *Engine) UpdateRule(ctx context.Context, rule *models.PriorityRule) (*models.PriorityRule, error) {
	if rule == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "priority rule is required")
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	e.mu.Lock()
	idx := e.indexOf(rule.ID)
	if idx < 0 {
		e.mu.Unlock()
		return nil, apperrors.NotFound("priority rule", rule.ID)
	}
	next := cloneRule(rule)
	next.CreatedAt = e.rules[idx].CreatedAt
	next.UpdatedAt = e.now()
	if err := e.saveRule(ctx, next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.rules[idx] = next
	sortRules(e.rules)
	e.mu.Unlock()

	e.log.Info("Updated priority rule", map[string]interface{}{"id": next.ID})
	return cloneRule(next), e.recalculateAfterChange(ctx)
}

// DeleteRule removes a rule and re-scores the queue.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := e.indexOf(id)
	if idx < 0 {
		e.mu.Unlock()
		return apperrors.NotFound("priority rule", id)
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			e.mu.Unlock()
			return apperrors.Wrap(apperrors.ErrDatabase, "delete priority rule", err)
		}
	}
	e.rules = append(e.rules[:idx], e.rules[idx+1:]...)
	e.mu.Unlock()

	e.log.Info("Deleted priority rule", map[string]interface{}{"id": id})
	return e.recalculateAfterChange(ctx)
}

// indexOf must be called with mu held.
func (e *Engine) indexOf(id string) int {
	for i, r := range e.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) saveRule(ctx context.Context, rule *models.PriorityRule) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "persist priority rule", err)
	}
	return nil
}

func (e *Engine) recalculateAfterChange(ctx context.Context) error {
	_, err := e.RecalculateAll(ctx)
	return err
}

// RecalculateAll re-scores every queued item and returns how many scores
// changed. Items enqueued or removed concurrently are scored at enqueue or
// skipped; running it twice with the same rules and clock changes nothing.
func (e *Engine) RecalculateAll(ctx context.Context) (int, error) {
	e.mu.RLock()
	rules := make([]*models.PriorityRule, len(e.rules))
	copy(rules, e.rules)
	overrides := make(map[string]float64, len(e.overrides))
	for k, v := range e.overrides {
		overrides[k] = v
	}
	at := e.now()
	e.mu.RUnlock()

	changed := 0
	for _, item := range e.items.Items(queue.Filter{}) {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		score, ok := overrides[item.ID]
		if !ok {
			score = e.Score(item, rules, at)
		}
		if score == item.PriorityScore {
			continue
		}
		if _, err := e.items.SetScore(ctx, item.ID, score); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return changed, err
		}
		changed++
	}

	e.log.Debug("Recalculated priorities", map[string]interface{}{"changed": changed})
	return changed, nil
}

// OverridePriority pins an item's score. The justification is required and
// kept in the override history; the pinned score survives recalculation until
// ClearOverride.
func (e *Engine) OverridePriority(ctx context.Context, itemID string, score float64, justification, actor string) (*models.PriorityOverride, error) {
	justification = strings.TrimSpace(justification)
	var errs criterio.FieldErrorsBuilder
	if justification == "" {
		errs = errs.Append("justification", fmt.Errorf("is required"))
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		errs = errs.Append("score", fmt.Errorf("must be a finite number"))
	}
	if err := errs.ToError(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid priority override", err)
	}

	item, err := e.items.Get(itemID)
	if err != nil {
		return nil, err
	}

	o := &models.PriorityOverride{
		ID:            uuid.New(),
		ItemID:        itemID,
		PreviousScore: item.PriorityScore,
		NewScore:      score,
		Justification: justification,
		PerformedBy:   actor,
		Active:        true,
		CreatedAt:     e.now(),
	}

	e.mu.Lock()
	if e.store != nil {
		if err := e.store.SaveOverride(ctx, o); err != nil {
			e.mu.Unlock()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "persist priority override", err)
		}
	}
	for _, prev := range e.history[itemID] {
		prev.Active = false
	}
	e.history[itemID] = append(e.history[itemID], o)
	e.overrides[itemID] = score
	e.mu.Unlock()

	if _, err := e.items.SetScore(ctx, itemID, score); err != nil {
		return nil, err
	}

	e.log.Info("Priority overridden", map[string]interface{}{
		"item_id": itemID, "previous": o.PreviousScore, "score": score, "by": actor,
	})
	c := *o
	return &c, nil
}

// ClearOverride releases a pinned score and re-scores the item from rules.
func (e *Engine) ClearOverride(ctx context.Context, itemID string) error {
	e.mu.Lock()
	if e.store != nil {
		if err := e.store.ClearOverrides(ctx, itemID); err != nil {
			e.mu.Unlock()
			return apperrors.Wrap(apperrors.ErrDatabase, "clear priority override", err)
		}
	}
	for _, prev := range e.history[itemID] {
		prev.Active = false
	}
	delete(e.overrides, itemID)
	rules := append([]*models.PriorityRule(nil), e.rules...)
	at := e.now()
	e.mu.Unlock()

	item, err := e.items.Get(itemID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = e.items.SetScore(ctx, itemID, e.Score(item, rules, at))
	return err
}

// Overridden reports whether the item's score is pinned.
func (e *Engine) Overridden(itemID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.overrides[itemID]
	return ok
}

// Overrides returns the override history of an item, oldest first.
func (e *Engine) Overrides(ctx context.Context, itemID string) ([]*models.PriorityOverride, error) {
	if e.store != nil {
		out, err := e.store.ListOverrides(ctx, itemID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "list priority overrides", err)
		}
		return out, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.PriorityOverride, len(e.history[itemID]))
	for i, o := range e.history[itemID] {
		c := *o
		out[i] = &c
	}
	return out, nil
}

// Forget drops in-memory override state for an item that left the queue.
func (e *Engine) Forget(itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overrides, itemID)
}
