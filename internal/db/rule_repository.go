package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// RuleRepository persists priority rules and manual overrides.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository creates a RuleRepository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, name, position, entity_type, role, priority, min_age_minutes,
	health_emergency, contribution, override, enabled, created_at, updated_at`

// SaveRule inserts or replaces a rule.
func (r *RuleRepository) SaveRule(ctx context.Context, rule *models.PriorityRule) error {
	var health sql.NullInt64
	if rule.HealthEmergency != nil {
		health = sql.NullInt64{Int64: int64(boolToInt(*rule.HealthEmergency)), Valid: true}
	}

	query := `INSERT INTO priority_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			entity_type = excluded.entity_type,
			role = excluded.role,
			priority = excluded.priority,
			min_age_minutes = excluded.min_age_minutes,
			health_emergency = excluded.health_emergency,
			contribution = excluded.contribution,
			override = excluded.override,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Position, string(rule.EntityType), rule.Role, string(rule.Priority),
		rule.MinAgeMinutes, health, rule.Contribution, boolToInt(rule.Override), boolToInt(rule.Enabled),
		toNanos(rule.CreatedAt), toNanos(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save priority rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule.
func (r *RuleRepository) DeleteRule(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM priority_rules WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete priority rule %s: %w", id, err)
	}
	return nil
}

// ListRules returns all rules in evaluation order.
func (r *RuleRepository) ListRules(ctx context.Context) ([]*models.PriorityRule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM priority_rules ORDER BY position, created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list priority rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.PriorityRule
	for rows.Next() {
		var (
			rule                 models.PriorityRule
			entityType, prio     string
			health               sql.NullInt64
			override, enabled    int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Position, &entityType, &rule.Role, &prio,
			&rule.MinAgeMinutes, &health, &rule.Contribution, &override, &enabled,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan priority rule: %w", err)
		}
		rule.EntityType = models.EntityType(entityType)
		rule.Priority = models.Priority(prio)
		if health.Valid {
			v := health.Int64 != 0
			rule.HealthEmergency = &v
		}
		rule.Override = override != 0
		rule.Enabled = enabled != 0
		rule.CreatedAt = fromNanos(createdAt)
		rule.UpdatedAt = fromNanos(updatedAt)
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// SaveOverride records a new active override, deactivating earlier ones for
// the same item.
func (r *RuleRepository) SaveOverride(ctx context.Context, o *models.PriorityOverride) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE priority_overrides SET active = 0 WHERE item_id = ?", o.ItemID); err != nil {
		return fmt.Errorf("deactivate overrides for %s: %w", o.ItemID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO priority_overrides
		(id, item_id, previous_score, new_score, justification, performed_by, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ItemID, o.PreviousScore, o.NewScore, o.Justification, o.PerformedBy,
		boolToInt(o.Active), toNanos(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("save priority override %s: %w", o.ID, err)
	}
	return tx.Commit()
}

// ClearOverrides deactivates every override of an item. History is kept.
func (r *RuleRepository) ClearOverrides(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE priority_overrides SET active = 0 WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("clear overrides for %s: %w", itemID, err)
	}
	return nil
}

// ListOverrides returns the override history of an item, oldest first.
func (r *RuleRepository) ListOverrides(ctx context.Context, itemID string) ([]*models.PriorityOverride, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, item_id, previous_score, new_score, justification,
		performed_by, active, created_at FROM priority_overrides WHERE item_id = ? ORDER BY created_at, id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list overrides for %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []*models.PriorityOverride
	for rows.Next() {
		var (
			o         models.PriorityOverride
			active    int
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.ItemID, &o.PreviousScore, &o.NewScore, &o.Justification,
			&o.PerformedBy, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan priority override: %w", err)
		}
		o.Active = active != 0
		o.CreatedAt = fromNanos(createdAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ActiveOverrides returns the active override score per item.
func (r *RuleRepository) ActiveOverrides(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT item_id, new_score FROM priority_overrides WHERE active = 1")
	if err != nil {
		return nil, fmt.Errorf("list active overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan active override: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}
