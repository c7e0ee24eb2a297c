package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// QueueRepository persists sync queue items.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a QueueRepository.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, type, action, entity_id, payload, priority, priority_score, retry_count,
	error, created_at, updated_at, created_by, role, health_emergency, base_version, blocked_by, synced`

// Save inserts or replaces a queue item.
func (r *QueueRepository) Save(ctx context.Context, item *models.QueueItem) error {
	payload, err := marshalColumn(item.Payload)
	if err != nil {
		return err
	}

	query := `INSERT INTO queue_items (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			action = excluded.action,
			entity_id = excluded.entity_id,
			payload = excluded.payload,
			priority = excluded.priority,
			priority_score = excluded.priority_score,
			retry_count = excluded.retry_count,
			error = excluded.error,
			updated_at = excluded.updated_at,
			created_by = excluded.created_by,
			role = excluded.role,
			health_emergency = excluded.health_emergency,
			base_version = excluded.base_version,
			blocked_by = excluded.blocked_by,
			synced = excluded.synced`

	_, err = r.db.ExecContext(ctx, query,
		item.ID, string(item.Type), string(item.Action), item.EntityID, payload,
		string(item.Priority), item.PriorityScore, item.RetryCount, item.Error,
		toNanos(item.CreatedAt), toNanos(item.UpdatedAt), item.CreatedBy, item.Role,
		boolToInt(item.HealthEmergency), item.BaseVersion, item.BlockedBy, boolToInt(item.Synced),
	)
	if err != nil {
		return fmt.Errorf("save queue item %s: %w", item.ID, err)
	}
	return nil
}

// Delete removes a queue item. Deleting a missing item is not an error.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted queue item ordered by score, then recency.
func (r *QueueRepository) LoadAll(ctx context.Context) ([]*models.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+queueColumns+" FROM queue_items ORDER BY priority_score DESC, created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("load queue items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item                 models.QueueItem
		typ, action, prio    string
		payload              sql.NullString
		createdAt, updatedAt int64
		health, synced       int
	)
	err := row.Scan(&item.ID, &typ, &action, &item.EntityID, &payload, &prio,
		&item.PriorityScore, &item.RetryCount, &item.Error, &createdAt, &updatedAt,
		&item.CreatedBy, &item.Role, &health, &item.BaseVersion, &item.BlockedBy, &synced)
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	if err := unmarshalColumn(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("queue item %s: %w", item.ID, err)
	}
	item.Type = models.EntityType(typ)
	item.Action = models.Action(action)
	item.Priority = models.Priority(prio)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	item.HealthEmergency = health != 0
	item.Synced = synced != 0
	return &item, nil
}
