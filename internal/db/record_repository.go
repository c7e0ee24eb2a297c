package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// RecordRepository is the local persistence service for canonical entity
// records. Conflict resolution writes the chosen version through it.
type RecordRepository struct {
	db *sql.DB
}

// NewRecordRepository creates a RecordRepository.
func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Get returns the stored record, or a NOT_FOUND error.
func (r *RecordRepository) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.Record, error) {
	var (
		rec       models.Record
		updatedAt int64
		deleted   int
		payload   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT version, updated_at, deleted, payload FROM records
		WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID).
		Scan(&rec.Version, &updatedAt, &deleted, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("record", string(entityType)+"/"+entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", entityType, entityID, err)
	}
	if err := unmarshalColumn(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", entityType, entityID, err)
	}
	rec.EntityType = entityType
	rec.EntityID = entityID
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.Deleted = deleted != 0
	return &rec, nil
}

// Put writes rec as the current record for the entity.
func (r *RecordRepository) Put(ctx context.Context, entityType models.EntityType, entityID string, rec *models.Record) error {
	if rec == nil {
		return fmt.Errorf("put record %s/%s: record is nil", entityType, entityID)
	}
	payload, err := marshalColumn(rec.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO records (entity_type, entity_id, version, updated_at, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			payload = excluded.payload`,
		string(entityType), entityID, rec.Version, toNanos(rec.UpdatedAt), boolToInt(rec.Deleted), payload)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Delete removes the record for the entity. Deleting a missing record is not
// an error.
func (r *RecordRepository) Delete(ctx context.Context, entityType models.EntityType, entityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", entityType, entityID, err)
	}
	return nil
}
