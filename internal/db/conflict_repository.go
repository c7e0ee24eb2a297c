package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// ConflictRepository persists detected conflicts. Versions, fields, the
// resolution and the audit trail are stored as JSON columns.
type ConflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a ConflictRepository.
func NewConflictRepository(db *sql.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

const conflictColumns = `id, queue_item_id, entity_type, entity_id, conflict_type, severity,
	local_version, server_version, conflict_fields, detected_at, detected_by, status,
	resolution, audit_trail, health_emergency`

// Save inserts or replaces a conflict.
func (r *ConflictRepository) Save(ctx context.Context, c *models.Conflict) error {
	local, err := marshalColumn(c.LocalVersion)
	if err != nil {
		return err
	}
	server, err := marshalColumn(c.ServerVersion)
	if err != nil {
		return err
	}
	fields := c.ConflictFields
	if fields == nil {
		fields = []string{}
	}
	fieldsCol, err := marshalColumn(fields)
	if err != nil {
		return err
	}
	var resolution sql.NullString
	if c.Resolution != nil {
		s, err := marshalColumn(c.Resolution)
		if err != nil {
			return err
		}
		resolution = sql.NullString{String: s, Valid: true}
	}
	trail := c.AuditTrail
	if trail == nil {
		trail = []models.AuditEntry{}
	}
	trailCol, err := marshalColumn(trail)
	if err != nil {
		return err
	}

	query := `INSERT INTO conflicts (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			conflict_fields = excluded.conflict_fields,
			status = excluded.status,
			resolution = excluded.resolution,
			audit_trail = excluded.audit_trail,
			health_emergency = excluded.health_emergency`

	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.QueueItemID, string(c.EntityType), c.EntityID, string(c.ConflictType), string(c.Severity),
		local, server, fieldsCol, toNanos(c.DetectedAt), c.DetectedBy, string(c.Status),
		resolution, trailCol, boolToInt(c.HealthEmergency),
	)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", c.ID, err)
	}
	return nil
}

// Get returns a conflict by ID.
func (r *ConflictRepository) Get(ctx context.Context, id string) (*models.Conflict, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conflict", id)
	}
	return c, err
}

// List returns every conflict, newest first.
func (r *ConflictRepository) List(ctx context.Context) ([]*models.Conflict, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+conflictColumns+" FROM conflicts ORDER BY detected_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var (
		c                                        models.Conflict
		entityType, conflictType, severity, stat string
		local, server, fields, resolution, trail sql.NullString
		detectedAt                               int64
		health                                   int
	)
	err := row.Scan(&c.ID, &c.QueueItemID, &entityType, &c.EntityID, &conflictType, &severity,
		&local, &server, &fields, &detectedAt, &c.DetectedBy, &stat, &resolution, &trail, &health)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	for _, col := range []struct {
		src sql.NullString
		dst any
	}{
		{local, &c.LocalVersion},
		{server, &c.ServerVersion},
		{fields, &c.ConflictFields},
		{resolution, &c.Resolution},
		{trail, &c.AuditTrail},
	} {
		if err := unmarshalColumn(col.src, col.dst); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
		}
	}

	c.EntityType = models.EntityType(entityType)
	c.ConflictType = models.ConflictType(conflictType)
	c.Severity = models.Severity(severity)
	c.Status = models.ConflictStatus(stat)
	c.DetectedAt = fromNanos(detectedAt)
	c.HealthEmergency = health != 0
	return &c, nil
}
