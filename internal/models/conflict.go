package models

import "time"

// AuditEntry is one append-only line in a conflict's audit trail.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Details     string    `json:"details,omitempty"`
}

// Audit trail actions.
const (
	AuditDetected = "DETECTED"
	AuditNote     = "NOTE"
)

// AuditResolvedAction returns the audit action recorded for a resolution strategy.
func AuditResolvedAction(s ResolutionStrategy) string {
	return "RESOLVED_" + string(s)
}

// Resolution is the decision applied to a resolved conflict.
type Resolution struct {
	Strategy      ResolutionStrategy `json:"strategy"`
	ResolvedBy    string             `json:"resolved_by"`
	ResolvedAt    time.Time          `json:"resolved_at"`
	Justification string             `json:"justification,omitempty"`
}

// Conflict is a detected divergence between a queued local mutation and the
// server's current version of the same entity.
type Conflict struct {
	ID              string         `db:"id" json:"id"`
	QueueItemID     string         `db:"queue_item_id" json:"queue_item_id"`
	EntityType      EntityType     `db:"entity_type" json:"entity_type"`
	EntityID        string         `db:"entity_id" json:"entity_id"`
	ConflictType    ConflictType   `db:"conflict_type" json:"conflict_type"`
	Severity        Severity       `db:"severity" json:"severity"`
	LocalVersion    *Record        `db:"local_version" json:"local_version"`
	ServerVersion   *Record        `db:"server_version" json:"server_version"`
	ConflictFields  []string       `db:"conflict_fields" json:"conflict_fields"`
	DetectedAt      time.Time      `db:"detected_at" json:"detected_at"`
	DetectedBy      string         `db:"detected_by" json:"detected_by"`
	Status          ConflictStatus `db:"status" json:"status"`
	Resolution      *Resolution    `db:"resolution" json:"resolution,omitempty"`
	AuditTrail      []AuditEntry   `db:"audit_trail" json:"audit_trail"`
	HealthEmergency bool           `db:"health_emergency" json:"health_emergency"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// Resolved reports whether the conflict reached its terminal state.
func (c *Conflict) Resolved() bool {
	return c.Status == ConflictResolved
}

// Clone returns a deep copy of the conflict.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.LocalVersion = c.LocalVersion.Clone()
	out.ServerVersion = c.ServerVersion.Clone()
	out.ConflictFields = append([]string(nil), c.ConflictFields...)
	out.AuditTrail = append([]AuditEntry(nil), c.AuditTrail...)
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	return &out
}
