// Package conflict detects divergence between queued local mutations and the
// server's records, and drives their resolution by a coordinator.
package conflict

import (
	"bytes"
	"sort"
	"time"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/uuid"
)

// DefaultSensitiveFields lists, per entity type, the fields whose divergence
// raises a conflict's severity by one level.
func DefaultSensitiveFields() map[models.EntityType][]string {
	return map[models.EntityType][]string{
		models.EntityAssessment: {"status", "verification_status", "assessment_type", "affected_persons"},
		models.EntityResponse:   {"status", "verification_status", "items", "delivered_date"},
		models.EntityIncident:   {"status", "severity", "incident_type"},
		models.EntityMedia:      {"checksum"},
		models.EntityEntity:     {"latitude", "longitude"},
	}
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithSensitiveFields replaces the sensitive field table.
func WithSensitiveFields(fields map[models.EntityType][]string) DetectorOption {
	return func(d *Detector) { d.sensitive = indexFields(fields) }
}

// WithDetectorClock replaces time.Now for DetectedAt.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// Detector classifies a rejected upload into a Conflict.
type Detector struct {
	sensitive map[models.EntityType]map[string]bool
	now       func() time.Time
}

// NewDetector creates a Detector with the default sensitive fields.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		sensitive: indexFields(DefaultSensitiveFields()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func indexFields(fields map[models.EntityType][]string) map[models.EntityType]map[string]bool {
	out := make(map[models.EntityType]map[string]bool, len(fields))
	for t, names := range fields {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[n] = true
		}
		out[t] = set
	}
	return out
}

// Detect builds a PENDING conflict for item against the server's current
// record. A nil server record means the entity no longer exists remotely.
func (d *Detector) Detect(item *models.QueueItem, server *models.Record, actor string) *models.Conflict {
	local := item.LocalRecord()
	if server == nil {
		server = &models.Record{EntityType: item.Type, EntityID: item.EntityID, Deleted: true}
	} else {
		server = server.Clone()
	}

	fields := DiffFields(local, server)
	kind := Classify(local, server)
	severity := d.Severity(kind, item.Type, fields, item.HealthEmergency)
	now := d.now()

	return &models.Conflict{
		ID:              uuid.New(),
		QueueItemID:     item.ID,
		EntityType:      item.Type,
		EntityID:        item.EntityID,
		ConflictType:    kind,
		Severity:        severity,
		LocalVersion:    local,
		ServerVersion:   server,
		ConflictFields:  fields,
		DetectedAt:      now,
		DetectedBy:      actor,
		Status:          models.ConflictPending,
		HealthEmergency: item.HealthEmergency,
		AuditTrail: []models.AuditEntry{{
			Timestamp:   now,
			Action:      models.AuditDetected,
			PerformedBy: actor,
			Details:     string(kind) + " conflict on " + string(item.Type) + " " + item.EntityID,
		}},
	}
}

// Classify returns DELETION when exactly one side is deleted or a local
// delete races a newer server version, TIMESTAMP when the server moved past
// the local base version, and FIELD_LEVEL otherwise.
func Classify(local, server *models.Record) models.ConflictType {
	newer := server.Version > local.Version
	switch {
	case local.Deleted != server.Deleted:
		return models.ConflictDeletion
	case local.Deleted && newer:
		return models.ConflictDeletion
	case newer:
		return models.ConflictTimestamp
	default:
		return models.ConflictFieldLevel
	}
}

// DiffFields returns the sorted first-level fields whose values differ.
func DiffFields(local, server *models.Record) []string {
	a, b := local.Fields(), server.Fields()
	diff := []string{}
	for k, av := range a {
		if bv, ok := b[k]; !ok || !bytes.Equal(av, bv) {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// Severity derives a conflict's severity from its type, escalated once for a
// sensitive field and once for a health emergency, capped at CRITICAL.
func (d *Detector) Severity(kind models.ConflictType, entityType models.EntityType, fields []string, healthEmergency bool) models.Severity {
	var s models.Severity
	switch kind {
	case models.ConflictDeletion:
		s = models.SeverityHigh
	case models.ConflictTimestamp:
		s = models.SeverityMedium
	default:
		s = models.SeverityLow
	}

	sensitive := d.sensitive[entityType]
	for _, f := range fields {
		if sensitive[f] {
			s = s.Escalate(1)
			break
		}
	}
	if healthEmergency {
		s = s.Escalate(1)
	}
	return s
}
