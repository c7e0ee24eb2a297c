package models

import (
	"encoding/json"
	"time"
)

// QueueItem is a pending local mutation awaiting upload.
type QueueItem struct {
	ID              string     `db:"id" json:"id"`
	Type            EntityType `db:"type" json:"type"`
	Action          Action     `db:"action" json:"action"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	Payload         Payload    `db:"payload" json:"payload"`
	Priority        Priority   `db:"priority" json:"priority"`
	PriorityScore   float64    `db:"priority_score" json:"priority_score"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	Error           string     `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	CreatedBy       string     `db:"created_by" json:"created_by,omitempty"`
	Role            string     `db:"role" json:"role,omitempty"`
	HealthEmergency bool       `db:"health_emergency" json:"health_emergency"`
	BaseVersion     int64      `db:"base_version" json:"base_version"`
	BlockedBy       string     `db:"blocked_by" json:"blocked_by,omitempty"` // pending conflict id
	Synced          bool       `db:"synced" json:"synced,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "queue_items"
}

// Status derives the item's status from its retry count, error and synced flag.
func (q *QueueItem) Status() QueueStatus {
	return DeriveStatus(q.RetryCount, q.Error, q.Synced)
}

// Blocked reports whether an unresolved conflict holds the item back from sync.
func (q *QueueItem) Blocked() bool {
	return q.BlockedBy != ""
}

// Clone returns a deep copy of the item.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	c.Payload = q.Payload.Clone()
	return &c
}

// LocalRecord returns the item's mutation as a record snapshot based on the
// server version the edit was made against.
func (q *QueueItem) LocalRecord() *Record {
	return &Record{
		EntityType: q.Type,
		EntityID:   q.EntityID,
		Version:    q.BaseVersion,
		UpdatedAt:  q.UpdatedAt,
		Deleted:    q.Action == ActionDelete,
		Payload:    q.Payload.Clone(),
	}
}

// MarshalJSON adds the derived status to the encoded item.
func (q QueueItem) MarshalJSON() ([]byte, error) {
	type alias QueueItem
	return json.Marshal(struct {
		alias
		Status QueueStatus `json:"status"`
	}{alias(q), q.Status()})
}
