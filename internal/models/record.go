package models

import (
	"encoding/json"
	"time"
)

// Record is a versioned snapshot of an entity. It is the canonical server form
// handled by the persistence service and the local/server versions kept on a
// Conflict.
type Record struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Deleted    bool       `json:"deleted,omitempty"`
	Payload    Payload    `json:"payload"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Fields returns the first-level fields used for conflict diffing: the payload
// body fields plus the deletion marker.
func (r *Record) Fields() map[string]json.RawMessage {
	if r == nil {
		return map[string]json.RawMessage{}
	}
	fields := r.Payload.Fields()
	if r.Deleted {
		fields["deleted"] = json.RawMessage("true")
	} else {
		fields["deleted"] = json.RawMessage("false")
	}
	return fields
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = r.Payload.Clone()
	return &c
}
