package models

import "time"

// PriorityRule contributes to the priority score of every queue item it matches.
// Empty or nil criteria match anything.
type PriorityRule struct {
	ID              string     `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Position        int        `db:"position" json:"position"`
	EntityType      EntityType `db:"entity_type" json:"entity_type,omitempty"`
	Role            string     `db:"role" json:"role,omitempty"`
	Priority        Priority   `db:"priority" json:"priority,omitempty"`
	MinAgeMinutes   int        `db:"min_age_minutes" json:"min_age_minutes,omitempty"`
	HealthEmergency *bool      `db:"health_emergency" json:"health_emergency,omitempty"`
	Contribution    float64    `db:"contribution" json:"contribution"`
	Override        bool       `db:"override" json:"override"` // replaces the running score instead of adding
	Enabled         bool       `db:"enabled" json:"enabled"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PriorityRule.
func (PriorityRule) TableName() string {
	return "priority_rules"
}

// PriorityOverride records a manual score override and its justification.
type PriorityOverride struct {
	ID            string    `db:"id" json:"id"`
	ItemID        string    `db:"item_id" json:"item_id"`
	PreviousScore float64   `db:"previous_score" json:"previous_score"`
	NewScore      float64   `db:"new_score" json:"new_score"`
	Justification string    `db:"justification" json:"justification"`
	PerformedBy   string    `db:"performed_by" json:"performed_by"`
	Active        bool      `db:"active" json:"active"` // false once cleared or superseded
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PriorityOverride.
func (PriorityOverride) TableName() string {
	return "priority_overrides"
}
