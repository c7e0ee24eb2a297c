// Package models provides data model definitions for the reliefsync engine.
package models

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of record a queue item or conflict refers to.
type EntityType string

const (
	EntityAssessment EntityType = "ASSESSMENT"
	EntityResponse   EntityType = "RESPONSE"
	EntityMedia      EntityType = "MEDIA"
	EntityIncident   EntityType = "INCIDENT"
	EntityEntity     EntityType = "ENTITY"
)

// EntityTypes lists every supported entity type in display order.
var EntityTypes = []EntityType{EntityAssessment, EntityResponse, EntityMedia, EntityIncident, EntityEntity}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, v := range EntityTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Action is the mutation a queue item carries.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Priority is the coarse, operator or rule assigned bucket of a queue item.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is a known priority bucket.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// QueueStatus is derived from a queue item's retry count, error and synced flag.
// It is never stored.
type QueueStatus string

const (
	StatusPending QueueStatus = "PENDING"
	StatusSyncing QueueStatus = "SYNCING"
	StatusFailed  QueueStatus = "FAILED"
	StatusSynced  QueueStatus = "SYNCED"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	return s == StatusPending || s == StatusSyncing || s == StatusFailed || s == StatusSynced
}

// DeriveStatus computes a queue item's status.
//
// SYNCED is only reported for items explicitly flagged as synced; there is no
// fallback branch reaching it.
func DeriveStatus(retryCount int, lastError string, synced bool) QueueStatus {
	switch {
	case synced:
		return StatusSynced
	case lastError != "":
		return StatusFailed
	case retryCount > 0:
		return StatusSyncing
	default:
		return StatusPending
	}
}

// ConflictType classifies how a local mutation diverged from the server.
type ConflictType string

const (
	ConflictTimestamp  ConflictType = "TIMESTAMP"
	ConflictFieldLevel ConflictType = "FIELD_LEVEL"
	ConflictDeletion   ConflictType = "DELETION"
)

// Severity ranks a conflict for the coordinator queue.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the ordinal of s (LOW=0 ... CRITICAL=3), or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Escalate raises s by n levels, capped at CRITICAL.
func (s Severity) Escalate(n int) Severity {
	r := s.Rank() + n
	if r < 0 {
		r = 0
	}
	if r >= len(severityOrder) {
		r = len(severityOrder) - 1
	}
	return severityOrder[r]
}

// ConflictStatus is the conflict state machine: PENDING -> RESOLVED, no way back.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "PENDING"
	ConflictResolved ConflictStatus = "RESOLVED"
)

// ResolutionStrategy is how a conflict is reconciled.
type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "SERVER_WINS"
	StrategyLocalWins  ResolutionStrategy = "LOCAL_WINS"

	// Recognized but not offered in this version.
	StrategyMerge  ResolutionStrategy = "MERGE"
	StrategyManual ResolutionStrategy = "MANUAL"
)

// Supported reports whether the strategy may be applied in this version.
func (s ResolutionStrategy) Supported() bool {
	return s == StrategyServerWins || s == StrategyLocalWins
}

// Known reports whether the strategy is recognized at all.
func (s ResolutionStrategy) Known() bool {
	return s.Supported() || s == StrategyMerge || s == StrategyManual
}

// parseEnum upper-cases and trims raw, returning it if it is in allowed.
func parseEnum[T ~string](kind, raw string, valid func(T) bool) (T, error) {
	v := T(strings.ToUpper(strings.TrimSpace(raw)))
	if !valid(v) {
		var zero T
		return zero, fmt.Errorf("unknown %s %q", kind, raw)
	}
	return v, nil
}

// ParseEntityType parses a case-insensitive entity type.
func ParseEntityType(raw string) (EntityType, error) {
	return parseEnum("entity type", raw, EntityType.Valid)
}

// ParsePriority parses a case-insensitive priority bucket.
func ParsePriority(raw string) (Priority, error) {
	return parseEnum("priority", raw, Priority.Valid)
}

// ParseStatus parses a case-insensitive queue status.
func ParseStatus(raw string) (QueueStatus, error) {
	return parseEnum("status", raw, QueueStatus.Valid)
}

// ParseSeverity parses a case-insensitive conflict severity.
func ParseSeverity(raw string) (Severity, error) {
	return parseEnum("severity", raw, Severity.Valid)
}
