// Package notify turns queue and conflict transitions into user-facing
// notifications and fans them out to sinks.
package notify

import (
	"time"

	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// Kind identifies a notification.
type Kind string

const (
	KindFailure          Kind = "FAILURE"
	KindBatchFailure     Kind = "BATCH_FAILURE"
	KindRetrySuccess     Kind = "RETRY_SUCCESS"
	KindCriticalConflict Kind = "CRITICAL_CONFLICT"
	KindOffline          Kind = "OFFLINE"
	KindOnline           Kind = "ONLINE"
)

// Notification is one structured event for the UI.
type Notification struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Duration   time.Duration     `json:"-"`
	Persistent bool              `json:"persistent,omitempty"` // stays until dismissed
	Emergency  bool              `json:"emergency,omitempty"`
	ItemIDs    []string          `json:"item_ids,omitempty"`
	ConflictID string            `json:"conflict_id,omitempty"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	Severity   models.Severity   `json:"severity,omitempty"`
	At         time.Time         `json:"at"`
}

// Sink receives notifications. Implementations must not block for long.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Notification)

// Notify calls f(n).
func (f SinkFunc) Notify(n Notification) { f(n) }

// MultiSink delivers to every sink in order.
type MultiSink []Sink

// Notify implements Sink.
func (m MultiSink) Notify(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{log: logging.Component("notify")}
}

// Notify implements Sink.
func (s *LogSink) Notify(n Notification) {
	ctx := map[string]interface{}{
		"kind":      string(n.Kind),
		"title":     n.Title,
		"message":   n.Message,
		"emergency": n.Emergency,
	}
	if len(n.ItemIDs) > 0 {
		ctx["item_ids"] = n.ItemIDs
	}
	if n.ConflictID != "" {
		ctx["conflict_id"] = n.ConflictID
	}
	switch n.Kind {
	case KindFailure, KindBatchFailure, KindCriticalConflict, KindOffline:
		s.log.Warn("Notification", ctx)
	default:
		s.log.Info("Notification", ctx)
	}
}
