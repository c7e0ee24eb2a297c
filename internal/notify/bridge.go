package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
	"github.com/kimhsiao/reliefsync/backend/internal/uuid"
)

// Config controls the bridge.
type Config struct {
	MaxPerMinute      int           // per sliding minute; 0 disables the limit
	BatchWindow       time.Duration // collect failures this long; 0 delivers each at once
	DefaultDuration   time.Duration
	EmergencyDuration time.Duration
	RetrySuccess      bool // confirm uploads that succeeded after a failure
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerMinute:      10,
		BatchWindow:       2 * time.Second,
		DefaultDuration:   4 * time.Second,
		EmergencyDuration: 7 * time.Second,
		RetrySuccess:      true,
	}
}

// Stats counts what the bridge did with events.
type Stats struct {
	Delivered  int `json:"delivered"`
	Suppressed int `json:"suppressed"`
	Batched    int `json:"batched"` // failures folded into batch notifications
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock sets the clock the rate limiter reads.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge observes the sync engine and emits notifications. At most
// MaxPerMinute notifications go out in any sliding minute; excess events are
// dropped, never queued. CRITICAL conflict alerts bypass the limit.
type Bridge struct {
	sink Sink
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	sent    []time.Time // delivery times inside the current window
	pending []*models.QueueItem
	timer   *time.Timer
	online  bool
	stats   Stats

	log *logging.Logger
}

// NewBridge creates a Bridge delivering to sink.
func NewBridge(sink Sink, cfg Config, opts ...Option) *Bridge {
	def := DefaultConfig()
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.EmergencyDuration <= 0 {
		cfg.EmergencyDuration = def.EmergencyDuration
	}

	b := &Bridge{
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		online: true,
		log:    logging.Component("notify"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnQueueChange is subscribed to the queue.
func (b *Bridge) OnQueueChange(ch queue.Change) {
	switch ch.Kind {
	case queue.ChangeFailed:
		b.failed(ch.Item)
	case queue.ChangeCompleted, queue.ChangeSynced:
		if b.cfg.RetrySuccess && ch.Previous != nil && ch.Previous.RetryCount > 0 {
			b.emit(b.retrySuccess(ch.Item, ch.Previous.RetryCount), false)
		}
	}
}

func (b *Bridge) failed(item *models.QueueItem) {
	if item == nil {
		return
	}
	// Health emergencies are never folded into a batch.
	if item.HealthEmergency || b.cfg.BatchWindow <= 0 {
		b.emit(b.failure(item), false)
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, item)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.BatchWindow, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers buffered failures as one notification.
func (b *Bridge) Flush() {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(items) > 1 {
		b.stats.Batched += len(items)
	}
	b.mu.Unlock()

	switch len(items) {
	case 0:
	case 1:
		b.emit(b.failure(items[0]), false)
	default:
		b.emit(b.batchFailure(items), false)
	}
}

// ConflictDetected raises an immediate alert for CRITICAL conflicts. Lower
// severities only show up in the pending list.
func (b *Bridge) ConflictDetected(c *models.Conflict) {
	if c == nil || c.Severity != models.SeverityCritical {
		return
	}
	b.emit(Notification{
		Kind:       KindCriticalConflict,
		Title:      "Critical sync conflict",
		Message:    fmt.Sprintf("%s %s changed on the server; fields: %v", c.EntityType, c.EntityID, c.ConflictFields),
		Persistent: true,
		Emergency:  c.HealthEmergency,
		ItemIDs:    []string{c.QueueItemID},
		ConflictID: c.ID,
		EntityType: c.EntityType,
		Severity:   c.Severity,
	}, true)
}

// ConnectivityChanged emits ONLINE or OFFLINE when the state flips.
func (b *Bridge) ConnectivityChanged(online bool) {
	b.mu.Lock()
	changed := b.online != online
	b.online = online
	b.mu.Unlock()
	if !changed {
		return
	}

	n := Notification{Kind: KindOnline, Title: "Back online", Message: "Queued changes will sync now"}
	if !online {
		n = Notification{Kind: KindOffline, Title: "Offline", Message: "Changes are saved and will sync when the connection returns"}
	}
	b.emit(n, false)
}

// Stats returns delivery counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// allow reports whether one more notification fits in the window ending at
// now, and records it if so. Callers hold b.mu.
func (b *Bridge) allow(now time.Time) bool {
	if b.cfg.MaxPerMinute <= 0 {
		return true
	}
	cutoff := now.Add(-time.Minute)
	keep := b.sent[:0]
	for _, at := range b.sent {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	b.sent = keep
	if len(b.sent) >= b.cfg.MaxPerMinute {
		return false
	}
	b.sent = append(b.sent, now)
	return true
}

func (b *Bridge) emit(n Notification, bypassLimit bool) {
	now := b.now()
	b.mu.Lock()
	if !bypassLimit && !b.allow(now) {
		b.stats.Suppressed++
		b.mu.Unlock()
		b.log.Debug("Notification suppressed", map[string]interface{}{"kind": string(n.Kind)})
		return
	}
	b.stats.Delivered++
	b.mu.Unlock()

	n.ID = uuid.New()
	n.At = now
	if n.Duration == 0 && !n.Persistent {
		n.Duration = b.cfg.DefaultDuration
		if n.Emergency {
			n.Duration = b.cfg.EmergencyDuration
		}
	}

	if b.sink != nil {
		b.sink.Notify(n)
	}
}

func (b *Bridge) failure(item *models.QueueItem) Notification {
	title := "Sync failed"
	if item.HealthEmergency {
		title = "Health emergency sync failed"
	}
	return Notification{
		Kind:       KindFailure,
		Title:      title,
		Message:    fmt.Sprintf("%s %s: %s", item.Type, item.EntityID, item.Error),
		Emergency:  item.HealthEmergency,
		ItemIDs:    []string{item.ID},
		EntityType: item.Type,
	}
}

func (b *Bridge) batchFailure(items []*models.QueueItem) Notification {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return Notification{
		Kind:    KindBatchFailure,
		Title:   "Sync failed",
		Message: fmt.Sprintf("%d items failed to sync and will be retried", len(items)),
		ItemIDs: ids,
	}
}

func (b *Bridge) retrySuccess(item *models.QueueItem, retries int) Notification {
	return Notification{
		Kind:       KindRetrySuccess,
		Title:      "Sync recovered",
		Message:    fmt.Sprintf("%s %s synced after %d retries", item.Type, item.EntityID, retries),
		Emergency:  item.HealthEmergency,
		ItemIDs:    []string{item.ID},
		EntityType: item.Type,
	}
}
