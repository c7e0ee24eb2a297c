// Package scheduler runs sync passes and conflict refreshes in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/reliefsync/backend/internal/sync"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// Refresher reloads conflicts from durable storage. conflict.Resolver implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// QueueSummary reports queue counts. queue.Queue implements it.
type QueueSummary interface {
	Summary() queue.Summary
}

// ConnectivityObserver is told when the device goes on or off line.
type ConnectivityObserver interface {
	ConnectivityChanged(online bool)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	runner           syncpkg.Runner
	conflicts        Refresher
	queue            QueueSummary
	observer         ConnectivityObserver
	syncInterval     time.Duration
	conflictInterval time.Duration
	passTimeout      time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.RWMutex
	isRunning        bool
	isOnline         bool
	autoRefresh      bool
	lastSyncTime     time.Time
	lastRefreshTime  time.Time
	syncInProgress   bool
	log              *logging.Logger
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval     time.Duration // How often to run a sync pass when online (default: 30 seconds)
	ConflictInterval time.Duration // How often to reload conflicts (default: 30 seconds)
	PassTimeout      time.Duration // Upper bound on one scheduled pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:     30 * time.Second,
		ConflictInterval: 30 * time.Second,
		PassTimeout:      5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. conflicts and q may be nil.
func NewScheduler(runner syncpkg.Runner, conflicts Refresher, q QueueSummary, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		runner:           runner,
		conflicts:        conflicts,
		queue:            q,
		syncInterval:     config.SyncInterval,
		conflictInterval: config.ConflictInterval,
		passTimeout:      config.PassTimeout,
		stopCh:           make(chan struct{}),
		isOnline:         true, // Assume online initially
		autoRefresh:      true,
		log:              logging.Component("scheduler"),
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.conflictInterval <= 0 {
		s.conflictInterval = def.ConflictInterval
	}
	if s.passTimeout <= 0 {
		s.passTimeout = def.PassTimeout
	}
	return s
}

// SetConnectivityObserver registers the observer told about online changes.
func (s *Scheduler) SetConnectivityObserver(o ConnectivityObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stop)
	go s.conflictRefreshLoop(ctx, stop)

	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":     s.syncInterval.String(),
		"conflict_interval": s.conflictInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit. A pass already
// in flight finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Passes are skipped while offline;
// coming back online triggers one immediately.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	observer := s.observer
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.log.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if observer != nil {
		observer.ConnectivityChanged(isOnline)
	}
	if isOnline {
		s.TriggerSync(ctx)
	}
}

// SetAutoRefresh pauses or resumes the periodic sync loop. Manual triggers
// keep working either way.
func (s *Scheduler) SetAutoRefresh(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRefresh = enabled
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.mu.RLock()
			skip := !s.isOnline || !s.autoRefresh || s.syncInProgress
			s.mu.RUnlock()
			if skip {
				continue
			}
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) conflictRefreshLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	if s.conflicts == nil {
		return
	}

	ticker := time.NewTicker(s.conflictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.conflicts.Refresh(ctx); err != nil {
				s.log.Error("Conflict refresh failed", err, nil)
				continue
			}
			s.mu.Lock()
			s.lastRefreshTime = time.Now()
			s.mu.Unlock()
		}
	}
}

// runSync executes one scheduled pass.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.runner.RunPass(syncCtx)
	if err != nil {
		s.log.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval": s.syncInterval.String()})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	if result.Attempted > 0 {
		s.log.Info("Periodic sync completed", map[string]interface{}{
			"uploaded":  result.Uploaded,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
	}
}

// TriggerSync starts a pass in the background (the manual refresh). It
// returns false while offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	s.runner.Trigger(ctx)
	return true
}

// SyncNow runs a pass and waits for it, regardless of connectivity.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.runner.RunPass(syncCtx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	s.log.Info("Manual sync completed", map[string]interface{}{
		"uploaded":  result.Uploaded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool                   `json:"is_running"`
	IsOnline        bool                   `json:"is_online"`
	AutoRefresh     bool                   `json:"auto_refresh"`
	SyncInProgress  bool                   `json:"sync_in_progress"`
	LastSyncTime    *time.Time             `json:"last_sync_time,omitempty"`
	LastRefreshTime *time.Time             `json:"last_refresh_time,omitempty"`
	Executor        syncpkg.ExecutorStatus `json:"executor"`
	Queue           *queue.Summary         `json:"queue,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		AutoRefresh:    s.autoRefresh,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastRefreshTime.IsZero() {
		t := s.lastRefreshTime
		status.LastRefreshTime = &t
	}
	s.mu.RUnlock()

	status.Executor = s.runner.Status()
	status.SyncInProgress = status.SyncInProgress || status.Executor.Running > 0
	if s.queue != nil {
		sum := s.queue.Summary()
		status.Queue = &sum
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
