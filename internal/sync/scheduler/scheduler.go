// Package scheduler runs sync batches in the background: periodically, and
// whenever the operation queue has work waiting while the remote is
// reachable.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
)

// Runner runs one sync batch.
type Runner interface {
	Run(ctx context.Context) (*syncpkg.Report, error)
}

// WorkSource reports queued work.
type WorkSource interface {
	Notify() <-chan struct{}
	PendingCount(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Scheduler manages background sync batches.
type Scheduler struct {
	engine        Runner
	queue         WorkSource
	syncInterval  time.Duration
	queueInterval time.Duration
	runTimeout    time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	isOnline      bool
	lastSyncTime  time.Time
	lastReport    *syncpkg.Report
	lastErr       error
	inProgress    bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // full batch cadence while online (default: 15 minutes)
	QueueInterval time.Duration // how often the queue is polled for due retries (default: 1 minute)
	RunTimeout    time.Duration // upper bound on one batch (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
		RunTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Runner, q WorkSource, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:        engine,
		queue:         q,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		runTimeout:    config.RunTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.queueInterval <= 0 {
		s.queueInterval = def.QueueInterval
	}
	if s.runTimeout <= 0 {
		s.runTimeout = def.RunTimeout
	}
	return s
}

// Start starts the background loops. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the loops and waits for an in-flight batch to return.
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
	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. While offline the periodic and
// manual batches still run and act as connectivity checks; queue-driven
// batches wait until the scheduler is back online. The scheduler also
// switches status on its own after each batch.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryRun(ctx, "periodic", true)
		}
	}
}

// queueLoop starts a batch when work is enqueued, and polls on
// queueInterval so retries that come due are picked up.
func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.queue.Notify():
			s.tryRun(ctx, "enqueued", false)
		case <-ticker.C:
			n, err := s.queue.PendingCount(ctx)
			if err != nil {
				logging.Error("Failed to count pending operations", err, nil)
				continue
			}
			if n > 0 {
				s.tryRun(ctx, "queue", false)
			}
		}
	}
}

// tryRun runs a batch unless one is already running. Unless ignoreOffline
// is set it also waits while offline.
func (s *Scheduler) tryRun(ctx context.Context, trigger string, ignoreOffline bool) bool {
	if !s.begin(ignoreOffline) {
		logging.Debug("Skipping sync", map[string]interface{}{"trigger": trigger})
		return false
	}
	defer s.end()
	s.run(ctx, trigger)
	return true
}

func (s *Scheduler) begin(ignoreOffline bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (!s.isOnline && !ignoreOffline) || s.inProgress {
		return false
	}
	s.inProgress = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, trigger string) (*syncpkg.Report, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	report, err := s.engine.Run(runCtx)

	s.mu.Lock()
	s.lastErr = err
	if report != nil {
		s.lastReport = report
	}
	if err == nil {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if runCtx.Err() == nil {
		switch {
		case unreachable(report, err):
			s.SetOnlineStatus(false)
		case err == nil:
			s.SetOnlineStatus(true)
		}
	}

	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already running elsewhere", map[string]interface{}{"trigger": trigger})
			return report, err
		}
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return report, err
	}
	logging.Info("Scheduled sync completed", map[string]interface{}{
		"trigger":    trigger,
		"uploaded":   report.Uploaded,
		"downloaded": report.Downloaded,
		"conflicts":  report.Conflicts,
		"failed":     report.Failed,
	})
	return report, nil
}

// unreachable reports whether a batch outcome means the remote could not be
// reached.
func unreachable(report *syncpkg.Report, err error) bool {
	if err != nil {
		return errors.KindOf(err) == errors.KindTransient
	}
	return report != nil && report.Unreachable()
}

// TriggerSync starts an immediate batch in the background, also while
// offline. It returns false when a batch is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin(true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		s.run(ctx, "manual")
	}()
	return true
}

// SyncNow runs a batch and waits for it. Offline status is ignored.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Report, error) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a sync batch is already running")
	}
	s.inProgress = true
	s.mu.Unlock()
	defer s.end()

	return s.run(ctx, "sync_now")
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool            `json:"is_running"`
	IsOnline       bool            `json:"is_online"`
	SyncInProgress bool            `json:"sync_in_progress"`
	LastSyncTime   *time.Time      `json:"last_sync_time,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastReport     *syncpkg.Report `json:"last_report,omitempty"`
	QueueStats     *queue.Stats    `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.inProgress,
		LastReport:     s.lastReport,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	if stats, err := s.queue.Stats(ctx); err == nil {
		status.QueueStats = &stats
	} else {
		logging.Error("Failed to read queue stats", err, nil)
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
