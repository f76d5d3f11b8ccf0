package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/catalogsync/internal/logging"
)

// Interval defines how often the archive job runs.
type Interval string

const (
	IntervalManual  Interval = "manual"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

// ParseInterval accepts the named intervals; empty means manual.
func ParseInterval(s string) (Interval, error) {
	switch i := Interval(s); i {
	case "":
		return IntervalManual, nil
	case IntervalManual, IntervalDaily, IntervalWeekly, IntervalMonthly:
		return i, nil
	}
	return "", fmt.Errorf("unknown archive interval %q", s)
}

// Duration returns the tick period. Manual has none.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", i)
	}
}

// Job archives audit entries older than a cutoff.
type Job interface {
	Archive(ctx context.Context, before time.Time) (*Result, error)
}

// Pruner removes completed queue operations older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval  Interval      // how often to archive
	RetainFor time.Duration // audit entries and completed operations younger than this stay local
}

// Scheduler runs the archive job on a fixed interval and applies the local
// retention window.
type Scheduler struct {
	job    Job
	pruner Pruner
	config SchedulerConfig
	now    func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates an archive scheduler. pruner may be nil.
func NewScheduler(job Job, pruner Pruner, config SchedulerConfig) *Scheduler {
	if config.Interval == "" {
		config.Interval = IntervalManual
	}
	if config.RetainFor <= 0 {
		config.RetainFor = 90 * 24 * time.Hour
	}
	return &Scheduler{job: job, pruner: pruner, config: config, now: time.Now}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.config
}

// Start begins periodic archiving. In manual mode it does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		logging.Info("Archive scheduler in manual mode, automatic archiving disabled", nil)
		return nil
	}
	period, err := s.config.Interval.Duration()
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	logging.Info("Archive scheduler started", map[string]interface{}{
		"interval":   s.config.Interval,
		"retain_for": s.config.RetainFor.String(),
	})

	s.wg.Add(1)
	go s.loop(ctx, period, s.stopCh)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, period time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logging.Error("Scheduled archive failed", err, nil)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	logging.Info("Archive scheduler stopped", nil)
}

// RunOnce archives everything older than the retention window, then prunes
// completed operations past the same window. A prune failure is logged and
// does not fail the run.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	cutoff := s.now().Add(-s.config.RetainFor)
	result, err := s.job.Archive(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if s.pruner != nil {
		n, err := s.pruner.Prune(ctx, cutoff)
		if err != nil {
			logging.Error("Failed to prune completed operations", err, nil)
		} else if n > 0 {
			logging.Info("Pruned completed operations", map[string]interface{}{"count": n})
		}
	}
	logging.Info("Archive run completed", map[string]interface{}{
		"cutoff":  cutoff.Format(time.RFC3339),
		"entries": result.Entries,
		"key":     result.Key,
	})
	return result, nil
}
