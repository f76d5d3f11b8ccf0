package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/catalogsync/internal/errors"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	err   error
	block chan struct{}
	ran   chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan struct{}, 16)}
}

func (r *fakeRunner) Run(ctx context.Context) (*syncpkg.Report, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	r.runs++
	err := r.err
	r.mu.Unlock()
	select {
	case r.ran <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.Report{State: syncpkg.RunStateCompleted, Uploaded: 1}, nil
}

func (r *fakeRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type fakeWork struct {
	mu      sync.Mutex
	pending int
	notify  chan struct{}
}

func newFakeWork() *fakeWork {
	return &fakeWork{notify: make(chan struct{}, 1)}
}

func (w *fakeWork) Notify() <-chan struct{} { return w.notify }

func (w *fakeWork) PendingCount(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending, nil
}

func (w *fakeWork) Stats(context.Context) (queue.Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return queue.Stats{Pending: w.pending}, nil
}

func (w *fakeWork) setPending(n int) {
	w.mu.Lock()
	w.pending = n
	w.mu.Unlock()
}

func waitRun(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync run")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func createTestScheduler(syncInterval, queueInterval time.Duration) (*fakeRunner, *fakeWork, *Scheduler) {
	r := newFakeRunner()
	w := newFakeWork()
	s := NewScheduler(r, w, &SchedulerConfig{
		SyncInterval:  syncInterval,
		QueueInterval: queueInterval,
		RunTimeout:    time.Second,
	})
	return r, w, s
}

// =====================================================
// Config Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if config.QueueInterval != time.Minute {
		t.Errorf("QueueInterval = %v, want 1m", config.QueueInterval)
	}
	if config.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v, want 5m", config.RunTimeout)
	}
}

func TestNewScheduler_FillsDefaults(t *testing.T) {
	s := NewScheduler(newFakeRunner(), newFakeWork(), &SchedulerConfig{})
	if s.syncInterval != 15*time.Minute {
		t.Errorf("syncInterval = %v, want 15m", s.syncInterval)
	}
	if s.queueInterval != time.Minute {
		t.Errorf("queueInterval = %v, want 1m", s.queueInterval)
	}
	if !s.IsOnline() {
		t.Error("new scheduler should start online")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestStartStop(t *testing.T) {
	_, _, s := createTestScheduler(time.Hour, time.Hour)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Fatal("scheduler should be running after Start")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}

	s.Start(ctx)
	if !s.IsRunning() {
		t.Error("scheduler should restart after Stop")
	}
	s.Stop()
}

func TestPeriodicSync(t *testing.T) {
	r, _, s := createTestScheduler(20*time.Millisecond, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	waitRun(t, r)
	waitRun(t, r)
	if r.count() < 2 {
		t.Errorf("runs = %d, want at least 2", r.count())
	}
}

func TestQueueNotificationTriggersSync(t *testing.T) {
	r, w, s := createTestScheduler(time.Hour, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	w.notify <- struct{}{}
	waitRun(t, r)
}

func TestQueuePollRunsOnlyWithPendingWork(t *testing.T) {
	r, w, s := createTestScheduler(time.Hour, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if r.count() != 0 {
		t.Fatalf("runs = %d with an empty queue, want 0", r.count())
	}

	w.setPending(3)
	waitRun(t, r)
}

func TestOfflineSkipsQueueDrivenSync(t *testing.T) {
	r, w, s := createTestScheduler(time.Hour, 10*time.Millisecond)
	w.setPending(1)
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if r.count() != 0 {
		t.Fatalf("runs = %d while offline, want 0", r.count())
	}

	s.SetOnlineStatus(true)
	waitRun(t, r)
}

func TestNetworkFailureGoesOffline(t *testing.T) {
	r, w, s := createTestScheduler(time.Hour, 5*time.Millisecond)
	r.setErr(errors.Network(stderrors.New("dial tcp: connection refused")))
	w.setPending(1)
	s.Start(context.Background())
	defer s.Stop()

	waitRun(t, r)
	waitFor(t, func() bool { return !s.IsOnline() })

	time.Sleep(40 * time.Millisecond)
	if r.count() != 1 {
		t.Errorf("runs = %d, queued work should wait while offline", r.count())
	}

	r.setErr(nil)
	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if !s.IsOnline() {
		t.Error("a successful batch should bring the scheduler back online")
	}
	waitRun(t, r)
}

func TestPeriodicSyncRunsWhileOffline(t *testing.T) {
	r, _, s := createTestScheduler(10*time.Millisecond, time.Hour)
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	waitRun(t, r)
	waitFor(t, s.IsOnline)
}

func TestNonTransientFailureStaysOnline(t *testing.T) {
	r, _, s := createTestScheduler(time.Hour, time.Hour)
	r.setErr(errors.New(errors.ErrNotAuthenticated, "token rejected"))

	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() should fail")
	}
	if !s.IsOnline() {
		t.Error("an authentication failure is not a connectivity loss")
	}

	r.setErr(errors.New(errors.ErrSyncInProgress, "busy"))
	s.SyncNow(context.Background())
	if !s.IsOnline() {
		t.Error("a concurrent batch is not a connectivity loss")
	}
}

// =====================================================
// Manual Trigger Tests
// =====================================================

func TestTriggerSync_RejectsOverlap(t *testing.T) {
	r, _, s := createTestScheduler(time.Hour, time.Hour)
	r.block = make(chan struct{})

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first TriggerSync should start a run")
	}
	if s.TriggerSync(context.Background()) {
		t.Error("second TriggerSync should be rejected while a run is in progress")
	}
	if !s.GetStatus(context.Background()).SyncInProgress {
		t.Error("status should report a sync in progress")
	}

	close(r.block)
	waitRun(t, r)
	s.wg.Wait()
	if s.GetStatus(context.Background()).SyncInProgress {
		t.Error("sync should no longer be in progress")
	}
}

func TestSyncNow(t *testing.T) {
	_, w, s := createTestScheduler(time.Hour, time.Hour)
	w.setPending(2)

	report, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if report.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", report.Uploaded)
	}

	status := s.GetStatus(context.Background())
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful run")
	}
	if status.LastReport != report {
		t.Error("LastReport should be the report of the last run")
	}
	if status.QueueStats == nil || status.QueueStats.Pending != 2 {
		t.Errorf("QueueStats = %+v, want 2 pending", status.QueueStats)
	}
}

func TestSyncNow_RecordsFailure(t *testing.T) {
	r, _, s := createTestScheduler(time.Hour, time.Hour)
	r.err = errors.New(errors.ErrNotAuthenticated, "token rejected")

	_, err := s.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrNotAuthenticated) {
		t.Fatalf("SyncNow() error = %v, want NOT_AUTHENTICATED", err)
	}

	status := s.GetStatus(context.Background())
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should stay unset after a failed run")
	}
	if status.LastError == "" {
		t.Error("LastError should be recorded")
	}
}
