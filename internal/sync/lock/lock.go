// Package lock implements the persisted per-target run lock that keeps at
// most one sync batch running.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// Config tunes staleness detection.
type Config struct {
	// StaleAfter is how long a holder may go without heartbeating before
	// another owner may reclaim the lock.
	StaleAfter time.Duration
	// HeartbeatInterval must be well below StaleAfter.
	HeartbeatInterval time.Duration
}

// Lock is a run lock for one target held under one owner token.
type Lock struct {
	repo   db.LockRepository
	target string
	owner  string
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
	lost atomic.Bool
}

// New creates a Lock. owner must be unique per process.
func New(repo db.LockRepository, target, owner string, cfg Config) *Lock {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.StaleAfter {
		cfg.HeartbeatInterval = cfg.StaleAfter / 4
	}
	return &Lock{repo: repo, target: target, owner: owner, cfg: cfg, now: time.Now}
}

// SetClock replaces the clock used for heartbeats and staleness.
func (l *Lock) SetClock(now func() time.Time) {
	l.now = now
}

// Owner returns the owner token.
func (l *Lock) Owner() string {
	return l.owner
}

// Acquire takes the lock or fails fast with SYNC_IN_PROGRESS when another
// live owner holds it. A stale holder is displaced. On success a heartbeat
// goroutine keeps the lock fresh until Release.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return apperrors.New(apperrors.ErrSyncInProgress, "sync run already in progress")
	}

	now := l.now().UTC()
	ok, err := l.repo.AcquireLock(ctx, l.target, l.owner, now, now.Add(-l.cfg.StaleAfter))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to acquire run lock", err)
	}
	if !ok {
		holder := ""
		if h, err := l.repo.GetLock(ctx, l.target); err == nil {
			holder = h.Owner
		}
		return apperrors.Newf(apperrors.ErrSyncInProgress, "sync target %s is locked by %s", l.target, holder)
	}

	l.held = true
	l.lost.Store(false)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeat(l.stop, l.done)

	logging.Debug("Run lock acquired", map[string]interface{}{"target": l.target, "owner": l.owner})
	return nil
}

func (l *Lock) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HeartbeatInterval)
			ok, err := l.repo.HeartbeatLock(ctx, l.target, l.owner, l.now().UTC())
			cancel()
			if err != nil {
				logging.Error("Run lock heartbeat failed", err, map[string]interface{}{"target": l.target})
				continue
			}
			if !ok {
				l.lost.Store(true)
				logging.ErrorWithCode("Run lock lost", string(apperrors.ErrLockLost), nil,
					map[string]interface{}{"target": l.target, "owner": l.owner})
				return
			}
		}
	}
}

// Lost reports whether another owner reclaimed the lock while it was held.
func (l *Lock) Lost() bool {
	return l.lost.Load()
}

// Release stops the heartbeat and drops the lock if still owned.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	close(l.stop)
	<-l.done
	l.held = false

	if err := l.repo.ReleaseLock(ctx, l.target, l.owner); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release run lock", err)
	}
	logging.Debug("Run lock released", map[string]interface{}{"target": l.target, "owner": l.owner})
	return nil
}

// Holder returns the current holder of the target, or nil when free.
func (l *Lock) Holder(ctx context.Context) (*models.SyncLock, error) {
	h, err := l.repo.GetLock(ctx, l.target)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read run lock", err)
	}
	return h, nil
}
