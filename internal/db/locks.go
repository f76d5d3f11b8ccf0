package db

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// AcquireLock takes the run lock for target. It succeeds when the lock is
// free, already held by owner, or its heartbeat is older than staleBefore.
func (r *Repository) AcquireLock(ctx context.Context, target, owner string, now, staleBefore time.Time) (bool, error) {
	query := `
	INSERT INTO sync_locks (target, owner, acquired_at, heartbeat_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(target) DO UPDATE SET
		owner = excluded.owner,
		acquired_at = excluded.acquired_at,
		heartbeat_at = excluded.heartbeat_at
	WHERE sync_locks.owner = excluded.owner OR sync_locks.heartbeat_at < ?
	`
	ms := toMillis(now)
	result, err := r.q.ExecContext(ctx, query, target, owner, ms, ms, toMillis(staleBefore))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// HeartbeatLock refreshes the heartbeat of a lock held by owner. It reports
// false when the lock was lost.
func (r *Repository) HeartbeatLock(ctx context.Context, target, owner string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE sync_locks SET heartbeat_at = ? WHERE target = ? AND owner = ?`,
		toMillis(now), target, owner)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ReleaseLock drops the lock if owner still holds it.
func (r *Repository) ReleaseLock(ctx context.Context, target, owner string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM sync_locks WHERE target = ? AND owner = ?`, target, owner)
	return err
}

// GetLock returns the current holder of target. It returns sql.ErrNoRows when
// the lock is free.
func (r *Repository) GetLock(ctx context.Context, target string) (*models.SyncLock, error) {
	var l models.SyncLock
	var acquired, heartbeat int64
	err := r.q.QueryRowContext(ctx,
		`SELECT target, owner, acquired_at, heartbeat_at FROM sync_locks WHERE target = ?`, target).
		Scan(&l.Target, &l.Owner, &acquired, &heartbeat)
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMillis(acquired)
	l.HeartbeatAt = fromMillis(heartbeat)
	return &l, nil
}
