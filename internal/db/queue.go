package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

const operationColumns = `id, seq, op_type, local_id, ordering_key, payload, idempotency_key, status,
	attempt_count, last_attempt_at, next_retry_at, last_error, enqueued_at, updated_at`

func scanOperation(s rowScanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var payload string
	var lastAttempt sql.NullInt64
	var nextRetry, enqueued, updated int64
	err := s.Scan(&op.ID, &op.Seq, &op.OpType, &op.LocalID, &op.OrderingKey, &payload, &op.IdempotencyKey,
		&op.Status, &op.AttemptCount, &lastAttempt, &nextRetry, &op.LastError, &enqueued, &updated)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	op.LastAttemptAt = timePtr(lastAttempt)
	op.NextRetryAt = fromMillis(nextRetry)
	op.EnqueuedAt = fromMillis(enqueued)
	op.UpdatedAt = fromMillis(updated)
	return &op, nil
}

func (r *Repository) queryOperations(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedOperation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// InsertOperation appends an operation and fills in its sequence number.
func (r *Repository) InsertOperation(ctx context.Context, op *models.QueuedOperation) error {
	query := `
	INSERT INTO sync_queue (id, op_type, local_id, ordering_key, payload, idempotency_key, status,
		attempt_count, last_attempt_at, next_retry_at, last_error, enqueued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.q.ExecContext(ctx, query,
		op.ID, op.OpType, op.LocalID, op.OrderingKey, string(op.Payload), op.IdempotencyKey, op.Status,
		op.AttemptCount, nullMillis(op.LastAttemptAt), toMillis(op.NextRetryAt), op.LastError,
		toMillis(op.EnqueuedAt), toMillis(op.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	op.Seq = seq
	return nil
}

// ClaimNextOperation atomically moves the oldest due pending operation to
// in_progress and returns it. An operation is skipped while an earlier
// operation with the same ordering key is still pending or in progress.
// It returns sql.ErrNoRows when nothing is claimable.
func (r *Repository) ClaimNextOperation(ctx context.Context, now time.Time) (*models.QueuedOperation, error) {
	query := `
	UPDATE sync_queue
	SET status = 'in_progress', last_attempt_at = ?, updated_at = ?
	WHERE seq = (
		SELECT q.seq FROM sync_queue q
		WHERE q.status = 'pending'
		  AND q.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue p
			WHERE p.ordering_key = q.ordering_key
			  AND p.seq < q.seq
			  AND p.status IN ('pending', 'in_progress')
		  )
		ORDER BY q.seq
		LIMIT 1
	) AND status = 'pending'
	RETURNING ` + operationColumns
	ms := toMillis(now)
	return scanOperation(r.q.QueryRowContext(ctx, query, ms, ms, ms))
}

// GetOperation retrieves an operation by id. It returns sql.ErrNoRows when
// absent.
func (r *Repository) GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return scanOperation(r.q.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM sync_queue WHERE id = ?`, id))
}

// CompleteOperation marks an in-progress operation completed.
func (r *Repository) CompleteOperation(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'completed', last_error = '', updated_at = ?
		 WHERE id = ? AND status = 'in_progress'`, toMillis(now), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RecordOperationFailure stores the outcome of a failed attempt. status is
// pending when the operation will be retried and failed when terminal.
func (r *Repository) RecordOperationFailure(ctx context.Context, id string, status models.OperationStatus,
	attemptCount int, nextRetryAt time.Time, lastError string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		status, attemptCount, toMillis(nextRetryAt), lastError, toMillis(now), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ReleaseOperation returns an in-progress operation to pending without
// counting an attempt.
func (r *Repository) ReleaseOperation(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'in_progress'`,
		toMillis(now), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ResetInProgressOperations moves every in-progress operation back to pending.
func (r *Repository) ResetInProgressOperations(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'in_progress'`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RetryFailedOperations resets failed operations to pending with a fresh
// attempt budget. An empty id retries every failed operation.
func (r *Repository) RetryFailedOperations(ctx context.Context, id string, now time.Time) (int64, error) {
	query := `UPDATE sync_queue
	SET status = 'pending', attempt_count = 0, next_retry_at = ?, updated_at = ?
	WHERE status = 'failed'`
	ms := toMillis(now)
	args := []interface{}{ms, ms}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListOperations returns operations in a status in enqueue order. An empty
// status lists every operation.
func (r *Repository) ListOperations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.QueuedOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	if status == "" {
		return r.queryOperations(ctx, `SELECT `+operationColumns+` FROM sync_queue ORDER BY seq LIMIT ?`, limit)
	}
	return r.queryOperations(ctx,
		`SELECT `+operationColumns+` FROM sync_queue WHERE status = ? ORDER BY seq LIMIT ?`, status, limit)
}

// CountOperationsByStatus aggregates operations per status.
func (r *Repository) CountOperationsByStatus(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.OperationStatus]int{
		models.OperationPending:    0,
		models.OperationInProgress: 0,
		models.OperationCompleted:  0,
		models.OperationFailed:     0,
	}
	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// HasActiveOperation reports whether a pending or in-progress operation
// exists for localID. An empty opType matches any type.
func (r *Repository) HasActiveOperation(ctx context.Context, localID string, opType models.OpType) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM sync_queue
		WHERE local_id = ? AND status IN ('pending', 'in_progress')`
	args := []interface{}{localID}
	if opType != "" {
		query += " AND op_type = ?"
		args = append(args, opType)
	}
	query += ")"

	var exists bool
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteCompletedOperations prunes completed operations last touched before
// the cutoff.
func (r *Repository) DeleteCompletedOperations(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < ?`, toMillis(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
