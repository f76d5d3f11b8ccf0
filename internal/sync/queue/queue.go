// Package queue provides the durable queue of pending sync operations with
// exponential backoff and retry bookkeeping.
package queue

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// Config holds the retry policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns the default retry policy: 30s doubling up to 1h,
// terminal after 6 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 6,
	}
}

// Stats summarizes the queue.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Queue is the persistent operation queue. Every state transition is a
// single statement, so concurrent workers never claim the same operation.
type Queue struct {
	repo   db.QueueRepository
	cfg    Config
	now    func() time.Time
	notify chan struct{}
}

// New creates a Queue over repo.
func New(repo db.QueueRepository, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Queue{
		repo:   repo,
		cfg:    cfg,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
}

// SetClock replaces the clock used for scheduling.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Bind returns a Queue sharing this queue's policy, clock and notification
// channel but running against repo, typically a transaction.
func (q *Queue) Bind(repo db.QueueRepository) *Queue {
	bound := *q
	bound.repo = repo
	return &bound
}

// Config returns the effective retry policy.
func (q *Queue) Config() Config {
	return q.cfg
}

// Notify returns a channel that receives a value whenever work is added.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends an operation in Pending state. An empty idempotencyKey is
// replaced by a fresh one; the key stays with the operation across retries.
func (q *Queue) Enqueue(ctx context.Context, opType models.OpType, payload *models.OperationPayload, idempotencyKey string) (*models.QueuedOperation, error) {
	if !opType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation type %q", opType)
	}
	if payload.Kind == "" {
		payload.Kind = opType.Kind()
	}
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewIdempotencyKey()
	}

	now := q.now().UTC()
	op := &models.QueuedOperation{
		ID:             uuid.New(),
		OpType:         opType,
		LocalID:        payload.LocalID,
		OrderingKey:    payload.OrderingKey(),
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		Status:         models.OperationPending,
		NextRetryAt:    now,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
	if err := q.repo.InsertOperation(ctx, op); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Info("Operation enqueued", map[string]interface{}{
		"op_id":        op.ID,
		"op_type":      op.OpType,
		"local_id":     op.LocalID,
		"ordering_key": op.OrderingKey,
	})
	q.signal()
	return op, nil
}

// DequeueNext claims the oldest due Pending operation whose ordering key has
// no earlier unfinished operation, marking it InProgress. It returns nil when
// nothing is ready.
func (q *Queue) DequeueNext(ctx context.Context) (*models.QueuedOperation, error) {
	op, err := q.repo.ClaimNextOperation(ctx, q.now().UTC())
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to dequeue operation", err)
	}
	logging.Debug("Operation dequeued", map[string]interface{}{
		"op_id":   op.ID,
		"op_type": op.OpType,
		"attempt": op.AttemptCount + 1,
	})
	return op, nil
}

// Complete marks an in-progress operation as done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	ok, err := q.repo.CompleteOperation(ctx, id, q.now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to complete operation", err)
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrEntityNotFound, "operation %s is not in progress", id)
	}
	return nil
}

// Fail records a failed attempt. Retryable causes are rescheduled with
// exponential backoff until MaxAttempts is reached; anything else becomes
// terminally Failed at once. The updated operation is returned.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*models.QueuedOperation, error) {
	op, err := q.repo.GetOperation(ctx, id)
	if db.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation", err)
	}
	if op.Status != models.OperationInProgress {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "operation %s is %s, not in progress", id, op.Status)
	}

	now := q.now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	delay := q.Backoff(op.AttemptCount)
	op.AttemptCount++
	op.LastError = msg
	op.UpdatedAt = now
	if !apperrors.Retryable(cause) || op.AttemptCount >= q.cfg.MaxAttempts {
		op.Status = models.OperationFailed
		op.NextRetryAt = now
	} else {
		op.Status = models.OperationPending
		op.NextRetryAt = now.Add(delay)
	}

	ok, err := q.repo.RecordOperationFailure(ctx, id, op.Status, op.AttemptCount, op.NextRetryAt, msg, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to record operation failure", err)
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "operation %s is no longer in progress", id)
	}

	fields := map[string]interface{}{
		"op_id":   op.ID,
		"op_type": op.OpType,
		"attempt": op.AttemptCount,
		"error":   msg,
	}
	if op.Status == models.OperationFailed {
		logging.Warn("Operation failed permanently", fields)
	} else {
		fields["next_retry_at"] = op.NextRetryAt
		logging.Info("Operation failed, retry scheduled", fields)
	}
	return op, nil
}

// Release returns an in-progress operation to Pending without counting an
// attempt, for work interrupted before the remote call finished.
func (q *Queue) Release(ctx context.Context, id string) error {
	if _, err := q.repo.ReleaseOperation(ctx, id, q.now().UTC()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release operation", err)
	}
	q.signal()
	return nil
}

// Backoff returns the delay before the next attempt given the number of
// attempts already made: BaseDelay * 2^attemptCount, capped at MaxDelay.
func (q *Queue) Backoff(attemptCount int) time.Duration {
	delay := q.cfg.BaseDelay
	for i := 0; i < attemptCount; i++ {
		if delay >= q.cfg.MaxDelay/2 {
			return q.cfg.MaxDelay
		}
		delay *= 2
	}
	if delay > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return delay
}

// Recover resets operations left InProgress by a previous process to
// Pending. Callers must hold the run lock so no live worker owns one of
// them.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetInProgressOperations(ctx, q.now().UTC())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover operations", err)
	}
	if n > 0 {
		logging.Warn("Recovered interrupted operations", map[string]interface{}{"count": n})
		q.signal()
	}
	return n, nil
}

// RetryFailed resets one terminally failed operation with a fresh attempt
// budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	n, err := q.repo.RetryFailedOperations(ctx, id, q.now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to retry operation", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrEntityNotFound, "no failed operation %s", id)
	}
	q.signal()
	return nil
}

// RetryAllFailed resets every failed operation and returns how many.
func (q *Queue) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := q.repo.RetryFailedOperations(ctx, "", q.now().UTC())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to retry operations", err)
	}
	if n > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{"count": n})
		q.signal()
	}
	return n, nil
}

// Get returns an operation by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	op, err := q.repo.GetOperation(ctx, id)
	if db.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation", err)
	}
	return op, nil
}

// checkID rejects ids the queue could never have minted.
func checkID(id string) error {
	if err := uuid.Validate(id); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed operation id", err)
	}
	return nil
}

// List returns operations in status (all when empty) in enqueue order.
func (q *Queue) List(ctx context.Context, status models.OperationStatus, limit int) ([]*models.QueuedOperation, error) {
	ops, err := q.repo.ListOperations(ctx, status, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list operations", err)
	}
	return ops, nil
}

// FailedOperations returns every terminally failed operation.
func (q *Queue) FailedOperations(ctx context.Context) ([]*models.QueuedOperation, error) {
	return q.List(ctx, models.OperationFailed, 0)
}

// PendingCount returns the number of Pending operations.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	s, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.Pending, nil
}

// Stats returns per-status counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.CountOperationsByStatus(ctx)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to count operations", err)
	}
	return Stats{
		Pending:    counts[models.OperationPending],
		InProgress: counts[models.OperationInProgress],
		Completed:  counts[models.OperationCompleted],
		Failed:     counts[models.OperationFailed],
	}, nil
}

// HasActive reports whether localID has a Pending or InProgress operation of
// opType (any type when empty).
func (q *Queue) HasActive(ctx context.Context, localID string, opType models.OpType) (bool, error) {
	ok, err := q.repo.HasActiveOperation(ctx, localID, opType)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check active operations", err)
	}
	return ok, nil
}

// Prune deletes completed operations older than before.
func (q *Queue) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.repo.DeleteCompletedOperations(ctx, before)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune operations", err)
	}
	return n, nil
}
