package sync

import (
	"context"
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// batch is the state shared by the goroutines of one Run.
type batch struct {
	id       string
	started  time.Time
	remote   RemoteClient
	settings Settings
	stop     <-chan struct{}
	report   *Report

	mu      gosync.Mutex
	touched map[string]struct{}
}

func (b *batch) stopping() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

// touch records that localID was reconciled during this batch.
func (b *batch) touch(localID string) {
	b.mu.Lock()
	b.touched[localID] = struct{}{}
	b.mu.Unlock()
}

func (b *batch) wasTouched(localID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.touched[localID]
	return ok
}

// Run performs one sync batch: pull remote changes for every enabled kind,
// enqueue local changes, then drain the operation queue with the worker
// pool. Per-record failures are collected in the report; the returned error
// is reserved for failures of the batch itself.
func (e *SyncEngine) Run(ctx context.Context) (*Report, error) {
	remote, settings, err := e.configured()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state == RunStateRunning {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync batch is already running in this process")
	}
	prev := e.state
	e.state = RunStateRunning
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	e.stopOnce = &gosync.Once{}
	e.mu.Unlock()

	abort := func(err error) (*Report, error) {
		e.mu.Lock()
		e.state = prev
		e.stopOnce = nil
		e.mu.Unlock()
		return nil, err
	}
	if err := e.lock.Acquire(ctx); err != nil {
		return abort(err)
	}
	// Operations still InProgress once the lock is ours were abandoned by a
	// batch that died without releasing it.
	if _, err := e.queue.Recover(ctx); err != nil {
		if rerr := e.lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			logging.Warn("Failed to release sync lock", map[string]interface{}{"error": rerr.Error()})
		}
		return abort(err)
	}

	b := &batch{
		id:       uuid.NewBatchID(),
		started:  e.now().UTC(),
		remote:   remote,
		settings: settings,
		stop:     stopCh,
		touched:  make(map[string]struct{}),
	}
	b.report = &Report{BatchID: b.id, State: RunStateRunning, StartedAt: b.started}

	logging.Info("Sync batch started", map[string]interface{}{
		"batch_id": b.id,
		"kinds":    settings.Kinds,
		"workers":  settings.Workers,
	})
	e.emitEvent(SyncEvent{Type: SyncEventStarted, BatchID: b.id})

	fatal := e.runBatch(ctx, b)

	if err := e.lock.Release(context.WithoutCancel(ctx)); err != nil {
		logging.Warn("Failed to release sync lock", map[string]interface{}{
			"batch_id": b.id,
			"error":    err.Error(),
		})
	}

	r := b.report
	r.mu.Lock()
	r.FinishedAt = e.now().UTC()
	r.Stopped = b.stopping()
	if fatal != nil || r.Failed > 0 {
		r.State = RunStatePartiallyFailed
	} else {
		r.State = RunStateCompleted
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.state = r.State
	e.lastReport = r
	e.stopOnce = nil
	e.mu.Unlock()

	fields := map[string]interface{}{
		"batch_id":    b.id,
		"state":       r.State,
		"duration_ms": r.Duration().Milliseconds(),
		"summary":     r.Summary(),
	}
	if fatal != nil {
		logging.Error("Sync batch aborted", fatal, fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, BatchID: b.id, Message: fatal.Error(), Report: r.snapshot()})
		return r, fatal
	}
	if r.State == RunStatePartiallyFailed {
		logging.Warn("Sync batch completed with failures", fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, BatchID: b.id, Message: r.Err().Error(), Report: r.snapshot()})
	} else {
		logging.Info("Sync batch completed", fields)
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, BatchID: b.id, Report: r.snapshot()})
	}
	return r, nil
}

// runBatch executes the phases of a batch and returns an error only when the
// batch cannot continue.
func (e *SyncEngine) runBatch(ctx context.Context, b *batch) error {
	pulled := make(map[models.EntityKind]bool, len(b.settings.Kinds))
	for _, kind := range b.settings.Kinds {
		if b.stopping() {
			break
		}
		err := e.pullKind(ctx, b, kind)
		if err == nil {
			pulled[kind] = !b.stopping()
			continue
		}
		b.report.fail(err)
		if fatalError(ctx, err) {
			e.recordBatchSummary(ctx, b, models.AuditBatchImport)
			return err
		}
	}
	e.recordBatchSummary(ctx, b, models.AuditBatchImport)

	for _, kind := range b.settings.Kinds {
		if b.stopping() {
			break
		}
		if err := e.enqueueLocalChanges(ctx, b, kind); err != nil {
			b.report.fail(err)
			if fatalError(ctx, err) {
				return err
			}
		}
	}

	drainErr := e.drain(ctx, b)
	e.recordBatchSummary(ctx, b, models.AuditBatchExport)
	if drainErr != nil {
		return drainErr
	}
	if e.lock.Lost() {
		return apperrors.New(apperrors.ErrLockLost, "sync lock was taken over during the batch")
	}

	for kind, ok := range pulled {
		if !ok {
			continue
		}
		if err := e.markFullSync(ctx, kind, b.started); err != nil {
			b.report.fail(err)
		}
	}
	return nil
}

// fatalError reports whether err ends the batch: configuration errors,
// cancellation, and a lost lock.
func fatalError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindConfiguration:
		return true
	}
	return apperrors.Is(err, apperrors.ErrLockLost)
}

func (e *SyncEngine) markFullSync(ctx context.Context, kind models.EntityKind, at time.Time) error {
	cur, err := e.repo.GetCursor(ctx, kind)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync cursor", err)
	}
	cur.LastFullSync = &at
	if err := e.repo.SaveCursor(ctx, cur); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save sync cursor", err)
	}
	return nil
}

// recordBatchSummary appends the BatchImport or BatchExport entry of a batch.
func (e *SyncEngine) recordBatchSummary(ctx context.Context, b *batch, op models.AuditOperation) {
	r := b.report
	r.mu.Lock()
	failed := r.Failed
	var last string
	if n := len(r.Errors); n > 0 {
		last = r.Errors[n-1]
	}
	r.mu.Unlock()

	outcome := models.SyncStateSynced
	if failed > 0 {
		outcome = models.SyncStateFailed
	}
	entry := &models.AuditEntry{
		Operation:    op,
		Outcome:      outcome,
		ErrorMessage: last,
		DurationMs:   millisSince(b.started, e.now()),
		BatchID:      b.id,
		Summary:      r.Summary(),
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		logging.Error("Failed to record batch summary", err, map[string]interface{}{"batch_id": b.id})
	}
}

// progress publishes the running counters.
func (e *SyncEngine) progress(b *batch) {
	e.emitEvent(SyncEvent{Type: SyncEventProgress, BatchID: b.id, Report: b.report.snapshot()})
}
