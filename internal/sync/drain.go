package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/sync/conflict"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// drain works the queue with the configured number of workers until no
// operation is ready. A worker returns an error only for failures that end
// the batch, which cancels the others.
func (e *SyncEngine) drain(ctx context.Context, b *batch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.settings.Workers)
	for i := 0; i < b.settings.Workers; i++ {
		worker := i
		g.Go(func() error {
			return e.work(gctx, b, worker)
		})
	}
	return g.Wait()
}

func (e *SyncEngine) work(ctx context.Context, b *batch, worker int) error {
	for {
		if b.stopping() || ctx.Err() != nil {
			return nil
		}
		if e.lock.Lost() {
			return apperrors.New(apperrors.ErrLockLost, "sync lock was taken over during the batch")
		}

		op, err := e.queue.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if op == nil {
			return nil
		}

		logging.Debug("Processing operation", map[string]interface{}{
			"batch_id": b.id,
			"worker":   worker,
			"op_id":    op.ID,
			"op_type":  op.OpType,
			"local_id": op.LocalID,
		})
		if err := e.process(ctx, b, op); err != nil {
			return err
		}
		e.progress(b)
	}
}

// process executes one claimed operation. The operation is completed in the
// same transaction as the mapping update it produces; failures go back to
// the queue for backoff.
func (e *SyncEngine) process(ctx context.Context, b *batch, op *models.QueuedOperation) error {
	start := e.now()
	payload, err := op.DecodePayload()
	if err != nil {
		return e.handleFailure(ctx, b, op, nil, apperrors.Wrap(apperrors.ErrInvalid, "unreadable operation payload", err), start)
	}

	switch {
	case op.OpType == models.OpUploadTicketDerivedInventoryChange:
		err = e.uploadSteps(ctx, b, op, payload)
	case op.OpType.IsUpload():
		err = e.upload(ctx, b, op, payload)
	case op.OpType.IsDelete():
		err = e.deleteRemote(ctx, b, op, payload)
	case op.OpType.IsDownload():
		err = e.download(ctx, b, op, payload)
	default:
		err = apperrors.Newf(apperrors.ErrInvalid, "unknown operation type %q", op.OpType)
	}
	if err != nil {
		return e.handleFailure(ctx, b, op, payload, err, start)
	}
	return nil
}

// handleFailure hands a failed operation back to the queue, audits it, and
// reports whether the batch must end.
func (e *SyncEngine) handleFailure(ctx context.Context, b *batch, op *models.QueuedOperation, p *models.OperationPayload, cause error, start time.Time) error {
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if err := e.queue.Release(bg, op.ID); err != nil {
			logging.Error("Failed to release operation", err, map[string]interface{}{"op_id": op.ID})
		}
		return nil
	}

	updated, err := e.queue.Fail(bg, op.ID, cause)
	if err != nil {
		logging.Error("Failed to record operation failure", err, map[string]interface{}{"op_id": op.ID})
	}

	var remoteID string
	if p != nil {
		remoteID = p.RemoteObjectID
	}
	e.auditFailure(ctx, b, auditOpFor(op.OpType, remoteID), op.LocalID, remoteID, cause, start)

	if op.LocalID != "" {
		state := models.SyncStatePending
		if updated == nil || updated.Status == models.OperationFailed {
			state = models.SyncStateFailed
		}
		err := e.identity.MarkState(bg, op.LocalID, state, cause.Error())
		if err != nil && !apperrors.Is(err, apperrors.ErrMappingNotFound) {
			logging.Error("Failed to update mapping state", err, map[string]interface{}{"local_id": op.LocalID})
		}
	}

	b.report.fail(fmt.Errorf("%s %s: %w", op.OpType, op.ID, cause))
	if fatalError(ctx, cause) {
		return cause
	}
	return nil
}

func auditOpFor(t models.OpType, remoteID string) models.AuditOperation {
	switch {
	case t.IsDelete():
		return models.AuditDelete
	case t.IsDownload():
		return models.AuditBatchImport
	case t.IsUpload() && remoteID == "":
		return models.AuditCreate
	default:
		return models.AuditUpdate
	}
}

// upload pushes the current local record. The record is read at execution
// time so retries send the latest content.
func (e *SyncEngine) upload(ctx context.Context, b *batch, op *models.QueuedOperation, p *models.OperationPayload) error {
	local, err := e.store.Read(ctx, e.db, p.LocalID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read local record", err)
	}
	if local == nil {
		logging.Info("Local record gone before upload", map[string]interface{}{
			"op_id":    op.ID,
			"local_id": p.LocalID,
		})
		b.count(resultSkipped)
		return e.queue.Complete(ctx, op.ID)
	}
	return e.push(ctx, b, local, op.IdempotencyKey, op.ID)
}

// uploadSteps pushes the ordered inventory changes derived from one ticket.
// Each step carries a key derived from the operation's key, so a retry after
// a partial failure replays completed steps idempotently.
func (e *SyncEngine) uploadSteps(ctx context.Context, b *batch, op *models.QueuedOperation, p *models.OperationPayload) error {
	if len(p.Records) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "ticket change carries no inventory records")
	}
	for i := range p.Records {
		step := p.Records[i]
		if step.Kind == "" {
			step.Kind = models.KindInventory
		}
		if err := e.push(ctx, b, &step, uuid.DeriveKey(op.IdempotencyKey, i), ""); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.ID, err)
		}
	}
	return e.queue.Complete(ctx, op.ID)
}

// push uploads local and commits the resulting mapping. When opID is set the
// operation is completed in the commit transaction, including when the push
// is skipped.
func (e *SyncEngine) push(ctx context.Context, b *batch, local *models.LocalRecord, key, opID string) error {
	start := e.now()
	m, err := e.identity.Lookup(ctx, local.ID)
	if err != nil {
		return err
	}
	if reason := skipPush(m, b.settings); reason != "" {
		logging.Debug("Upload skipped", map[string]interface{}{
			"local_id": local.ID,
			"reason":   reason,
		})
		b.count(resultSkipped)
		if opID == "" {
			return nil
		}
		return e.queue.Complete(ctx, opID)
	}

	rec := toRemote(local, m)
	out, err := e.createOrUpdate(ctx, b, rec, key)
	if apperrors.Is(err, apperrors.ErrSyncConflict) && m != nil {
		return e.resolveUploadConflict(ctx, b, m, local, key, opID, start)
	}
	if err != nil {
		return err
	}
	return e.commitPush(ctx, b, local, out, opID, start)
}

func skipPush(m *models.IdentityMapping, s Settings) string {
	switch {
	case m == nil && !s.DefaultDirection.AllowsToRemote():
		return "default direction " + string(s.DefaultDirection)
	case m == nil:
		return ""
	case !m.Active():
		return "mapping disabled"
	case m.SyncState == models.SyncStateConflict:
		return "awaiting manual resolution"
	case !m.Direction.AllowsToRemote():
		return "mapping direction " + string(m.Direction)
	}
	return ""
}

// skipDelete mirrors skipPush for deletions. A mapping awaiting manual
// resolution is left alone; resolving it schedules a fresh operation.
func skipDelete(m *models.IdentityMapping, remoteID string) string {
	switch {
	case remoteID == "":
		return "no remote object"
	case m == nil:
		return ""
	case !m.Active():
		return "mapping disabled"
	case m.SyncState == models.SyncStateConflict:
		return "awaiting manual resolution"
	case !m.Direction.AllowsToRemote():
		return "mapping direction " + string(m.Direction)
	}
	return ""
}

func toRemote(local *models.LocalRecord, m *models.IdentityMapping) *models.RemoteRecord {
	rec := &models.RemoteRecord{
		Kind:      local.Kind,
		Fields:    local.Fields.Clone(),
		UpdatedAt: local.UpdatedAt,
	}
	if m != nil {
		rec.ID = m.RemoteObjectID
		rec.SubID = m.RemoteSubObjectID
		rec.Version = m.RemoteVersion
	}
	return rec
}

func (e *SyncEngine) createOrUpdate(ctx context.Context, b *batch, rec *models.RemoteRecord, key string) (*models.RemoteRecord, error) {
	var out *models.RemoteRecord
	err := e.call(ctx, b.settings.CallTimeout, func(ctx context.Context) error {
		var err error
		out, err = b.remote.CreateOrUpdate(ctx, rec, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.ID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "remote returned no object id")
	}
	return out, nil
}

func (e *SyncEngine) fetchByRemoteID(ctx context.Context, remote RemoteClient, timeout time.Duration, kind models.EntityKind, remoteID string) (*models.RemoteRecord, error) {
	var rec *models.RemoteRecord
	err := e.call(ctx, timeout, func(ctx context.Context) error {
		var err error
		rec, err = remote.FetchByRemoteID(ctx, kind, remoteID)
		return err
	})
	if rec != nil && rec.Kind == "" {
		rec.Kind = kind
	}
	return rec, err
}

// commitPush records a successful upload: the mapping is created or
// advanced to the remote's new version and marked Synced.
func (e *SyncEngine) commitPush(ctx context.Context, b *batch, local *models.LocalRecord, out *models.RemoteRecord, opID string, start time.Time) error {
	syncedAt := e.now().UTC()
	if local.UpdatedAt != nil {
		syncedAt = local.UpdatedAt.UTC()
	}

	err := e.inTx(ctx, func(t *txn) error {
		m, err := t.ids.Lookup(ctx, local.ID)
		if err != nil {
			return err
		}
		created := m == nil
		if created {
			m = &models.IdentityMapping{
				LocalID:          local.ID,
				EntityKind:       local.Kind,
				Direction:        b.settings.DefaultDirection,
				ConflictStrategy: b.settings.DefaultStrategy,
			}
		}
		m.RemoteObjectID = out.ID
		m.RemoteSubObjectID = out.SubID
		m.Version++
		m.RemoteVersion = out.Version
		m.LastSyncedAt = &syncedAt
		m.SyncState = models.SyncStateSynced
		m.LastError = ""
		if err := t.ids.Upsert(ctx, m); err != nil {
			return err
		}

		op := models.AuditUpdate
		if created {
			op = models.AuditCreate
		}
		if err := t.audit.Record(ctx, &models.AuditEntry{
			Operation:      op,
			EntityID:       local.ID,
			RemoteObjectID: out.ID,
			Outcome:        models.SyncStateSynced,
			ChangedFields:  fieldNames(local.Fields),
			DurationMs:     millisSince(start, e.now()),
			BatchID:        b.id,
		}); err != nil {
			return err
		}
		if created {
			if err := t.audit.Record(ctx, &models.AuditEntry{
				Operation:      models.AuditMappingCreated,
				EntityID:       local.ID,
				RemoteObjectID: out.ID,
				Outcome:        models.SyncStateSynced,
				BatchID:        b.id,
			}); err != nil {
				return err
			}
		}
		if opID != "" {
			return t.queue.Complete(ctx, opID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.touch(local.ID)
	b.report.add(&b.report.Uploaded, 1)
	return nil
}

// resolveUploadConflict handles a remote that moved past the version the
// upload was based on: the fresh remote record is fetched and the mapping's
// strategy decides again.
func (e *SyncEngine) resolveUploadConflict(ctx context.Context, b *batch, m *models.IdentityMapping, local *models.LocalRecord, key, opID string, start time.Time) error {
	fresh, err := e.fetchByRemoteID(ctx, b.remote, b.settings.CallTimeout, m.EntityKind, m.RemoteObjectID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return apperrors.Newf(apperrors.ErrEntityNotFound, "remote object %s no longer exists", m.RemoteObjectID)
	}

	res := conflict.Resolve(conflict.LocalSnapshot(local), conflict.RemoteSnapshot(fresh), m.ConflictStrategy)
	logging.Info("Remote version advanced during upload", map[string]interface{}{
		"batch_id":         b.id,
		"local_id":         m.LocalID,
		"remote_object_id": m.RemoteObjectID,
		"expected_version": m.RemoteVersion,
		"remote_version":   fresh.Version,
		"outcome":          res.Outcome,
	})

	switch res.Outcome {
	case conflict.UseLocal:
		rec := toRemote(local, m)
		rec.Version = fresh.Version
		out, err := e.createOrUpdate(ctx, b, rec, fmt.Sprintf("%s-r%d", key, fresh.Version))
		if err != nil {
			return err
		}
		return e.commitPush(ctx, b, local, out, opID, start)

	case conflict.UseRemote:
		err := e.inTx(ctx, func(t *txn) error {
			current, err := t.ids.Lookup(ctx, m.LocalID)
			if err != nil {
				return err
			}
			if current == nil {
				return apperrors.Newf(apperrors.ErrMappingNotFound, "no mapping for %s", m.LocalID)
			}
			if err := e.writeFromRemote(ctx, t, b, current, local, fresh, start); err != nil {
				return err
			}
			if opID != "" {
				return t.queue.Complete(ctx, opID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		b.touch(m.LocalID)
		b.count(resultDownloaded)
		return nil

	default:
		err := e.inTx(ctx, func(t *txn) error {
			current, err := t.ids.Lookup(ctx, m.LocalID)
			if err != nil {
				return err
			}
			if current == nil {
				return apperrors.Newf(apperrors.ErrMappingNotFound, "no mapping for %s", m.LocalID)
			}
			if err := e.markConflict(ctx, t, b, current, local, fresh, start); err != nil {
				return err
			}
			if opID != "" {
				return t.queue.Complete(ctx, opID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		b.touch(m.LocalID)
		b.count(resultConflict)
		e.emitEvent(SyncEvent{Type: SyncEventConflictDetected, BatchID: b.id, LocalID: m.LocalID, Message: "remote object " + m.RemoteObjectID})
		return nil
	}
}

// deleteRemote removes the remote object of a locally deleted entity and
// disables its mapping.
func (e *SyncEngine) deleteRemote(ctx context.Context, b *batch, op *models.QueuedOperation, p *models.OperationPayload) error {
	start := e.now()
	m, err := e.identity.Lookup(ctx, p.LocalID)
	if err != nil {
		return err
	}
	remoteID := p.RemoteObjectID
	if m != nil {
		remoteID = m.RemoteObjectID
	}
	if reason := skipDelete(m, remoteID); reason != "" {
		logging.Debug("Remote delete skipped", map[string]interface{}{
			"op_id":    op.ID,
			"local_id": p.LocalID,
			"reason":   reason,
		})
		b.count(resultSkipped)
		return e.queue.Complete(ctx, op.ID)
	}

	err = e.call(ctx, b.settings.CallTimeout, func(ctx context.Context) error {
		return b.remote.Delete(ctx, p.Kind, remoteID, op.IdempotencyKey)
	})
	if err != nil {
		return err
	}

	err = e.inTx(ctx, func(t *txn) error {
		if m != nil {
			if err := t.ids.Disable(ctx, m.LocalID); err != nil {
				return err
			}
		}
		if err := t.audit.Record(ctx, &models.AuditEntry{
			Operation:      models.AuditDelete,
			EntityID:       p.LocalID,
			RemoteObjectID: remoteID,
			Outcome:        models.SyncStateSynced,
			DurationMs:     millisSince(start, e.now()),
			BatchID:        b.id,
		}); err != nil {
			return err
		}
		if m != nil {
			if err := t.audit.Record(ctx, &models.AuditEntry{
				Operation:      models.AuditMappingDeleted,
				EntityID:       m.LocalID,
				RemoteObjectID: remoteID,
				Outcome:        models.SyncStateDisabled,
				BatchID:        b.id,
			}); err != nil {
				return err
			}
		}
		return t.queue.Complete(ctx, op.ID)
	})
	if err != nil {
		return err
	}
	b.report.add(&b.report.Deleted, 1)
	return nil
}

// download refreshes one remote object, or the whole change feed of the
// kind when no object is named.
func (e *SyncEngine) download(ctx context.Context, b *batch, op *models.QueuedOperation, p *models.OperationPayload) error {
	if p.RemoteObjectID == "" {
		if err := e.pullKind(ctx, b, p.Kind); err != nil {
			return err
		}
		return e.queue.Complete(ctx, op.ID)
	}

	rec, err := e.fetchByRemoteID(ctx, b.remote, b.settings.CallTimeout, p.Kind, p.RemoteObjectID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &models.RemoteRecord{
			ID:      p.RemoteObjectID,
			SubID:   p.RemoteSubObjectID,
			Kind:    p.Kind,
			Deleted: true,
		}
	}
	if err := e.applyRemote(ctx, b, rec); err != nil {
		return err
	}
	return e.queue.Complete(ctx, op.ID)
}
