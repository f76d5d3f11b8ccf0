package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/remote"
	"github.com/kimhsiao/catalogsync/internal/sync/conflict"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// applyResult is what reconciling one record did.
type applyResult int

const (
	resultNone applyResult = iota
	resultDownloaded
	resultDeleted
	resultEnqueued
	resultIgnored
	resultSkipped
	resultConflict
)

func (b *batch) count(res applyResult) {
	r := b.report
	switch res {
	case resultDownloaded:
		r.add(&r.Downloaded, 1)
	case resultDeleted:
		r.add(&r.Deleted, 1)
	case resultEnqueued:
		r.add(&r.Enqueued, 1)
	case resultIgnored:
		r.add(&r.Ignored, 1)
	case resultSkipped:
		r.add(&r.Skipped, 1)
	case resultConflict:
		r.add(&r.Conflicts, 1)
	}
}

// pullKind pages through the remote change feed for kind, reconciling every
// record. The cursor is saved after each page so an interrupted pull
// resumes where it stopped.
func (e *SyncEngine) pullKind(ctx context.Context, b *batch, kind models.EntityKind) error {
	cur, err := e.repo.GetCursor(ctx, kind)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync cursor", err)
	}

	pager := remote.NewPaginator(b.remote, kind, cur.Cursor)
	for {
		var changes *models.ChangePage
		err := e.call(ctx, b.settings.CallTimeout, func(ctx context.Context) error {
			var err error
			changes, err = pager.Next(ctx)
			return err
		})
		if err != nil {
			return err
		}
		if changes == nil {
			return apperrors.New(apperrors.ErrInvalidRemoteResponse, "remote returned no change page")
		}

		logging.Debug("Fetched remote changes", map[string]interface{}{
			"batch_id": b.id,
			"kind":     kind,
			"page":     pager.Pages(),
			"records":  len(changes.Records),
			"has_more": changes.HasMore,
		})

		for _, rec := range changes.Records {
			if b.stopping() {
				return nil
			}
			if rec.Kind == "" {
				rec.Kind = kind
			}
			if err := e.applyRemote(ctx, b, rec); err != nil {
				if fatalError(ctx, err) {
					return err
				}
				b.report.fail(err)
			}
		}

		cur.Cursor = pager.Cursor()
		if err := e.repo.SaveCursor(ctx, cur); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to save sync cursor", err)
		}
		e.progress(b)

		if !changes.HasMore || b.stopping() {
			return nil
		}
	}
}

// applyRemote reconciles one remote record against its mapping and the local
// store inside a single transaction. Failures are audited before returning.
func (e *SyncEngine) applyRemote(ctx context.Context, b *batch, rec *models.RemoteRecord) error {
	start := e.now()
	if rec.ID == "" {
		err := apperrors.New(apperrors.ErrInvalidRemoteResponse, "remote record without id")
		e.auditFailure(ctx, b, models.AuditUpdate, "", "", err, start)
		return err
	}

	var (
		res     applyResult
		localID string
	)
	err := e.inTx(ctx, func(t *txn) error {
		res = resultNone
		m, err := t.ids.LookupByRemote(ctx, rec.ID, rec.SubID)
		if err != nil {
			return err
		}
		if m == nil {
			res, localID, err = e.createFromRemote(ctx, t, b, rec, start)
			return err
		}
		localID = m.LocalID

		switch {
		case m.SyncState == models.SyncStateDisabled:
			res = resultSkipped
			return nil
		case m.SyncState == models.SyncStateConflict:
			res = resultSkipped
			return nil
		case !m.Direction.AllowsFromRemote():
			res = resultIgnored
			return e.auditIgnored(ctx, t, b, m.LocalID, rec, "ignored: mapping direction "+string(m.Direction), start)
		}

		// Tombstones take part in resolution: an unpushed local delete is a
		// local change like any edit.
		local, err := e.store.ReadAny(ctx, t.q, m.LocalID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read local record", err)
		}

		if rec.Deleted {
			res = resultDeleted
			return e.applyRemoteDelete(ctx, t, b, m, rec, start)
		}
		if rec.Version <= m.RemoteVersion {
			res = resultSkipped
			return nil
		}

		resolution := conflict.Resolution{Outcome: conflict.UseRemote}
		if local != nil && m.ChangedSinceSync(local.UpdatedAt) {
			resolution = conflict.Resolve(conflict.LocalSnapshot(local), conflict.RemoteSnapshot(rec), m.ConflictStrategy)
			logging.Info("Concurrent change detected", map[string]interface{}{
				"batch_id":         b.id,
				"local_id":         m.LocalID,
				"remote_object_id": rec.ID,
				"strategy":         m.ConflictStrategy,
				"outcome":          resolution.Outcome,
				"fields":           resolution.Fields,
				"local_deleted":    local.Deleted,
			})
		}

		switch resolution.Outcome {
		case conflict.UseRemote:
			res = resultDownloaded
			return e.writeFromRemote(ctx, t, b, m, local, rec, start)
		case conflict.UseLocal:
			res = resultEnqueued
			return e.keepLocal(ctx, t, m, local, rec)
		default:
			res = resultConflict
			return e.markConflict(ctx, t, b, m, local, rec, start)
		}
	})
	if err != nil {
		e.auditFailure(ctx, b, models.AuditUpdate, localID, rec.ID, err, start)
		if localID != "" {
			e.markFailed(ctx, localID, err)
		}
		return err
	}

	if localID != "" {
		b.touch(localID)
	}
	b.count(res)
	if res == resultConflict {
		e.emitEvent(SyncEvent{Type: SyncEventConflictDetected, BatchID: b.id, LocalID: localID, Message: "remote object " + rec.ID})
	}
	return nil
}

// createFromRemote creates a local entity and its mapping for a remote
// object seen for the first time.
func (e *SyncEngine) createFromRemote(ctx context.Context, t *txn, b *batch, rec *models.RemoteRecord, start time.Time) (applyResult, string, error) {
	if rec.Deleted {
		return resultSkipped, "", nil
	}
	if !b.settings.DefaultDirection.AllowsFromRemote() {
		return resultIgnored, "", e.auditIgnored(ctx, t, b, "", rec, "ignored: default direction "+string(b.settings.DefaultDirection), start)
	}

	now := e.now().UTC()
	local := &models.LocalRecord{
		ID:        uuid.New(),
		Kind:      rec.Kind,
		Fields:    rec.Fields.Clone(),
		UpdatedAt: &now,
	}
	if err := e.store.Write(ctx, t.q, local); err != nil {
		return resultNone, "", apperrors.Wrap(apperrors.ErrDatabase, "failed to write local record", err)
	}

	m := &models.IdentityMapping{
		LocalID:           local.ID,
		EntityKind:        rec.Kind,
		RemoteObjectID:    rec.ID,
		RemoteSubObjectID: rec.SubID,
		LastSyncedAt:      &now,
		SyncState:         models.SyncStateSynced,
		Direction:         b.settings.DefaultDirection,
		ConflictStrategy:  b.settings.DefaultStrategy,
		Version:           1,
		RemoteVersion:     rec.Version,
	}
	if err := t.ids.Upsert(ctx, m); err != nil {
		return resultNone, "", err
	}

	elapsed := millisSince(start, e.now())
	if err := t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditMappingCreated,
		EntityID:       local.ID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateSynced,
		BatchID:        b.id,
	}); err != nil {
		return resultNone, "", err
	}
	err := t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditCreate,
		EntityID:       local.ID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateSynced,
		ChangedFields:  fieldNames(rec.Fields),
		DurationMs:     elapsed,
		BatchID:        b.id,
	})
	return resultDownloaded, local.ID, err
}

// writeFromRemote overwrites the local record with rec and marks the
// mapping Synced.
func (e *SyncEngine) writeFromRemote(ctx context.Context, t *txn, b *batch, m *models.IdentityMapping, prev *models.LocalRecord, rec *models.RemoteRecord, start time.Time) error {
	if err := e.overwriteLocal(ctx, t, m, rec); err != nil {
		return err
	}

	var before models.Fields
	if prev != nil {
		before = prev.Fields
	}
	return t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditUpdate,
		EntityID:       m.LocalID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateSynced,
		ChangedFields:  conflict.ChangedFields(before, rec.Fields),
		DurationMs:     millisSince(start, e.now()),
		BatchID:        batchID(b),
	})
}

// overwriteLocal replaces the local record with rec's fields and advances
// the mapping to rec's version.
func (e *SyncEngine) overwriteLocal(ctx context.Context, t *txn, m *models.IdentityMapping, rec *models.RemoteRecord) error {
	now := e.now().UTC()
	local := &models.LocalRecord{
		ID:        m.LocalID,
		Kind:      m.EntityKind,
		Fields:    rec.Fields.Clone(),
		UpdatedAt: &now,
	}
	if err := e.store.Write(ctx, t.q, local); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write local record", err)
	}

	m.Version++
	m.RemoteVersion = rec.Version
	m.LastSyncedAt = &now
	m.SyncState = models.SyncStateSynced
	m.LastError = ""
	return t.ids.Upsert(ctx, m)
}

// keepLocal records that the local side won against rec and schedules the
// upload, or the deletion for a tombstone, that will overwrite the remote
// object.
func (e *SyncEngine) keepLocal(ctx context.Context, t *txn, m *models.IdentityMapping, local *models.LocalRecord, rec *models.RemoteRecord) error {
	m.RemoteVersion = rec.Version
	m.SyncState = models.SyncStatePending
	m.LastError = ""
	if err := t.ids.Upsert(ctx, m); err != nil {
		return err
	}

	opType, payload := pushOpFor(m, local)
	active, err := t.queue.HasActive(ctx, m.LocalID, opType)
	if err != nil || active {
		return err
	}
	_, err = t.queue.Enqueue(ctx, opType, payload, "")
	return err
}

// pushOpFor returns the operation that makes the remote object match local:
// a deletion for a tombstone, otherwise an upload.
func pushOpFor(m *models.IdentityMapping, local *models.LocalRecord) (models.OpType, *models.OperationPayload) {
	payload := &models.OperationPayload{
		Kind:           m.EntityKind,
		LocalID:        m.LocalID,
		RemoteObjectID: m.RemoteObjectID,
	}
	if local.Deleted {
		payload.RemoteSubObjectID = m.RemoteSubObjectID
		return models.DeleteOpFor(m.EntityKind), payload
	}
	payload.Record = local
	return models.UploadOpFor(m.EntityKind), payload
}

// markConflict parks the mapping in Conflict state with both snapshots
// until a caller resolves it.
func (e *SyncEngine) markConflict(ctx context.Context, t *txn, b *batch, m *models.IdentityMapping, local *models.LocalRecord, rec *models.RemoteRecord, start time.Time) error {
	m.SyncState = models.SyncStateConflict
	m.LastError = "awaiting manual resolution"
	if err := t.ids.Upsert(ctx, m); err != nil {
		return err
	}

	if err := t.repo.SaveConflict(ctx, &models.ConflictRecord{
		LocalID:        m.LocalID,
		EntityKind:     m.EntityKind,
		RemoteObjectID: rec.ID,
		BatchID:        batchID(b),
		DetectedAt:     e.now().UTC(),
		Local:          local,
		Remote:         rec,
	}); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save conflict", err)
	}

	var localFields models.Fields
	if local != nil {
		localFields = local.Fields
	}
	return t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditUpdate,
		EntityID:       m.LocalID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateConflict,
		ChangedFields:  conflict.ChangedFields(localFields, rec.Fields),
		DurationMs:     millisSince(start, e.now()),
		BatchID:        batchID(b),
	})
}

// applyRemoteDelete removes the local entity of a remotely deleted object
// and disables its mapping.
func (e *SyncEngine) applyRemoteDelete(ctx context.Context, t *txn, b *batch, m *models.IdentityMapping, rec *models.RemoteRecord, start time.Time) error {
	if err := e.store.Delete(ctx, t.q, m.LocalID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete local record", err)
	}
	if err := t.ids.Disable(ctx, m.LocalID); err != nil {
		return err
	}
	if err := t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditDelete,
		EntityID:       m.LocalID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateSynced,
		DurationMs:     millisSince(start, e.now()),
		BatchID:        batchID(b),
	}); err != nil {
		return err
	}
	return t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditMappingDeleted,
		EntityID:       m.LocalID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateDisabled,
		BatchID:        batchID(b),
	})
}

func (e *SyncEngine) auditIgnored(ctx context.Context, t *txn, b *batch, localID string, rec *models.RemoteRecord, reason string, start time.Time) error {
	logging.Debug("Remote change ignored", map[string]interface{}{
		"batch_id":         batchID(b),
		"local_id":         localID,
		"remote_object_id": rec.ID,
		"reason":           reason,
	})
	return t.audit.Record(ctx, &models.AuditEntry{
		Operation:      models.AuditUpdate,
		EntityID:       localID,
		RemoteObjectID: rec.ID,
		Outcome:        models.SyncStateDisabled,
		ErrorMessage:   reason,
		DurationMs:     millisSince(start, e.now()),
		BatchID:        batchID(b),
	})
}

// auditFailure records a failed attempt outside any transaction, since the
// transaction that failed has been rolled back.
func (e *SyncEngine) auditFailure(ctx context.Context, b *batch, op models.AuditOperation, localID, remoteID string, cause error, start time.Time) {
	err := e.audit.Record(context.WithoutCancel(ctx), &models.AuditEntry{
		Operation:      op,
		EntityID:       localID,
		RemoteObjectID: remoteID,
		Outcome:        models.SyncStateFailed,
		ErrorMessage:   cause.Error(),
		DurationMs:     millisSince(start, e.now()),
		BatchID:        batchID(b),
	})
	if err != nil {
		logging.Error("Failed to record audit entry", err, map[string]interface{}{"local_id": localID})
	}
}

// markFailed moves a mapping to Failed with the cause as its last error.
func (e *SyncEngine) markFailed(ctx context.Context, localID string, cause error) {
	err := e.identity.MarkState(context.WithoutCancel(ctx), localID, models.SyncStateFailed, cause.Error())
	if err != nil && !apperrors.Is(err, apperrors.ErrMappingNotFound) {
		logging.Error("Failed to mark mapping failed", err, map[string]interface{}{"local_id": localID})
	}
}

// enqueueLocalChanges schedules uploads and deletions for local records of
// kind modified since the last complete sync.
func (e *SyncEngine) enqueueLocalChanges(ctx context.Context, b *batch, kind models.EntityKind) error {
	cur, err := e.repo.GetCursor(ctx, kind)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync cursor", err)
	}
	records, err := e.store.ChangedSince(ctx, e.db, kind, cur.LastFullSync)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to list local changes", err)
	}

	for _, rec := range records {
		if b.stopping() {
			return nil
		}
		if b.wasTouched(rec.ID) {
			continue
		}
		queued, err := e.enqueueLocal(ctx, b, rec)
		if err != nil {
			return err
		}
		if queued {
			b.count(resultEnqueued)
		}
	}
	return nil
}

func (e *SyncEngine) enqueueLocal(ctx context.Context, b *batch, rec *models.LocalRecord) (bool, error) {
	queued := false
	err := e.inTx(ctx, func(t *txn) error {
		m, err := t.ids.Lookup(ctx, rec.ID)
		if err != nil {
			return err
		}

		var opType models.OpType
		payload := &models.OperationPayload{Kind: rec.Kind, LocalID: rec.ID, Record: rec}
		switch {
		case m == nil:
			if rec.Deleted || !b.settings.DefaultDirection.AllowsToRemote() {
				return nil
			}
			opType = models.UploadOpFor(rec.Kind)
		case !m.Active(), m.SyncState == models.SyncStateConflict, !m.Direction.AllowsToRemote():
			return nil
		case !m.ChangedSinceSync(rec.UpdatedAt):
			return nil
		case rec.Deleted:
			opType = models.DeleteOpFor(rec.Kind)
			payload.RemoteObjectID = m.RemoteObjectID
			payload.RemoteSubObjectID = m.RemoteSubObjectID
		default:
			opType = models.UploadOpFor(rec.Kind)
			payload.RemoteObjectID = m.RemoteObjectID
		}

		active, err := t.queue.HasActive(ctx, rec.ID, opType)
		if err != nil || active {
			return err
		}
		if _, err := t.queue.Enqueue(ctx, opType, payload, ""); err != nil {
			return err
		}
		if m != nil && m.SyncState != models.SyncStatePending {
			if err := t.ids.MarkState(ctx, m.LocalID, models.SyncStatePending, ""); err != nil {
				return err
			}
		}
		queued = true
		return nil
	})
	return queued, err
}

func batchID(b *batch) string {
	if b == nil {
		return ""
	}
	return b.id
}
