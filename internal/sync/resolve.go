package sync

import (
	"context"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/sync/conflict"
)

// ChoiceKind names how a manual conflict is settled.
type ChoiceKind string

const (
	ChoiceUseLocal  ChoiceKind = "use_local"
	ChoiceUseRemote ChoiceKind = "use_remote"
	ChoiceMerge     ChoiceKind = "merge"
)

// Choice is a caller's resolution of a Conflict mapping. For ChoiceMerge,
// Fields lists the fields taken from the remote record; every other field
// keeps its local value.
type Choice struct {
	Kind   ChoiceKind `json:"kind"`
	Fields []string   `json:"fields,omitempty"`
}

// Validate checks the choice is complete.
func (c Choice) Validate() error {
	switch c.Kind {
	case ChoiceUseLocal, ChoiceUseRemote:
		return nil
	case ChoiceMerge:
		if len(c.Fields) == 0 {
			return apperrors.New(apperrors.ErrInvalid, "merge requires at least one field")
		}
		return nil
	}
	return apperrors.Newf(apperrors.ErrInvalid, "unknown resolution %q", c.Kind)
}

// ListConflicts returns the mappings awaiting manual resolution, oldest
// first.
func (e *SyncEngine) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	conflicts, err := e.repo.ListConflicts(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	return conflicts, nil
}

// ResolveConflict settles a Conflict mapping. The remote record is fetched
// again first, so the choice applies to the freshest remote state. Choosing
// the local side or a merge schedules an upload; choosing the remote side
// overwrites the local record. Exactly one ConflictResolved audit entry is
// written.
func (e *SyncEngine) ResolveConflict(ctx context.Context, localID string, choice Choice) error {
	if err := choice.Validate(); err != nil {
		return err
	}
	remote, settings, err := e.configured()
	if err != nil {
		return err
	}

	pending, err := e.repo.GetConflict(ctx, localID)
	if db.IsNotFound(err) {
		return apperrors.Newf(apperrors.ErrEntityNotFound, "no pending conflict for %s", localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict", err)
	}
	m, err := e.identity.Lookup(ctx, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return apperrors.Newf(apperrors.ErrMappingNotFound, "no mapping for %s", localID)
	}

	start := e.now()
	fresh, err := e.fetchByRemoteID(ctx, remote, settings.CallTimeout, m.EntityKind, m.RemoteObjectID)
	if err != nil {
		return err
	}

	err = e.inTx(ctx, func(t *txn) error {
		current, err := t.ids.Lookup(ctx, localID)
		if err != nil {
			return err
		}
		if current == nil || current.SyncState != models.SyncStateConflict {
			return apperrors.Newf(apperrors.ErrInvalid, "mapping %s is not in conflict", localID)
		}
		local, err := e.store.ReadAny(ctx, t.q, localID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read local record", err)
		}
		if local == nil {
			local = pending.Local
		}

		changed, err := e.applyChoice(ctx, t, current, local, fresh, choice)
		if err != nil {
			return err
		}
		if err := t.repo.DeleteConflict(ctx, localID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear conflict", err)
		}

		remoteID := current.RemoteObjectID
		if fresh != nil {
			remoteID = fresh.ID
		}
		return t.audit.Record(ctx, &models.AuditEntry{
			Operation:      models.AuditConflictResolved,
			EntityID:       localID,
			RemoteObjectID: remoteID,
			Outcome:        current.SyncState,
			ChangedFields:  changed,
			DurationMs:     millisSince(start, e.now()),
			BatchID:        pending.BatchID,
			Summary:        string(choice.Kind),
		})
	})
	if err != nil {
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"local_id":   localID,
		"resolution": choice.Kind,
		"fields":     choice.Fields,
	})
	return nil
}

// applyChoice writes the outcome of a manual resolution and returns the
// changed field names. fresh is nil when the remote object has been deleted.
func (e *SyncEngine) applyChoice(ctx context.Context, t *txn, m *models.IdentityMapping, local *models.LocalRecord, fresh *models.RemoteRecord, choice Choice) ([]string, error) {
	var localFields, remoteFields models.Fields
	if local != nil {
		localFields = local.Fields
	}
	if fresh != nil {
		remoteFields = fresh.Fields
		m.RemoteVersion = fresh.Version
	}

	switch choice.Kind {
	case ChoiceUseRemote:
		if fresh == nil {
			if err := e.store.Delete(ctx, t.q, m.LocalID); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete local record", err)
			}
			m.SyncState = models.SyncStateDisabled
			m.LastError = ""
			return fieldNames(localFields), t.ids.Upsert(ctx, m)
		}
		if err := e.overwriteLocal(ctx, t, m, fresh); err != nil {
			return nil, err
		}
		return conflict.ChangedFields(localFields, remoteFields), nil
	}

	if fresh == nil {
		return nil, apperrors.Newf(apperrors.ErrEntityNotFound,
			"remote object %s was deleted; only %s applies", m.RemoteObjectID, ChoiceUseRemote)
	}
	if choice.Kind == ChoiceMerge {
		if local != nil && local.Deleted {
			return nil, apperrors.Newf(apperrors.ErrInvalid,
				"local record %s was deleted; choose %s or %s", m.LocalID, ChoiceUseLocal, ChoiceUseRemote)
		}
		merged := conflict.MergeFields(remoteFields, localFields, choice.Fields)
		now := e.now().UTC()
		local = &models.LocalRecord{ID: m.LocalID, Kind: m.EntityKind, Fields: merged, UpdatedAt: &now}
		if err := e.store.Write(ctx, t.q, local); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to write merged record", err)
		}
		return choice.Fields, e.scheduleResolvedUpload(ctx, t, m, local)
	}
	if local == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "local record %s no longer exists", m.LocalID)
	}
	if local.Deleted {
		return fieldNames(remoteFields), e.scheduleResolvedUpload(ctx, t, m, local)
	}
	return conflict.ChangedFields(remoteFields, localFields), e.scheduleResolvedUpload(ctx, t, m, local)
}

// scheduleResolvedUpload returns the mapping to Synced and enqueues the
// operation carrying the resolved local content: an upload, or a deletion
// when the local record is a tombstone.
func (e *SyncEngine) scheduleResolvedUpload(ctx context.Context, t *txn, m *models.IdentityMapping, local *models.LocalRecord) error {
	opType, payload := pushOpFor(m, local)
	m.SyncState = models.SyncStateSynced
	m.LastError = ""
	if err := t.ids.Upsert(ctx, m); err != nil {
		return err
	}
	_, err := t.queue.Enqueue(ctx, opType, payload, "")
	return err
}
