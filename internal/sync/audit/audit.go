// Package audit is the append-only history of sync actions.
package audit

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// Log records and queries audit entries.
type Log struct {
	repo db.AuditRepository
	now  func() time.Time
}

// New creates a Log over repo, which may be bound to a transaction.
func New(repo db.AuditRepository) *Log {
	return &Log{repo: repo, now: time.Now}
}

// SetClock replaces the clock used to stamp entries.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Record appends entry, assigning an id and timestamp when unset.
func (l *Log) Record(ctx context.Context, entry *models.AuditEntry) error {
	if !entry.Operation.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown audit operation %q", entry.Operation)
	}
	if !entry.Outcome.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown audit outcome %q", entry.Outcome)
	}
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	if err := l.repo.InsertAuditEntry(ctx, entry); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record audit entry", err)
	}

	logging.Debug("Audit entry recorded", map[string]interface{}{
		"audit_id":  entry.ID,
		"operation": entry.Operation,
		"outcome":   entry.Outcome,
		"entity_id": entry.EntityID,
		"batch_id":  entry.BatchID,
	})
	return nil
}

// QueryBatch returns every entry produced by one sync run.
func (l *Log) QueryBatch(ctx context.Context, batchID string) ([]*models.AuditEntry, error) {
	return l.Query(ctx, db.AuditFilter{BatchID: batchID})
}

// QueryRange returns entries with from <= timestamp < to.
func (l *Log) QueryRange(ctx context.Context, from, to time.Time) ([]*models.AuditEntry, error) {
	return l.Query(ctx, db.AuditFilter{From: &from, To: &to})
}

// Query returns entries matching an arbitrary filter.
func (l *Log) Query(ctx context.Context, f db.AuditFilter) ([]*models.AuditEntry, error) {
	entries, err := l.repo.QueryAudit(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query audit log", err)
	}
	return entries, nil
}

// Counts aggregates the outcomes recorded for a batch.
func (l *Log) Counts(ctx context.Context, batchID string) (map[models.SyncState]int, error) {
	counts, err := l.repo.CountAuditByOutcome(ctx, batchID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count audit entries", err)
	}
	return counts, nil
}

// Purge removes exactly the given entries. It is an administrative retention
// operation and is never called by the sync run.
func (l *Log) Purge(ctx context.Context, entries []*models.AuditEntry) (int64, error) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	n, err := l.repo.DeleteAuditEntries(ctx, ids)
	if err != nil {
		return n, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge audit entries", err)
	}
	logging.Info("Audit entries purged", map[string]interface{}{"count": n})
	return n, nil
}
