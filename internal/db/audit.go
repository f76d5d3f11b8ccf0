package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// AuditFilter narrows an audit query. Zero fields are ignored; From is
// inclusive and To exclusive.
type AuditFilter struct {
	BatchID   string
	EntityID  string
	Operation models.AuditOperation
	Outcome   models.SyncState
	From      *time.Time
	To        *time.Time
	Limit     int
}

const auditColumns = `id, timestamp, operation, entity_id, remote_object_id, outcome,
	error_message, changed_fields, duration_ms, batch_id, summary`

// InsertAuditEntry appends an audit entry. Entries are never updated.
func (r *Repository) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	fields := e.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	changed, err := marshalJSON(fields)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_audit (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.q.ExecContext(ctx, query,
		e.ID, toMillis(e.Timestamp), e.Operation, e.EntityID, e.RemoteObjectID, e.Outcome,
		e.ErrorMessage, changed, e.DurationMs, e.BatchID, e.Summary)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns entries matching f in insertion order.
func (r *Repository) QueryAudit(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	var where []string
	var args []interface{}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		where = append(where, "timestamp < ?")
		args = append(args, toMillis(*f.To))
	}

	query := `SELECT ` + auditColumns + ` FROM sync_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts int64
		var changed string
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.EntityID, &e.RemoteObjectID, &e.Outcome,
			&e.ErrorMessage, &changed, &e.DurationMs, &e.BatchID, &e.Summary); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		if err := json.Unmarshal([]byte(changed), &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("invalid changed_fields for audit entry %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountAuditByOutcome aggregates the entries of one batch per outcome.
func (r *Repository) CountAuditByOutcome(ctx context.Context, batchID string) (map[models.SyncState]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM sync_audit WHERE batch_id = ? GROUP BY outcome`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SyncState]int)
	for rows.Next() {
		var outcome models.SyncState
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// DeleteAuditEntries removes the entries with the given ids. Only the
// administrative archive path calls this.
func (r *Repository) DeleteAuditEntries(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	// Stay well below SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]
		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		result, err := r.q.ExecContext(ctx, `DELETE FROM sync_audit WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete audit entries: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
