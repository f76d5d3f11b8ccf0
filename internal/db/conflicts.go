package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/catalogsync/internal/models"
)

const conflictColumns = `local_id, entity_kind, remote_object_id, batch_id, detected_at, local_snapshot, remote_snapshot`

func scanConflict(s rowScanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var detected int64
	var local, remote string
	if err := s.Scan(&c.LocalID, &c.EntityKind, &c.RemoteObjectID, &c.BatchID, &detected, &local, &remote); err != nil {
		return nil, err
	}
	c.DetectedAt = fromMillis(detected)
	if err := json.Unmarshal([]byte(local), &c.Local); err != nil {
		return nil, fmt.Errorf("invalid local snapshot for %s: %w", c.LocalID, err)
	}
	if err := json.Unmarshal([]byte(remote), &c.Remote); err != nil {
		return nil, fmt.Errorf("invalid remote snapshot for %s: %w", c.LocalID, err)
	}
	return &c, nil
}

// SaveConflict records a pending manual resolution. A conflict detected again
// for the same local id replaces the stored snapshots.
func (r *Repository) SaveConflict(ctx context.Context, c *models.ConflictRecord) error {
	local, err := marshalJSON(c.Local)
	if err != nil {
		return err
	}
	remote, err := marshalJSON(c.Remote)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (`+conflictColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			entity_kind = excluded.entity_kind,
			remote_object_id = excluded.remote_object_id,
			batch_id = excluded.batch_id,
			detected_at = excluded.detected_at,
			local_snapshot = excluded.local_snapshot,
			remote_snapshot = excluded.remote_snapshot`,
		c.LocalID, c.EntityKind, c.RemoteObjectID, c.BatchID, toMillis(c.DetectedAt), local, remote)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.LocalID, err)
	}
	return nil
}

// GetConflict retrieves the pending conflict for localID. It returns
// sql.ErrNoRows when none exists.
func (r *Repository) GetConflict(ctx context.Context, localID string) (*models.ConflictRecord, error) {
	return scanConflict(r.q.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE local_id = ?`, localID))
}

// ListConflicts returns every pending conflict, oldest first.
func (r *Repository) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts ORDER BY detected_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict removes the pending conflict for localID.
func (r *Repository) DeleteConflict(ctx context.Context, localID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE local_id = ?`, localID)
	return err
}
