package db

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// GetCursor returns the pull cursor for kind. A kind never pulled yields an
// empty cursor.
func (r *Repository) GetCursor(ctx context.Context, kind models.EntityKind) (*models.SyncCursor, error) {
	c := models.SyncCursor{Kind: kind}
	var last sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT cursor, last_full_sync FROM sync_cursors WHERE entity_kind = ?`, kind).
		Scan(&c.Cursor, &last)
	if IsNotFound(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastFullSync = timePtr(last)
	return &c, nil
}

// SaveCursor stores the pull cursor and last full sync time for a kind.
func (r *Repository) SaveCursor(ctx context.Context, c *models.SyncCursor) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_kind, cursor, last_full_sync) VALUES (?, ?, ?)
		ON CONFLICT(entity_kind) DO UPDATE SET
			cursor = excluded.cursor,
			last_full_sync = excluded.last_full_sync`,
		c.Kind, c.Cursor, nullMillis(c.LastFullSync))
	return err
}
