package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

const mappingColumns = `local_id, entity_kind, remote_object_id, remote_sub_object_id, last_synced_at,
	sync_state, direction, conflict_strategy, version, remote_version, last_error, created_at, updated_at`

func scanMapping(s rowScanner) (*models.IdentityMapping, error) {
	var m models.IdentityMapping
	var lastSynced sql.NullInt64
	var createdAt, updatedAt int64
	err := s.Scan(&m.LocalID, &m.EntityKind, &m.RemoteObjectID, &m.RemoteSubObjectID, &lastSynced,
		&m.SyncState, &m.Direction, &m.ConflictStrategy, &m.Version, &m.RemoteVersion, &m.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.LastSyncedAt = timePtr(lastSynced)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

func (r *Repository) queryMappings(ctx context.Context, query string, args ...interface{}) ([]*models.IdentityMapping, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.IdentityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMapping retrieves a mapping by local id. It returns sql.ErrNoRows when
// absent.
func (r *Repository) GetMapping(ctx context.Context, localID string) (*models.IdentityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM identity_mappings WHERE local_id = ?`
	return scanMapping(r.q.QueryRowContext(ctx, query, localID))
}

// GetMappingsByRemote returns every mapping for a remote object, active
// mappings first, then most recently updated.
func (r *Repository) GetMappingsByRemote(ctx context.Context, remoteObjectID, remoteSubObjectID string) ([]*models.IdentityMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM identity_mappings
	WHERE remote_object_id = ? AND remote_sub_object_id = ?
	ORDER BY (sync_state = 'disabled'), updated_at DESC`
	return r.queryMappings(ctx, query, remoteObjectID, remoteSubObjectID)
}

// UpsertMapping inserts a mapping or replaces the mutable columns of an
// existing one. created_at is preserved on update.
func (r *Repository) UpsertMapping(ctx context.Context, m *models.IdentityMapping) error {
	query := `
	INSERT INTO identity_mappings (` + mappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		entity_kind = excluded.entity_kind,
		remote_object_id = excluded.remote_object_id,
		remote_sub_object_id = excluded.remote_sub_object_id,
		last_synced_at = excluded.last_synced_at,
		sync_state = excluded.sync_state,
		direction = excluded.direction,
		conflict_strategy = excluded.conflict_strategy,
		version = excluded.version,
		remote_version = excluded.remote_version,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := r.q.ExecContext(ctx, query,
		m.LocalID, m.EntityKind, m.RemoteObjectID, m.RemoteSubObjectID, nullMillis(m.LastSyncedAt),
		m.SyncState, m.Direction, m.ConflictStrategy, m.Version, m.RemoteVersion, m.LastError,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s: %w", m.LocalID, err)
	}
	return nil
}

// UpdateMappingState sets sync_state and last_error. It reports whether a
// mapping was found.
func (r *Repository) UpdateMappingState(ctx context.Context, localID string, state models.SyncState, lastError string, now time.Time) (bool, error) {
	query := `UPDATE identity_mappings SET sync_state = ?, last_error = ?, updated_at = ? WHERE local_id = ?`
	result, err := r.q.ExecContext(ctx, query, state, lastError, toMillis(now), localID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ListMappingsByState returns mappings in the given state, oldest update first.
func (r *Repository) ListMappingsByState(ctx context.Context, state models.SyncState, limit int) ([]*models.IdentityMapping, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + mappingColumns + ` FROM identity_mappings WHERE sync_state = ? ORDER BY updated_at LIMIT ?`
	return r.queryMappings(ctx, query, state, limit)
}

// CountMappingsByState aggregates mappings per sync state.
func (r *Repository) CountMappingsByState(ctx context.Context) (map[models.SyncState]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT sync_state, COUNT(*) FROM identity_mappings GROUP BY sync_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SyncState]int, len(models.AllSyncStates))
	for _, s := range models.AllSyncStates {
		counts[s] = 0
	}
	for rows.Next() {
		var state models.SyncState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
