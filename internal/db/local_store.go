package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// LocalRecordStore keeps business records in the local_records table. Each
// call runs on the Querier it is handed so the caller owns the transaction.
type LocalRecordStore struct {
	now func() time.Time
}

// NewLocalRecordStore creates a LocalRecordStore using the wall clock.
func NewLocalRecordStore() *LocalRecordStore {
	return &LocalRecordStore{now: time.Now}
}

// SetClock replaces the clock used to stamp tombstones.
func (s *LocalRecordStore) SetClock(now func() time.Time) {
	s.now = now
}

func scanLocalRecord(s rowScanner) (*models.LocalRecord, error) {
	var rec models.LocalRecord
	var fields string
	var updated sql.NullInt64
	if err := s.Scan(&rec.ID, &rec.Kind, &fields, &updated, &rec.Deleted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("invalid fields for record %s: %w", rec.ID, err)
	}
	rec.UpdatedAt = timePtr(updated)
	return &rec, nil
}

// Read returns the live record for localID, or nil when it does not exist or
// was deleted.
func (s *LocalRecordStore) Read(ctx context.Context, q Querier, localID string) (*models.LocalRecord, error) {
	rec, err := scanLocalRecord(q.QueryRowContext(ctx,
		`SELECT id, entity_kind, fields, updated_at, deleted FROM local_records WHERE id = ? AND deleted = 0`, localID))
	if IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

// ReadAny returns the record for localID with Deleted set when it is a
// tombstone, or nil when it never existed.
func (s *LocalRecordStore) ReadAny(ctx context.Context, q Querier, localID string) (*models.LocalRecord, error) {
	rec, err := scanLocalRecord(q.QueryRowContext(ctx,
		`SELECT id, entity_kind, fields, updated_at, deleted FROM local_records WHERE id = ?`, localID))
	if IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

// Write inserts or replaces a record, reviving it if it had been deleted.
func (s *LocalRecordStore) Write(ctx context.Context, q Querier, rec *models.LocalRecord) error {
	fields := rec.Fields
	if fields == nil {
		fields = models.Fields{}
	}
	data, err := marshalJSON(fields)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO local_records (id, entity_kind, fields, updated_at, deleted) VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			entity_kind = excluded.entity_kind,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted = 0`,
		rec.ID, rec.Kind, data, nullMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete tombstones a record so the deletion shows up in ChangedSince.
func (s *LocalRecordStore) Delete(ctx context.Context, q Querier, localID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE local_records SET deleted = 1, updated_at = ? WHERE id = ?`, toMillis(s.now()), localID)
	return err
}

// ChangedSince returns records of kind modified strictly after since,
// tombstones included. A nil since returns every record of the kind.
func (s *LocalRecordStore) ChangedSince(ctx context.Context, q Querier, kind models.EntityKind, since *time.Time) ([]*models.LocalRecord, error) {
	query := `SELECT id, entity_kind, fields, updated_at, deleted FROM local_records WHERE entity_kind = ?`
	args := []interface{}{kind}
	if since != nil {
		query += " AND updated_at > ?"
		args = append(args, toMillis(*since))
	}
	query += " ORDER BY updated_at, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LocalRecord
	for rows.Next() {
		rec, err := scanLocalRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
