package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/catalogsync/internal/db"
	"github.com/kimhsiao/catalogsync/internal/db/dbtest"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newLog(t *testing.T) (*Log, *time.Time) {
	t.Helper()
	l := New(db.NewRepository(dbtest.Open(t)))
	now := t0
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	e := &models.AuditEntry{Operation: models.AuditCreate, EntityID: "l1", Outcome: models.SyncStateSynced, BatchID: "b1"}
	require.NoError(t, l.Record(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, t0, e.Timestamp)

	got, err := l.QueryBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, models.AuditCreate, got[0].Operation)
}

func TestRecordRejectsUnknownEnums(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	err := l.Record(ctx, &models.AuditEntry{Operation: "explode", Outcome: models.SyncStateSynced})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = l.Record(ctx, &models.AuditEntry{Operation: models.AuditUpdate, Outcome: "meh"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestQueryRangeAndCounts(t *testing.T) {
	l, now := newLog(t)
	ctx := context.Background()

	outcomes := []models.SyncState{models.SyncStateSynced, models.SyncStateFailed, models.SyncStateSynced}
	for i, outcome := range outcomes {
		*now = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Record(ctx, &models.AuditEntry{
			Operation: models.AuditUpdate, Outcome: outcome, BatchID: "b1", DurationMs: int64(i),
		}))
	}

	inRange, err := l.QueryRange(ctx, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, inRange, 2)

	counts, err := l.Counts(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.SyncStateSynced])
	assert.Equal(t, 1, counts[models.SyncStateFailed])
}

func TestPurgeRemovesOnlyGivenEntries(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, &models.AuditEntry{Operation: models.AuditDelete, Outcome: models.SyncStateSynced}))
	}
	all, err := l.Query(ctx, db.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	n, err := l.Purge(ctx, all[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := l.Query(ctx, db.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, all[2].ID, left[0].ID)
}
