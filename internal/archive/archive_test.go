package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/catalogsync/internal/db"
	"github.com/kimhsiao/catalogsync/internal/db/dbtest"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type putCall struct {
	bucket, key string
	body        []byte
	meta        map[string]string
}

type fakePutter struct {
	calls []putCall
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, meta map[string]string) error {
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(body)) != size {
		return errors.New("size mismatch")
	}
	f.calls = append(f.calls, putCall{bucket: bucket, key: key, body: body, meta: meta})
	return nil
}

func seed(t *testing.T, hours ...int) (*audit.Log, *time.Time) {
	t.Helper()
	log := audit.New(db.NewRepository(dbtest.Open(t)))
	now := t0
	log.SetClock(func() time.Time { return now })
	for _, h := range hours {
		now = t0.Add(time.Duration(h) * time.Hour)
		require.NoError(t, log.Record(context.Background(), &models.AuditEntry{
			Operation: models.AuditUpdate,
			EntityID:  "l1",
			Outcome:   models.SyncStateSynced,
			BatchID:   "b1",
		}))
	}
	return log, &now
}

func newArchiver(log *audit.Log, p ObjectPutter) *Archiver {
	a := New(Config{Bucket: "audit-bucket", Prefix: "audit/"}, p, log)
	a.SetClock(func() time.Time { return t0.Add(48 * time.Hour) })
	return a
}

func TestArchiveUploadsThenPurges(t *testing.T) {
	log, _ := seed(t, 0, 1, 5)
	p := &fakePutter{}
	ctx := context.Background()

	res, err := newArchiver(log, p).Archive(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.EqualValues(t, 2, res.Purged)

	require.Len(t, p.calls, 1)
	call := p.calls[0]
	assert.Equal(t, "audit-bucket", call.bucket)
	assert.Equal(t, res.Key, call.key)
	assert.True(t, strings.HasPrefix(call.key, "audit/2026/03/03/audit-20260301T100000Z-20260301T110000Z-"))
	assert.True(t, strings.HasSuffix(call.key, ".jsonl"))
	assert.Equal(t, res.Checksum, call.meta["sha256"])
	assert.Equal(t, "2", call.meta["entries"])

	var lines int
	sc := bufio.NewScanner(bytes.NewReader(call.body))
	for sc.Scan() {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		assert.Equal(t, models.AuditUpdate, e.Operation)
		lines++
	}
	assert.Equal(t, 2, lines)

	left, err := log.Query(ctx, db.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, t0.Add(5*time.Hour), left[0].Timestamp)
}

func TestArchiveKeepsEntriesWhenUploadFails(t *testing.T) {
	log, _ := seed(t, 0, 1)
	p := &fakePutter{err: apperrors.Network(errors.New("connection reset"))}
	ctx := context.Background()

	_, err := newArchiver(log, p).Archive(ctx, t0.Add(24*time.Hour))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	left, err := log.Query(ctx, db.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestArchiveNothingToDo(t *testing.T) {
	log, _ := seed(t, 5)
	p := &fakePutter{}

	res, err := newArchiver(log, p).Archive(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.Empty(t, p.calls)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{name: "bare host", endpoint: "localhost:9000", wantHost: "localhost:9000"},
		{name: "bare host with ssl", endpoint: "minio.example.com", useSSL: true, wantHost: "minio.example.com", wantSecure: true},
		{name: "https scheme", endpoint: "https://minio.example.com/", wantHost: "minio.example.com", wantSecure: true},
		{name: "http scheme overrides ssl", endpoint: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000"},
		{name: "trailing slash", endpoint: "localhost:9000/", wantHost: "localhost:9000"},
		{name: "empty", endpoint: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, secure, err := ParseEndpoint(tt.endpoint, tt.useSSL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestNewMinIOStoreRequiresConfig(t *testing.T) {
	_, err := NewMinIOStore(Config{Endpoint: "localhost:9000"})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))

	s, err := NewMinIOStore(Config{
		Endpoint:  "localhost:9000",
		Bucket:    "audit",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
