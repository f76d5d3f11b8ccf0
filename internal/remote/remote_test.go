package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// platform is an in-memory remote served over httptest.
type platform struct {
	mu       sync.Mutex
	objects  map[string]*models.RemoteRecord
	byKey    map[string]*models.RemoteRecord
	feed     []*models.RemoteRecord
	pageSize int
	failures int // transient failures to serve before succeeding
	calls    int
	lastKey  string
}

func newPlatform() *platform {
	return &platform{
		objects:  map[string]*models.RemoteRecord{},
		byKey:    map[string]*models.RemoteRecord{},
		pageSize: 2,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (p *platform) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/{kind}/changes", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		start, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		end := start + p.pageSize
		if end > len(p.feed) {
			end = len(p.feed)
		}
		next := ""
		if end < len(p.feed) {
			next = strconv.Itoa(end)
		}
		writeJSON(w, http.StatusOK, models.ChangePage{
			Records:    p.feed[start:end],
			NextCursor: next,
			HasMore:    end < len(p.feed),
		})
	})

	mux.HandleFunc("POST /v1/{kind}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.calls++
		if p.failures > 0 {
			p.failures--
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try later"})
			return
		}
		key := r.Header.Get("Idempotency-Key")
		p.lastKey = key
		if rec, ok := p.byKey[key]; ok && key != "" {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		var body writeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		rec := &models.RemoteRecord{
			ID:      "r-" + strconv.Itoa(len(p.objects)+1),
			Kind:    models.EntityKind(r.PathValue("kind")),
			Fields:  body.Fields,
			Version: 1,
		}
		p.objects[rec.ID] = rec
		p.byKey[key] = rec
		writeJSON(w, http.StatusCreated, rec)
	})

	mux.HandleFunc("PUT /v1/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		rec, ok := p.objects[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		var body writeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ExpectedVersion == nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "expected_version required"})
			return
		}
		if *body.ExpectedVersion != rec.Version {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "version mismatch"})
			return
		}
		rec.Fields = body.Fields
		rec.Version++
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /v1/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		rec, ok := p.objects[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("DELETE /v1/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.objects[r.PathValue("id")]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		delete(p.objects, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func newTestClient(t *testing.T, h http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: token, RateLimit: 1000, RateBurst: 100, PageSize: 2})
	require.NoError(t, err)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(Config{Token: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))

	_, err = NewClient(Config{BaseURL: "https://api.example.com"})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}

func TestCreateIsIdempotent(t *testing.T) {
	p := newPlatform()
	c := newTestClient(t, p.handler(), "secret")
	ctx := context.Background()

	rec := &models.RemoteRecord{Kind: models.KindCustomer, Fields: models.Fields{"name": "Ada"}}
	first, err := c.CreateOrUpdate(ctx, rec, "key-1")
	require.NoError(t, err)
	second, err := c.CreateOrUpdate(ctx, rec, "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, p.objects, 1)
	assert.Equal(t, "key-1", p.lastKey)
}

func TestUpdateSendsExpectedVersion(t *testing.T) {
	p := newPlatform()
	c := newTestClient(t, p.handler(), "secret")
	ctx := context.Background()

	created, err := c.CreateOrUpdate(ctx, &models.RemoteRecord{Kind: models.KindCustomer, Fields: models.Fields{"name": "Ada"}}, "k1")
	require.NoError(t, err)

	updated, err := c.CreateOrUpdate(ctx, &models.RemoteRecord{
		ID: created.ID, Kind: models.KindCustomer, Fields: models.Fields{"name": "Ada L."}, Version: 1,
	}, "k2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	_, err = c.CreateOrUpdate(ctx, &models.RemoteRecord{
		ID: created.ID, Kind: models.KindCustomer, Fields: models.Fields{"name": "stale"}, Version: 1,
	}, "k3")
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncConflict))
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	p := newPlatform()
	p.failures = 2
	c := newTestClient(t, p.handler(), "secret")

	rec, err := c.CreateOrUpdate(context.Background(), &models.RemoteRecord{Kind: models.KindInventory, Fields: models.Fields{"qty": 3}}, "k")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 3, p.calls)
}

func TestRetriesExhaustedIsNetworkError(t *testing.T) {
	p := newPlatform()
	p.failures = 10
	c := newTestClient(t, p.handler(), "secret")

	_, err := c.CreateOrUpdate(context.Background(), &models.RemoteRecord{Kind: models.KindInventory}, "k")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.True(t, apperrors.Retryable(err))
	assert.Equal(t, 3, p.calls)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.ErrorCode
	}{
		{http.StatusUnauthorized, apperrors.ErrNotAuthenticated},
		{http.StatusForbidden, apperrors.ErrInsufficientPermissions},
		{http.StatusConflict, apperrors.ErrSyncConflict},
		{http.StatusPreconditionFailed, apperrors.ErrSyncConflict},
		{http.StatusUnprocessableEntity, apperrors.ErrInvalidRemoteResponse},
		{http.StatusTooManyRequests, apperrors.ErrNetwork},
		{http.StatusBadGateway, apperrors.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"message": "nope"})
			})
			c := newTestClient(t, h, "secret")
			_, err := c.FetchChanges(context.Background(), models.KindCustomer, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
}

func TestBadTokenIsNotAuthenticated(t *testing.T) {
	c := newTestClient(t, newPlatform().handler(), "wrong")
	_, err := c.FetchByRemoteID(context.Background(), models.KindCustomer, "r-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestMalformedBodyIsInvalidResponse(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})
	c := newTestClient(t, h, "secret")

	_, err := c.FetchByRemoteID(context.Background(), models.KindCustomer, "r-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRemoteResponse))
	assert.False(t, apperrors.Retryable(err))
}

func TestFetchAndDeleteMissingObject(t *testing.T) {
	p := newPlatform()
	c := newTestClient(t, p.handler(), "secret")
	ctx := context.Background()

	rec, err := c.FetchByRemoteID(ctx, models.KindCustomer, "r-404")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, c.Delete(ctx, models.KindCustomer, "r-404", "k"))

	created, err := c.CreateOrUpdate(ctx, &models.RemoteRecord{Kind: models.KindCustomer, Fields: models.Fields{"name": "x"}}, "k1")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, models.KindCustomer, created.ID, "k2"))
	assert.Empty(t, p.objects)
}

func TestPaginatorWalksFeed(t *testing.T) {
	p := newPlatform()
	for i := 1; i <= 5; i++ {
		p.feed = append(p.feed, &models.RemoteRecord{ID: "r-" + strconv.Itoa(i), Version: 1})
	}
	c := newTestClient(t, p.handler(), "secret")

	pager := NewPaginator(c, models.KindCustomer, "")
	all, err := pager.All(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, 3, pager.Pages())
	assert.Equal(t, "4", pager.Cursor(), "an empty final cursor keeps the last position")
	for _, rec := range all {
		assert.Equal(t, models.KindCustomer, rec.Kind)
	}

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)
}

func TestPaginatorLimit(t *testing.T) {
	p := newPlatform()
	for i := 1; i <= 5; i++ {
		p.feed = append(p.feed, &models.RemoteRecord{ID: "r-" + strconv.Itoa(i)})
	}
	c := newTestClient(t, p.handler(), "secret")

	recs, err := NewPaginator(c, models.KindInventory, "").All(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
