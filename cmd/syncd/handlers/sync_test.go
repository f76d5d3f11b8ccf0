package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	"github.com/kimhsiao/catalogsync/internal/db/dbtest"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
	"github.com/kimhsiao/catalogsync/internal/sync/scheduler"
)

// fakeEngine records calls made through the HTTP surface.
type fakeEngine struct {
	status     *syncpkg.Status
	conflicts  []*models.ConflictRecord
	resolveErr error
	resolved   map[string]syncpkg.Choice
	webhooks   []syncpkg.WebhookEvent
	stopped    bool
}

func (e *fakeEngine) Run(ctx context.Context) (*syncpkg.Report, error) { return &syncpkg.Report{}, nil }
func (e *fakeEngine) Stop() bool                                      { return e.stopped }
func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler)        {}

func (e *fakeEngine) Status(ctx context.Context) (*syncpkg.Status, error) {
	if e.status == nil {
		return nil, apperrors.New(apperrors.ErrDatabase, "boom")
	}
	return e.status, nil
}

func (e *fakeEngine) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	return e.conflicts, nil
}

func (e *fakeEngine) ResolveConflict(ctx context.Context, localID string, choice syncpkg.Choice) error {
	if err := choice.Validate(); err != nil {
		return err
	}
	if e.resolveErr != nil {
		return e.resolveErr
	}
	if e.resolved == nil {
		e.resolved = map[string]syncpkg.Choice{}
	}
	e.resolved[localID] = choice
	return nil
}

func (e *fakeEngine) HandleWebhook(ctx context.Context, event syncpkg.WebhookEvent) (*models.QueuedOperation, error) {
	if !event.Kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown entity kind %q", event.Kind)
	}
	e.webhooks = append(e.webhooks, event)
	return &models.QueuedOperation{ID: "op-1"}, nil
}

type fakeTrigger struct {
	busy    bool
	started int
	report  *syncpkg.Report
	err     error
}

func (t *fakeTrigger) TriggerSync(ctx context.Context) bool {
	if t.busy {
		return false
	}
	t.started++
	return true
}

func (t *fakeTrigger) SyncNow(ctx context.Context) (*syncpkg.Report, error) {
	return t.report, t.err
}

func (t *fakeTrigger) GetStatus(ctx context.Context) scheduler.SchedulerStatus {
	return scheduler.SchedulerStatus{IsRunning: true, IsOnline: true}
}

type testServer struct {
	mux     *http.ServeMux
	engine  *fakeEngine
	trigger *fakeTrigger
	queue   *queue.Queue
	audit   *audit.Log
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	repo := db.NewRepository(dbtest.Open(t))
	s := &testServer{
		mux:     http.NewServeMux(),
		engine:  &fakeEngine{status: &syncpkg.Status{State: syncpkg.RunStateIdle, Configured: true}},
		trigger: &fakeTrigger{},
		queue:   queue.New(repo, queue.Config{MaxAttempts: 1}),
		audit:   audit.New(repo),
	}
	NewSyncHandler(s.engine, s.trigger, s.queue, s.audit).Register(s.mux)
	NewWebhookHandler(s.engine, "").Register(s.mux)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := setupServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v, want ok", got)
	}
}

func TestGetStatus(t *testing.T) {
	s := setupServer(t)
	rec := s.do(t, http.MethodGet, "/api/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	engine, ok := body["engine"].(map[string]interface{})
	if !ok {
		t.Fatalf("engine missing from %v", body)
	}
	if engine["state"] != string(syncpkg.RunStateIdle) {
		t.Errorf("state = %v, want idle", engine["state"])
	}
	if _, ok := body["scheduler"]; !ok {
		t.Error("scheduler status missing")
	}

	s.engine.status = nil
	if rec := s.do(t, http.MethodGet, "/api/sync/status", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d on engine failure, want 500", rec.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/api/sync/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if s.trigger.started != 1 {
		t.Errorf("started = %d, want 1", s.trigger.started)
	}

	s.trigger.busy = true
	rec = s.do(t, http.MethodPost, "/api/sync/run", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d while busy, want 409", rec.Code)
	}
	if code := decode(t, rec)["code"]; code != string(apperrors.ErrSyncInProgress) {
		t.Errorf("code = %v, want SYNC_IN_PROGRESS", code)
	}
}

func TestTriggerSync_wait(t *testing.T) {
	s := setupServer(t)
	s.trigger.report = &syncpkg.Report{BatchID: "b1", State: syncpkg.RunStateCompleted, Uploaded: 2}

	rec := s.do(t, http.MethodPost, "/api/sync/run?wait=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	report := decode(t, rec)["report"].(map[string]interface{})
	if report["batch_id"] != "b1" || report["uploaded"] != float64(2) {
		t.Errorf("report = %v", report)
	}

	s.trigger.report = nil
	s.trigger.err = apperrors.New(apperrors.ErrSyncNotConfigured, "sync not configured: remote.token")
	rec = s.do(t, http.MethodPost, "/api/sync/run?wait=true", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d when not configured, want 503", rec.Code)
	}
}

func TestStopSync(t *testing.T) {
	s := setupServer(t)
	s.engine.stopped = true
	rec := s.do(t, http.MethodPost, "/api/sync/stop", nil)
	if got := decode(t, rec)["stopped"]; got != true {
		t.Errorf("stopped = %v, want true", got)
	}
}

func TestFailedQueueAndRetry(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()

	op, err := s.queue.Enqueue(ctx, models.OpUploadCustomer, &models.OperationPayload{LocalID: "c1"}, "")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claimed, err := s.queue.DequeueNext(ctx)
	if err != nil || claimed == nil || claimed.ID != op.ID {
		t.Fatalf("DequeueNext() = %v, %v", claimed, err)
	}
	if _, err := s.queue.Fail(ctx, op.ID, apperrors.Network(context.DeadlineExceeded)); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	rec := s.do(t, http.MethodGet, "/api/sync/queue/failed", nil)
	if got := decode(t, rec)["count"]; got != float64(1) {
		t.Fatalf("failed count = %v, want 1", got)
	}

	rec = s.do(t, http.MethodPost, "/api/sync/queue/"+op.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got, err := s.queue.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.OperationPending {
		t.Errorf("status after retry = %s, want pending", got.Status)
	}

	rec = s.do(t, http.MethodPost, "/api/sync/queue/123e4567-e89b-42d3-a456-426614174000/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry of unknown op = %d, want 404", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/sync/queue/missing/retry", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("retry of malformed id = %d, want 400", rec.Code)
	}
}

func TestConflicts(t *testing.T) {
	s := setupServer(t)
	s.engine.conflicts = []*models.ConflictRecord{{LocalID: "c1", EntityKind: models.KindCustomer, RemoteObjectID: "r1"}}

	rec := s.do(t, http.MethodGet, "/api/sync/conflicts", nil)
	if got := decode(t, rec)["count"]; got != float64(1) {
		t.Errorf("conflict count = %v, want 1", got)
	}

	rec = s.do(t, http.MethodPost, "/api/sync/conflicts/c1/resolve", []byte(`{"kind":"merge","fields":["email"]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rec.Code, rec.Body.String())
	}
	if choice := s.engine.resolved["c1"]; choice.Kind != syncpkg.ChoiceMerge || len(choice.Fields) != 1 {
		t.Errorf("resolved choice = %+v", choice)
	}

	rec = s.do(t, http.MethodPost, "/api/sync/conflicts/c1/resolve", []byte(`{"kind":"merge"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("merge without fields = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/sync/conflicts/c1/resolve", []byte(`not json`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", rec.Code)
	}

	s.engine.resolveErr = apperrors.New(apperrors.ErrEntityNotFound, "no pending conflict")
	rec = s.do(t, http.MethodPost, "/api/sync/conflicts/c9/resolve", []byte(`{"kind":"use_local"}`))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown conflict = %d, want 404", rec.Code)
	}
}

func TestQueryAudit(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	for _, batch := range []string{"b1", "b1", "b2"} {
		if err := s.audit.Record(ctx, &models.AuditEntry{
			Operation: models.AuditUpdate,
			EntityID:  "c1",
			Outcome:   models.SyncStateSynced,
			BatchID:   batch,
		}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/sync/audit?batch_id=b1", nil)
	if got := decode(t, rec)["count"]; got != float64(2) {
		t.Errorf("batch b1 count = %v, want 2", got)
	}

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = s.do(t, http.MethodGet, "/api/sync/audit?from="+from+"&limit=1", nil)
	if got := decode(t, rec)["count"]; got != float64(1) {
		t.Errorf("limited count = %v, want 1", got)
	}

	rec = s.do(t, http.MethodGet, "/api/sync/audit?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad time = %d, want 400", rec.Code)
	}
}
