// Package handlers provides the REST API of the sync daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
	"github.com/kimhsiao/catalogsync/internal/sync/scheduler"
)

// Trigger starts sync batches on demand.
type Trigger interface {
	TriggerSync(ctx context.Context) bool
	SyncNow(ctx context.Context) (*syncpkg.Report, error)
	GetStatus(ctx context.Context) scheduler.SchedulerStatus
}

// SyncHandler handles sync status, triggers and drill-down.
type SyncHandler struct {
	engine  syncpkg.SyncEngineInterface
	trigger Trigger
	queue   *queue.Queue
	audit   *audit.Log
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine syncpkg.SyncEngineInterface, trigger Trigger, q *queue.Queue, log *audit.Log) *SyncHandler {
	return &SyncHandler{engine: engine, trigger: trigger, queue: q, audit: log}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/run", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/stop", h.StopSync)
	mux.HandleFunc("GET /api/sync/queue/failed", h.ListFailed)
	mux.HandleFunc("POST /api/sync/queue/{id}/retry", h.RetryOperation)
	mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{localId}/resolve", h.ResolveConflict)
	mux.HandleFunc("GET /api/sync/audit", h.QueryAudit)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError renders err with a status derived from its code.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrEntityNotFound, apperrors.ErrMappingNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrSyncConflict:
		status = http.StatusConflict
	case apperrors.ErrSyncNotConfigured:
		status = http.StatusServiceUnavailable
	case apperrors.ErrNotAuthenticated, apperrors.ErrInsufficientPermissions, apperrors.ErrNetwork:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "catalogsync"})
}

// GetStatus handles GET /api/sync/status
// Returns the run state, last report, queue and mapping counts.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]interface{}{"engine": status}
	if h.trigger != nil {
		response["scheduler"] = h.trigger.GetStatus(r.Context())
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/run
// With ?wait=true the batch runs inline and its report is returned;
// otherwise the batch starts in the background.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := h.trigger.SyncNow(r.Context())
		if err != nil && report == nil {
			writeError(w, err)
			return
		}
		response := map[string]interface{}{"report": report}
		if err != nil {
			response["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	if !h.trigger.TriggerSync(context.WithoutCancel(r.Context())) {
		writeError(w, apperrors.New(apperrors.ErrSyncInProgress, "a sync batch is already running"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// StopSync handles POST /api/sync/stop
func (h *SyncHandler) StopSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": h.engine.Stop()})
}

// ListFailed handles GET /api/sync/queue/failed
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.FailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops, "count": len(ops)})
}

// RetryOperation handles POST /api/sync/queue/{id}/retry
func (h *SyncHandler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.queue.RetryFailed(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "id": id})
}

// ListConflicts handles GET /api/sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.ListConflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts, "count": len(conflicts)})
}

// ResolveConflict handles POST /api/sync/conflicts/{localId}/resolve
// Body: {"kind": "use_local" | "use_remote" | "merge", "fields": [...]}
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var choice syncpkg.Choice
	if err := json.NewDecoder(r.Body).Decode(&choice); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	localID := r.PathValue("localId")
	if err := h.engine.ResolveConflict(r.Context(), localID, choice); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "local_id": localID})
}

// QueryAudit handles GET /api/sync/audit?batch_id=|entity_id=|from=&to=&limit=
// Times are RFC3339.
func (h *SyncHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.AuditFilter{
		BatchID:   q.Get("batch_id"),
		EntityID:  q.Get("entity_id"),
		Operation: models.AuditOperation(q.Get("operation")),
		Outcome:   models.SyncState(q.Get("outcome")),
		Limit:     100,
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid "+name+" time", err))
			return
		}
		*dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", v))
			return
		}
		filter.Limit = n
	}

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}
