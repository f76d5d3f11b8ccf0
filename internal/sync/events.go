package sync

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/hashicorp/go-multierror"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
)

// SyncEventType identifies an engine notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventProgress         SyncEventType = "sync.progress"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventFailed           SyncEventType = "sync.failed"
	SyncEventConflictDetected SyncEventType = "sync.conflict_detected"
	SyncEventWebhookReceived  SyncEventType = "sync.webhook_received"
)

// SyncEvent is a notification pushed to the event handler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	BatchID   string        `json:"batch_id,omitempty"`
	LocalID   string        `json:"local_id,omitempty"`
	Message   string        `json:"message,omitempty"`
	Report    *Report       `json:"report,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// RunState is the engine's run state machine: Idle, then Running, then
// Completed or PartiallyFailed, and back to Running on the next batch.
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStateRunning         RunState = "running"
	RunStateCompleted       RunState = "completed"
	RunStatePartiallyFailed RunState = "partially_failed"
)

// Report summarizes one sync batch.
type Report struct {
	BatchID    string    `json:"batch_id"`
	State      RunState  `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Stopped    bool      `json:"stopped,omitempty"`

	Downloaded int `json:"downloaded"`
	Uploaded   int `json:"uploaded"`
	Deleted    int `json:"deleted"`
	Enqueued   int `json:"enqueued"`
	Ignored    int `json:"ignored"`
	Skipped    int `json:"skipped"`
	Conflicts  int `json:"conflicts"`
	Failed     int `json:"failed"`

	Errors []string `json:"errors,omitempty"`

	mu   gosync.Mutex
	errs *multierror.Error
}

// Duration returns how long the batch ran.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err returns every failure recorded during the batch, or nil.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs.ErrorOrNil()
}

// Unreachable reports whether the batch failed only with transient errors
// and moved nothing in either direction, which is how a lost connection to
// the remote looks.
func (r *Report) Unreachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil || len(r.errs.Errors) == 0 {
		return false
	}
	if r.Downloaded+r.Uploaded+r.Deleted > 0 {
		return false
	}
	for _, err := range r.errs.Errors {
		if apperrors.KindOf(err) != apperrors.KindTransient {
			return false
		}
	}
	return true
}

// Summary renders the counters for logs and batch audit entries.
func (r *Report) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("downloaded=%d uploaded=%d deleted=%d enqueued=%d ignored=%d skipped=%d conflicts=%d failed=%d",
		r.Downloaded, r.Uploaded, r.Deleted, r.Enqueued, r.Ignored, r.Skipped, r.Conflicts, r.Failed)
}

func (r *Report) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed++
	r.errs = multierror.Append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

func (r *Report) add(counter *int, n int) {
	r.mu.Lock()
	*counter += n
	r.mu.Unlock()
}

// snapshot copies the counters for event payloads.
func (r *Report) snapshot() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Report{
		BatchID:    r.BatchID,
		State:      r.State,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Stopped:    r.Stopped,
		Downloaded: r.Downloaded,
		Uploaded:   r.Uploaded,
		Deleted:    r.Deleted,
		Enqueued:   r.Enqueued,
		Ignored:    r.Ignored,
		Skipped:    r.Skipped,
		Conflicts:  r.Conflicts,
		Failed:     r.Failed,
		Errors:     append([]string(nil), r.Errors...),
	}
}
