package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/kimhsiao/catalogsync/internal/models"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// ago renders t relative to now, or "never" for the zero time.
func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func styleState(s models.SyncState) string {
	switch s {
	case models.SyncStateSynced:
		return okStyle.Render(string(s))
	case models.SyncStatePending:
		return warnStyle.Render(string(s))
	case models.SyncStateFailed, models.SyncStateConflict:
		return errStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func styleRunState(s syncpkg.RunState) string {
	switch s {
	case syncpkg.RunStateCompleted:
		return okStyle.Render(string(s))
	case syncpkg.RunStateRunning:
		return warnStyle.Render(string(s))
	case syncpkg.RunStatePartiallyFailed:
		return errStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func renderReport(w io.Writer, r *syncpkg.Report) {
	if r == nil {
		fmt.Fprintln(w, dimStyle.Render("No sync batch has run yet."))
		return
	}
	fmt.Fprintf(w, "%s %s  %s\n", headerStyle.Render("Batch"), r.BatchID, styleRunState(r.State))
	finished := r.FinishedAt
	fmt.Fprintf(w, "  finished %s, took %s\n", ago(&finished), r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  downloaded %d  uploaded %d  deleted %d  enqueued %d\n",
		r.Downloaded, r.Uploaded, r.Deleted, r.Enqueued)
	fmt.Fprintf(w, "  ignored %d  skipped %d  conflicts %s  failed %s\n",
		r.Ignored, r.Skipped, countStyle(r.Conflicts, warnStyle), countStyle(r.Failed, errStyle))
	if r.Stopped {
		fmt.Fprintln(w, warnStyle.Render("  stopped before completion"))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s %s\n", errStyle.Render("!"), e)
	}
}

func countStyle(n int, style lipgloss.Style) string {
	if n == 0 {
		return "0"
	}
	return style.Render(fmt.Sprint(n))
}

func renderStatus(w io.Writer, s *syncpkg.Status) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Engine:"), styleRunState(s.State))
	if !s.Configured {
		fmt.Fprintf(w, "  %s %s\n", errStyle.Render("not configured:"), s.ConfigError)
	}
	if s.LockHolder != nil {
		hb := s.LockHolder.HeartbeatAt
		fmt.Fprintf(w, "  lock held by %s (heartbeat %s)\n", s.LockHolder.Owner, ago(&hb))
	}

	fmt.Fprintln(w, headerStyle.Render("Queue:"))
	fmt.Fprintf(w, "  pending %d  in progress %d  completed %d  failed %s\n",
		s.Queue.Pending, s.Queue.InProgress, s.Queue.Completed, countStyle(s.Queue.Failed, errStyle))

	fmt.Fprintln(w, headerStyle.Render("Mappings:"))
	states := make([]string, 0, len(s.Mappings))
	for state := range s.Mappings {
		states = append(states, string(state))
	}
	sort.Strings(states)
	if len(states) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none"))
	}
	for _, state := range states {
		fmt.Fprintf(w, "  %-10s %d\n", styleState(models.SyncState(state)), s.Mappings[models.SyncState(state)])
	}

	fmt.Fprintln(w, headerStyle.Render("Last batch:"))
	renderReport(w, s.LastReport)
}

func renderOperation(w io.Writer, op *models.QueuedOperation) {
	fmt.Fprintf(w, "%s  %-32s %-10s attempts %d  enqueued %s\n",
		op.ID, op.OpType, op.Status, op.AttemptCount, humanize.Time(op.EnqueuedAt))
	if op.LastError != "" {
		fmt.Fprintf(w, "    %s %s\n", errStyle.Render("last error:"), op.LastError)
	}
	if op.Status == models.OperationPending && op.NextRetryAt.After(time.Now()) {
		fmt.Fprintf(w, "    %s %s\n", dimStyle.Render("next retry"), humanize.Time(op.NextRetryAt))
	}
}

func renderMapping(w io.Writer, m *models.IdentityMapping) {
	fmt.Fprintf(w, "%-36s %-10s %-24s %s  synced %s\n",
		m.LocalID, m.EntityKind, m.RemoteObjectID, styleState(m.SyncState), ago(m.LastSyncedAt))
	if m.LastError != "" {
		fmt.Fprintf(w, "    %s\n", errStyle.Render(m.LastError))
	}
}

func renderAuditEntry(w io.Writer, e *models.AuditEntry) {
	line := fmt.Sprintf("%s  %-8s %-10s %s",
		e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Operation, styleState(e.Outcome), e.EntityID)
	if e.RemoteObjectID != "" {
		line += dimStyle.Render(" -> " + e.RemoteObjectID)
	}
	if len(e.ChangedFields) > 0 {
		line += "  [" + strings.Join(e.ChangedFields, ", ") + "]"
	}
	fmt.Fprintln(w, line)
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "    %s\n", errStyle.Render(e.ErrorMessage))
	}
}

// renderFieldDiff prints the local and remote values of every differing
// field side by side.
func renderFieldDiff(w io.Writer, fields []string, local, remote models.Fields) {
	for _, f := range fields {
		fmt.Fprintf(w, "  %s\n", headerStyle.Render(f))
		fmt.Fprintf(w, "    local:  %v\n", valueOrAbsent(local, f))
		fmt.Fprintf(w, "    remote: %v\n", valueOrAbsent(remote, f))
	}
}

func valueOrAbsent(fields models.Fields, name string) interface{} {
	v, ok := fields[name]
	if !ok {
		return dimStyle.Render("<absent>")
	}
	return v
}
