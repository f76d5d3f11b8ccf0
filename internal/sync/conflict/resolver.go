// Package conflict decides how concurrent local and remote edits of the same
// record are settled.
package conflict

import (
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// Outcome is the decision reached for one record.
type Outcome string

const (
	UseLocal       Outcome = "use_local"
	UseRemote      Outcome = "use_remote"
	Merge          Outcome = "merge"
	RequiresManual Outcome = "requires_manual"
)

// Snapshot is one side of a conflict. A nil UpdatedAt is treated as the
// oldest possible instant.
type Snapshot struct {
	UpdatedAt *time.Time
	Fields    models.Fields
}

// Resolution is the result of Resolve. Fields lists the local field names
// to carry over when Outcome is Merge.
type Resolution struct {
	Outcome Outcome
	Fields  []string
}

// LocalSnapshot builds a snapshot from a local record. A nil record yields an
// empty snapshot.
func LocalSnapshot(rec *models.LocalRecord) Snapshot {
	if rec == nil {
		return Snapshot{}
	}
	return Snapshot{UpdatedAt: rec.UpdatedAt, Fields: rec.Fields}
}

// RemoteSnapshot builds a snapshot from a remote record.
func RemoteSnapshot(rec *models.RemoteRecord) Snapshot {
	if rec == nil {
		return Snapshot{}
	}
	return Snapshot{UpdatedAt: rec.UpdatedAt, Fields: rec.Fields}
}

// Resolve decides which side wins under strategy.
//
// RemoteWins and LocalWins ignore timestamps. MostRecentWins compares the
// timestamps truncated to the second; a tie goes to the remote side since the
// remote system is the system of record for shared catalog data. Manual
// always requires an explicit decision. An unknown strategy is treated as
// Manual so nothing is overwritten by accident.
func Resolve(local, remote Snapshot, strategy models.ConflictStrategy) Resolution {
	switch strategy {
	case models.StrategyRemoteWins:
		return Resolution{Outcome: UseRemote}
	case models.StrategyLocalWins:
		return Resolution{Outcome: UseLocal}
	case models.StrategyMostRecentWins:
		if seconds(local.UpdatedAt) > seconds(remote.UpdatedAt) {
			return Resolution{Outcome: UseLocal}
		}
		return Resolution{Outcome: UseRemote}
	default:
		return Resolution{Outcome: RequiresManual}
	}
}

// seconds maps a timestamp onto whole seconds, with nil as the minimum.
func seconds(t *time.Time) int64 {
	if t == nil {
		return minSeconds
	}
	return t.Unix()
}

const minSeconds = -1 << 63

// ChangedFields returns the sorted names of fields whose values differ
// between a and b, including fields present on only one side.
func ChangedFields(a, b models.Fields) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var changed []string
	for k, av := range a {
		seen[k] = struct{}{}
		bv, ok := b[k]
		if !ok || !cmp.Equal(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// MergeFields returns a copy of dst with the named fields taken from src. A
// named field absent from src is removed. The inputs are not modified.
func MergeFields(src, dst models.Fields, fields []string) models.Fields {
	out := dst.Clone()
	for _, name := range fields {
		if v, ok := src[name]; ok {
			out[name] = v
		} else {
			delete(out, name)
		}
	}
	return out
}
