package models

import "time"

// SyncLock is the persisted run-in-progress flag for one sync target.
type SyncLock struct {
	Target      string    `db:"target" json:"target"`
	Owner       string    `db:"owner" json:"owner"`
	AcquiredAt  time.Time `db:"acquired_at" json:"acquired_at"`
	HeartbeatAt time.Time `db:"heartbeat_at" json:"heartbeat_at"`
}

// TableName returns the table name for SyncLock.
func (SyncLock) TableName() string {
	return "sync_locks"
}

// Stale reports whether the owner stopped heartbeating before now-staleAfter.
func (l *SyncLock) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.HeartbeatAt) > staleAfter
}

// SyncCursor tracks incremental pull progress for one entity kind.
type SyncCursor struct {
	Kind         EntityKind `db:"entity_kind" json:"kind"`
	Cursor       string     `db:"cursor" json:"cursor"`
	LastFullSync *time.Time `db:"last_full_sync" json:"last_full_sync,omitempty"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
