package models

import "time"

// IdentityMapping associates a local entity with its remote counterpart.
type IdentityMapping struct {
	LocalID           string           `db:"local_id" json:"local_id"`
	EntityKind        EntityKind       `db:"entity_kind" json:"entity_kind"`
	RemoteObjectID    string           `db:"remote_object_id" json:"remote_object_id"`
	RemoteSubObjectID string           `db:"remote_sub_object_id" json:"remote_sub_object_id,omitempty"`
	LastSyncedAt      *time.Time       `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncState         SyncState        `db:"sync_state" json:"sync_state"`
	Direction         Direction        `db:"direction" json:"direction"`
	ConflictStrategy  ConflictStrategy `db:"conflict_strategy" json:"conflict_strategy"`
	Version           int64            `db:"version" json:"version"`
	RemoteVersion     int64            `db:"remote_version" json:"remote_version"`
	LastError         string           `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for IdentityMapping.
func (IdentityMapping) TableName() string {
	return "identity_mappings"
}

// Active reports whether the mapping still participates in sync.
func (m *IdentityMapping) Active() bool {
	return m.SyncState != SyncStateDisabled
}

// ChangedSinceSync reports whether a change stamped t happened after the
// last successful sync. A missing stamp counts as the oldest instant.
func (m *IdentityMapping) ChangedSinceSync(t *time.Time) bool {
	if m.LastSyncedAt == nil {
		return true
	}
	if t == nil {
		return false
	}
	return t.After(*m.LastSyncedAt)
}
