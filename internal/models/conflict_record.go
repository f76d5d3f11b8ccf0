package models

import "time"

// ConflictRecord is the pending manual-resolution entry for a mapping in
// Conflict state. It is removed when the conflict is resolved.
type ConflictRecord struct {
	LocalID        string        `db:"local_id" json:"local_id"`
	EntityKind     EntityKind    `db:"entity_kind" json:"entity_kind"`
	RemoteObjectID string        `db:"remote_object_id" json:"remote_object_id"`
	BatchID        string        `db:"batch_id" json:"batch_id,omitempty"`
	DetectedAt     time.Time     `db:"detected_at" json:"detected_at"`
	Local          *LocalRecord  `db:"local_snapshot" json:"local"`
	Remote         *RemoteRecord `db:"remote_snapshot" json:"remote"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "sync_conflicts"
}
