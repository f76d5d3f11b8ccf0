package models

import "time"

// AuditOperation names what a sync audit entry describes.
type AuditOperation string

const (
	AuditCreate           AuditOperation = "create"
	AuditUpdate           AuditOperation = "update"
	AuditDelete           AuditOperation = "delete"
	AuditBatchImport      AuditOperation = "batch_import"
	AuditBatchExport      AuditOperation = "batch_export"
	AuditWebhookReceived  AuditOperation = "webhook_received"
	AuditConflictResolved AuditOperation = "conflict_resolved"
	AuditMappingCreated   AuditOperation = "mapping_created"
	AuditMappingDeleted   AuditOperation = "mapping_deleted"
)

// Valid reports whether op is a known audit operation.
func (op AuditOperation) Valid() bool {
	switch op {
	case AuditCreate, AuditUpdate, AuditDelete, AuditBatchImport, AuditBatchExport,
		AuditWebhookReceived, AuditConflictResolved, AuditMappingCreated, AuditMappingDeleted:
		return true
	}
	return false
}

// AuditEntry is an immutable record of one sync action.
type AuditEntry struct {
	ID             string         `db:"id" json:"id"`
	Timestamp      time.Time      `db:"timestamp" json:"timestamp"`
	Operation      AuditOperation `db:"operation" json:"operation"`
	EntityID       string         `db:"entity_id" json:"entity_id,omitempty"`
	RemoteObjectID string         `db:"remote_object_id" json:"remote_object_id,omitempty"`
	Outcome        SyncState      `db:"outcome" json:"outcome"`
	ErrorMessage   string         `db:"error_message" json:"error_message,omitempty"`
	ChangedFields  []string       `db:"changed_fields" json:"changed_fields,omitempty"`
	DurationMs     int64          `db:"duration_ms" json:"duration_ms"`
	BatchID        string         `db:"batch_id" json:"batch_id,omitempty"`
	Summary        string         `db:"summary" json:"summary,omitempty"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "sync_audit"
}
