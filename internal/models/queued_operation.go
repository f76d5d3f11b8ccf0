package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpType identifies the kind of work a queued operation performs.
type OpType string

const (
	OpUploadCustomer                     OpType = "upload_customer"
	OpUploadInventory                    OpType = "upload_inventory"
	OpUploadTicketDerivedInventoryChange OpType = "upload_ticket_inventory_change"
	OpDownloadCustomers                  OpType = "download_customers"
	OpDownloadInventory                  OpType = "download_inventory"
	OpDeleteCustomer                     OpType = "delete_customer"
	OpDeleteInventory                    OpType = "delete_inventory"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpUploadCustomer, OpUploadInventory, OpUploadTicketDerivedInventoryChange,
		OpDownloadCustomers, OpDownloadInventory, OpDeleteCustomer, OpDeleteInventory:
		return true
	}
	return false
}

// Kind returns the entity kind the operation touches.
func (t OpType) Kind() EntityKind {
	switch t {
	case OpUploadCustomer, OpDownloadCustomers, OpDeleteCustomer:
		return KindCustomer
	default:
		return KindInventory
	}
}

// IsUpload reports whether the operation writes to the remote system.
func (t OpType) IsUpload() bool {
	return t == OpUploadCustomer || t == OpUploadInventory || t == OpUploadTicketDerivedInventoryChange
}

// IsDownload reports whether the operation reads from the remote system.
func (t OpType) IsDownload() bool {
	return t == OpDownloadCustomers || t == OpDownloadInventory
}

// IsDelete reports whether the operation deletes a remote object.
func (t OpType) IsDelete() bool {
	return t == OpDeleteCustomer || t == OpDeleteInventory
}

// UploadOpFor returns the single-record upload type for a kind.
func UploadOpFor(kind EntityKind) OpType {
	if kind == KindCustomer {
		return OpUploadCustomer
	}
	return OpUploadInventory
}

// DownloadOpFor returns the download type for a kind.
func DownloadOpFor(kind EntityKind) OpType {
	if kind == KindCustomer {
		return OpDownloadCustomers
	}
	return OpDownloadInventory
}

// DeleteOpFor returns the delete type for a kind.
func DeleteOpFor(kind EntityKind) OpType {
	if kind == KindCustomer {
		return OpDeleteCustomer
	}
	return OpDeleteInventory
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// QueuedOperation is a durable unit of pending sync work.
type QueuedOperation struct {
	ID             string          `db:"id" json:"id"`
	Seq            int64           `db:"seq" json:"seq"`
	OpType         OpType          `db:"op_type" json:"op_type"`
	LocalID        string          `db:"local_id" json:"local_id,omitempty"`
	OrderingKey    string          `db:"ordering_key" json:"ordering_key"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         OperationStatus `db:"status" json:"status"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	LastAttemptAt  *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt    time.Time       `db:"next_retry_at" json:"next_retry_at"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// OperationPayload is the serialized reference carried by a queued operation.
type OperationPayload struct {
	Kind              EntityKind    `json:"kind"`
	LocalID           string        `json:"local_id,omitempty"`
	RemoteObjectID    string        `json:"remote_object_id,omitempty"`
	RemoteSubObjectID string        `json:"remote_sub_object_id,omitempty"`
	Record            *LocalRecord  `json:"record,omitempty"`
	Records           []LocalRecord `json:"records,omitempty"`
}

// OrderingKey returns the key operations are serialized on: the local id,
// else the remote id, else the entity kind for bulk work.
func (p *OperationPayload) OrderingKey() string {
	switch {
	case p.LocalID != "":
		return p.LocalID
	case p.RemoteObjectID != "":
		return "remote:" + p.RemoteObjectID
	default:
		return "kind:" + string(p.Kind)
	}
}

// EncodePayload serializes p for storage on a queued operation.
func EncodePayload(p *OperationPayload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses the payload of op.
func (op *QueuedOperation) DecodePayload() (*OperationPayload, error) {
	var p OperationPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &p, nil
}
