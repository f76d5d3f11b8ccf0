// Package db provides repository interfaces for sync state.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// MappingRepository defines operations for identity mapping persistence.
type MappingRepository interface {
	GetMapping(ctx context.Context, localID string) (*models.IdentityMapping, error)
	GetMappingsByRemote(ctx context.Context, remoteObjectID, remoteSubObjectID string) ([]*models.IdentityMapping, error)
	UpsertMapping(ctx context.Context, m *models.IdentityMapping) error
	UpdateMappingState(ctx context.Context, localID string, state models.SyncState, lastError string, now time.Time) (bool, error)
	ListMappingsByState(ctx context.Context, state models.SyncState, limit int) ([]*models.IdentityMapping, error)
	CountMappingsByState(ctx context.Context) (map[models.SyncState]int, error)
}

// AuditRepository defines operations for the append-only audit log.
type AuditRepository interface {
	InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error)
	CountAuditByOutcome(ctx context.Context, batchID string) (map[models.SyncState]int, error)
	DeleteAuditEntries(ctx context.Context, ids []string) (int64, error)
}

// QueueRepository defines operations for the durable operation queue.
type QueueRepository interface {
	InsertOperation(ctx context.Context, op *models.QueuedOperation) error
	ClaimNextOperation(ctx context.Context, now time.Time) (*models.QueuedOperation, error)
	GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error)
	CompleteOperation(ctx context.Context, id string, now time.Time) (bool, error)
	RecordOperationFailure(ctx context.Context, id string, status models.OperationStatus,
		attemptCount int, nextRetryAt time.Time, lastError string, now time.Time) (bool, error)
	ReleaseOperation(ctx context.Context, id string, now time.Time) (bool, error)
	ResetInProgressOperations(ctx context.Context, now time.Time) (int64, error)
	RetryFailedOperations(ctx context.Context, id string, now time.Time) (int64, error)
	ListOperations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.QueuedOperation, error)
	CountOperationsByStatus(ctx context.Context) (map[models.OperationStatus]int, error)
	HasActiveOperation(ctx context.Context, localID string, opType models.OpType) (bool, error)
	DeleteCompletedOperations(ctx context.Context, before time.Time) (int64, error)
}

// LockRepository defines operations for the persisted run lock.
type LockRepository interface {
	AcquireLock(ctx context.Context, target, owner string, now, staleBefore time.Time) (bool, error)
	HeartbeatLock(ctx context.Context, target, owner string, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, target, owner string) error
	GetLock(ctx context.Context, target string) (*models.SyncLock, error)
}

// SyncStateRepository groups cursor, conflict and credential persistence.
type SyncStateRepository interface {
	GetCursor(ctx context.Context, kind models.EntityKind) (*models.SyncCursor, error)
	SaveCursor(ctx context.Context, c *models.SyncCursor) error
	SaveConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, localID string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	DeleteConflict(ctx context.Context, localID string) error
	GetSyncCredential(ctx context.Context) (*models.SyncCredential, error)
	SaveSyncCredential(ctx context.Context, c *models.SyncCredential) error
	DisableAllSyncCredentials(ctx context.Context) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ MappingRepository   = (*Repository)(nil)
	_ AuditRepository     = (*Repository)(nil)
	_ QueueRepository     = (*Repository)(nil)
	_ LockRepository      = (*Repository)(nil)
	_ SyncStateRepository = (*Repository)(nil)
)
