// Package sync reconciles the local catalog with the remote commerce
// platform: it pulls remote changes, pushes local ones through the durable
// operation queue, and records every attempt in the audit log.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// RemoteClient is the transport to the remote platform. Mutating calls carry
// a caller-supplied idempotency key so a retried call is applied at most once.
type RemoteClient interface {
	// FetchChanges returns one page of records changed after cursor.
	FetchChanges(ctx context.Context, kind models.EntityKind, cursor string) (*models.ChangePage, error)

	// CreateOrUpdate creates rec when rec.ID is empty, otherwise updates it.
	// rec.Version is the remote version the change is based on; a mismatch
	// fails with ErrSyncConflict.
	CreateOrUpdate(ctx context.Context, rec *models.RemoteRecord, idempotencyKey string) (*models.RemoteRecord, error)

	// Delete removes a remote object.
	Delete(ctx context.Context, kind models.EntityKind, remoteID, idempotencyKey string) error

	// FetchByRemoteID returns the current remote record, or nil if it no
	// longer exists.
	FetchByRemoteID(ctx context.Context, kind models.EntityKind, remoteID string) (*models.RemoteRecord, error)
}

// LocalStore reads and writes the local business entities. Every call takes
// the querier to run on so engine writes share a transaction with the
// mapping and audit updates.
type LocalStore interface {
	Read(ctx context.Context, q db.Querier, localID string) (*models.LocalRecord, error)
	// ReadAny is Read including tombstones, returned with Deleted set.
	ReadAny(ctx context.Context, q db.Querier, localID string) (*models.LocalRecord, error)
	Write(ctx context.Context, q db.Querier, rec *models.LocalRecord) error
	Delete(ctx context.Context, q db.Querier, localID string) error
	ChangedSince(ctx context.Context, q db.Querier, kind models.EntityKind, since *time.Time) ([]*models.LocalRecord, error)
}

// SyncEventHandler receives engine notifications. Calls are synchronous, so
// handlers must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEngineInterface defines the sync engine operations used by the
// scheduler and the daemon's HTTP surface.
type SyncEngineInterface interface {
	// Run performs one sync batch.
	Run(ctx context.Context) (*Report, error)

	// Stop asks the running batch to finish its in-flight operations and
	// return. It reports whether a batch was running.
	Stop() bool

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the run state together with queue and mapping counts.
	Status(ctx context.Context) (*Status, error)

	// ListConflicts returns the mappings awaiting manual resolution.
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)

	// ResolveConflict settles a Conflict mapping with an explicit choice.
	ResolveConflict(ctx context.Context, localID string, choice Choice) error

	// HandleWebhook schedules the download of a remotely changed object.
	HandleWebhook(ctx context.Context, event WebhookEvent) (*models.QueuedOperation, error)
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
