// Package identity maintains the durable mapping between local entity ids
// and remote object ids.
package identity

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// Map is the identity map. It touches nothing but its own table.
type Map struct {
	repo db.MappingRepository
	now  func() time.Time
}

// New creates a Map over repo, which may be bound to a transaction.
func New(repo db.MappingRepository) *Map {
	return &Map{repo: repo, now: time.Now}
}

// SetClock replaces the clock used for updated_at stamps.
func (m *Map) SetClock(now func() time.Time) {
	m.now = now
}

// Lookup returns the mapping for localID, or nil when none exists.
func (m *Map) Lookup(ctx context.Context, localID string) (*models.IdentityMapping, error) {
	mapping, err := m.repo.GetMapping(ctx, localID)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to look up mapping", err)
	}
	return mapping, nil
}

// LookupByRemote returns the mapping for a remote object. The active mapping
// wins; a disabled one is returned only when no active mapping exists so the
// caller can tell a retired association from an unknown object.
func (m *Map) LookupByRemote(ctx context.Context, remoteObjectID, remoteSubObjectID string) (*models.IdentityMapping, error) {
	mappings, err := m.repo.GetMappingsByRemote(ctx, remoteObjectID, remoteSubObjectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to look up mapping by remote id", err)
	}
	if len(mappings) == 0 {
		return nil, nil
	}
	return mappings[0], nil
}

// Upsert creates or updates a mapping. It fails with DUPLICATE_MAPPING when
// another active local id already claims the remote object and with
// VERSION_REGRESSION when the version would decrease.
func (m *Map) Upsert(ctx context.Context, mapping *models.IdentityMapping) error {
	if err := validate(mapping); err != nil {
		return err
	}

	if mapping.Active() {
		owner, err := m.LookupByRemote(ctx, mapping.RemoteObjectID, mapping.RemoteSubObjectID)
		if err != nil {
			return err
		}
		if owner != nil && owner.Active() && owner.LocalID != mapping.LocalID {
			return apperrors.Newf(apperrors.ErrDuplicateMapping,
				"remote object %s already mapped to %s", mapping.RemoteObjectID, owner.LocalID)
		}
	}

	now := m.now().UTC()
	existing, err := m.Lookup(ctx, mapping.LocalID)
	if err != nil {
		return err
	}
	if existing != nil {
		if mapping.Version < existing.Version {
			return apperrors.Newf(apperrors.ErrVersionRegression,
				"mapping %s version %d is behind stored version %d", mapping.LocalID, mapping.Version, existing.Version)
		}
		mapping.CreatedAt = existing.CreatedAt
	} else if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	if err := m.repo.UpsertMapping(ctx, mapping); err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrDuplicateMapping, "remote object already mapped", err)
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save mapping", err)
	}
	return nil
}

// MarkState moves a mapping to state, recording errMsg as its last error.
func (m *Map) MarkState(ctx context.Context, localID string, state models.SyncState, errMsg string) error {
	if !state.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown sync state %q", state)
	}
	found, err := m.repo.UpdateMappingState(ctx, localID, state, errMsg, m.now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update mapping state", err)
	}
	if !found {
		return apperrors.Newf(apperrors.ErrMappingNotFound, "no mapping for %s", localID)
	}
	return nil
}

// Disable soft-deletes a mapping. The row is kept so a stale remote read
// cannot recreate the entity.
func (m *Map) Disable(ctx context.Context, localID string) error {
	return m.MarkState(ctx, localID, models.SyncStateDisabled, "")
}

// ListByState returns mappings in state, at most limit when limit > 0.
func (m *Map) ListByState(ctx context.Context, state models.SyncState, limit int) ([]*models.IdentityMapping, error) {
	mappings, err := m.repo.ListMappingsByState(ctx, state, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list mappings", err)
	}
	return mappings, nil
}

// Counts returns the number of mappings in each sync state.
func (m *Map) Counts(ctx context.Context) (map[models.SyncState]int, error) {
	counts, err := m.repo.CountMappingsByState(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count mappings", err)
	}
	return counts, nil
}

func validate(mapping *models.IdentityMapping) error {
	switch {
	case mapping.LocalID == "":
		return apperrors.New(apperrors.ErrInvalid, "mapping local id is required")
	case mapping.RemoteObjectID == "":
		return apperrors.New(apperrors.ErrInvalid, "mapping remote object id is required")
	case !mapping.SyncState.Valid():
		return apperrors.Newf(apperrors.ErrInvalid, "unknown sync state %q", mapping.SyncState)
	case !mapping.Direction.Valid():
		return apperrors.Newf(apperrors.ErrInvalid, "unknown direction %q", mapping.Direction)
	case !mapping.ConflictStrategy.Valid():
		return apperrors.Newf(apperrors.ErrInvalid, "unknown conflict strategy %q", mapping.ConflictStrategy)
	case mapping.Version < 0:
		return apperrors.New(apperrors.ErrInvalid, "mapping version must not be negative")
	}
	return nil
}
