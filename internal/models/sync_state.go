// Package models provides data model definitions for the sync subsystem.
package models

import "fmt"

// SyncState is the single status vocabulary shared by mappings, audit
// outcomes, and status badges.
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStatePending  SyncState = "pending"
	SyncStateFailed   SyncState = "failed"
	SyncStateConflict SyncState = "conflict"
	SyncStateDisabled SyncState = "disabled"
)

// AllSyncStates lists every state in display order.
var AllSyncStates = []SyncState{
	SyncStateSynced, SyncStatePending, SyncStateFailed, SyncStateConflict, SyncStateDisabled,
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateSynced, SyncStatePending, SyncStateFailed, SyncStateConflict, SyncStateDisabled:
		return true
	}
	return false
}

// Direction limits which way changes may flow for a mapping.
type Direction string

const (
	DirectionToRemote      Direction = "to_remote"
	DirectionFromRemote    Direction = "from_remote"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionToRemote, DirectionFromRemote, DirectionBidirectional:
		return true
	}
	return false
}

// AllowsFromRemote reports whether remote changes may be applied locally.
func (d Direction) AllowsFromRemote() bool {
	return d == DirectionFromRemote || d == DirectionBidirectional
}

// AllowsToRemote reports whether local changes may be pushed.
func (d Direction) AllowsToRemote() bool {
	return d == DirectionToRemote || d == DirectionBidirectional
}

// ParseDirection parses a configured direction name.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown sync direction %q", s)
	}
	return d, nil
}

// ConflictStrategy selects how the resolver settles concurrent edits.
type ConflictStrategy string

const (
	StrategyRemoteWins     ConflictStrategy = "remote_wins"
	StrategyLocalWins      ConflictStrategy = "local_wins"
	StrategyMostRecentWins ConflictStrategy = "most_recent_wins"
	StrategyManual         ConflictStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyRemoteWins, StrategyLocalWins, StrategyMostRecentWins, StrategyManual:
		return true
	}
	return false
}

// ParseConflictStrategy parses a configured strategy name.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	cs := ConflictStrategy(s)
	if !cs.Valid() {
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
	return cs, nil
}

// EntityKind names a synchronized business entity type.
type EntityKind string

const (
	KindCustomer  EntityKind = "customer"
	KindInventory EntityKind = "inventory"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindCustomer || k == KindInventory
}

// ParseEntityKind parses a configured entity kind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}
