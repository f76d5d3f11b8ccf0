// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// TestDirectionAllows verifies which directions permit each flow.
func TestDirectionAllows(t *testing.T) {
	tests := []struct {
		dir        Direction
		fromRemote bool
		toRemote   bool
	}{
		{DirectionToRemote, false, true},
		{DirectionFromRemote, true, false},
		{DirectionBidirectional, true, true},
		{Direction("sideways"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			if got := tt.dir.AllowsFromRemote(); got != tt.fromRemote {
				t.Errorf("AllowsFromRemote() = %v, want %v", got, tt.fromRemote)
			}
			if got := tt.dir.AllowsToRemote(); got != tt.toRemote {
				t.Errorf("AllowsToRemote() = %v, want %v", got, tt.toRemote)
			}
		})
	}
}

// TestParseEnums verifies configuration strings are validated.
func TestParseEnums(t *testing.T) {
	if _, err := ParseConflictStrategy("most_recent_wins"); err != nil {
		t.Errorf("ParseConflictStrategy() error = %v", err)
	}
	if _, err := ParseConflictStrategy("coin_flip"); err == nil {
		t.Error("ParseConflictStrategy(coin_flip) should fail")
	}
	if _, err := ParseDirection("from_remote"); err != nil {
		t.Errorf("ParseDirection() error = %v", err)
	}
	if _, err := ParseDirection(""); err == nil {
		t.Error("ParseDirection(\"\") should fail")
	}
	if _, err := ParseEntityKind("customer"); err != nil {
		t.Errorf("ParseEntityKind() error = %v", err)
	}
	if _, err := ParseEntityKind("invoice"); err == nil {
		t.Error("ParseEntityKind(invoice) should fail")
	}
	for _, s := range AllSyncStates {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SyncState("unknown").Valid() {
		t.Error("unknown state should be invalid")
	}
}

// TestOpTypeClassification verifies operation families and kinds.
func TestOpTypeClassification(t *testing.T) {
	tests := []struct {
		op       OpType
		kind     EntityKind
		upload   bool
		download bool
		delete   bool
	}{
		{OpUploadCustomer, KindCustomer, true, false, false},
		{OpUploadInventory, KindInventory, true, false, false},
		{OpUploadTicketDerivedInventoryChange, KindInventory, true, false, false},
		{OpDownloadCustomers, KindCustomer, false, true, false},
		{OpDownloadInventory, KindInventory, false, true, false},
		{OpDeleteCustomer, KindCustomer, false, false, true},
		{OpDeleteInventory, KindInventory, false, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			if !tt.op.Valid() {
				t.Fatal("op should be valid")
			}
			if tt.op.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", tt.op.Kind(), tt.kind)
			}
			if tt.op.IsUpload() != tt.upload || tt.op.IsDownload() != tt.download || tt.op.IsDelete() != tt.delete {
				t.Errorf("classification mismatch for %s", tt.op)
			}
		})
	}

	if UploadOpFor(KindCustomer) != OpUploadCustomer || DeleteOpFor(KindInventory) != OpDeleteInventory ||
		DownloadOpFor(KindCustomer) != OpDownloadCustomers {
		t.Error("kind to op mapping mismatch")
	}
}

// TestOrderingKey verifies the serialization key precedence.
func TestOrderingKey(t *testing.T) {
	if got := (&OperationPayload{Kind: KindCustomer, LocalID: "l1", RemoteObjectID: "r1"}).OrderingKey(); got != "l1" {
		t.Errorf("OrderingKey() = %q, want l1", got)
	}
	if got := (&OperationPayload{Kind: KindCustomer, RemoteObjectID: "r1"}).OrderingKey(); got != "remote:r1" {
		t.Errorf("OrderingKey() = %q, want remote:r1", got)
	}
	if got := (&OperationPayload{Kind: KindInventory}).OrderingKey(); got != "kind:inventory" {
		t.Errorf("OrderingKey() = %q, want kind:inventory", got)
	}
}

// TestPayloadEncoding verifies snapshots survive storage in the queue.
func TestPayloadEncoding(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, err := EncodePayload(&OperationPayload{
		Kind:    KindInventory,
		LocalID: "l1",
		Record:  &LocalRecord{ID: "l1", Kind: KindInventory, Fields: Fields{"sku": "A-1"}, UpdatedAt: &ts},
	})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	op := &QueuedOperation{Payload: raw}
	p, err := op.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Record == nil || p.Record.Fields["sku"] != "A-1" || !p.Record.UpdatedAt.Equal(ts) {
		t.Errorf("decoded record = %+v", p.Record)
	}

	bad := &QueuedOperation{Payload: []byte("{")}
	if _, err := bad.DecodePayload(); err == nil {
		t.Error("DecodePayload() should fail on malformed JSON")
	}
}

// TestChangedSinceSync verifies change detection against the last sync time.
func TestChangedSinceSync(t *testing.T) {
	synced := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	before := synced.Add(-time.Minute)
	after := synced.Add(time.Minute)

	never := &IdentityMapping{}
	if !never.ChangedSinceSync(&before) {
		t.Error("a never-synced mapping treats every change as new")
	}

	m := &IdentityMapping{LastSyncedAt: &synced}
	if m.ChangedSinceSync(&before) {
		t.Error("change before last sync is not new")
	}
	if m.ChangedSinceSync(&synced) {
		t.Error("change at last sync is not new")
	}
	if !m.ChangedSinceSync(&after) {
		t.Error("change after last sync is new")
	}
	if m.ChangedSinceSync(nil) {
		t.Error("missing timestamp counts as oldest")
	}
}

// TestSyncLockStale verifies heartbeat staleness.
func TestSyncLockStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := &SyncLock{HeartbeatAt: now.Add(-90 * time.Second)}
	if l.Stale(now, 2*time.Minute) {
		t.Error("lock heartbeating within the window is not stale")
	}
	if !l.Stale(now, time.Minute) {
		t.Error("lock past the window is stale")
	}
}

// TestFieldsClone verifies clones do not alias.
func TestFieldsClone(t *testing.T) {
	f := Fields{"name": "Ada"}
	c := f.Clone()
	c["name"] = "Grace"
	if f["name"] != "Ada" {
		t.Error("Clone() aliases the source map")
	}
}

// TestStatusTerminal verifies terminal statuses.
func TestStatusTerminal(t *testing.T) {
	if OperationPending.Terminal() || OperationInProgress.Terminal() {
		t.Error("pending and in-progress are not terminal")
	}
	if !OperationCompleted.Terminal() || !OperationFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}
