package backend

import "testing"

func TestStreamRegistryRegisterUnregister(t *testing.T) {
	r := NewStreamRegistry(nil)
	dc := newTestDownstream()

	r.Register(dc)
	if r.PendingLen() != 1 {
		t.Fatalf("PendingLen: got %d, want 1", r.PendingLen())
	}

	r.Unregister(dc)
	if r.PendingLen() != 0 {
		t.Fatalf("PendingLen after Unregister: got %d, want 0", r.PendingLen())
	}
}

func TestStreamRegistryRemoveStreamDetaches(t *testing.T) {
	r := NewStreamRegistry(nil)
	dc := newTestDownstream()
	dc.SetStreamID(3)

	sd := &StreamData{id: 3, dconn: dc}
	r.byID[3] = sd
	r.byDconn[dc] = sd

	if r.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", r.Len())
	}

	r.RemoveStream(sd)
	if r.Len() != 0 {
		t.Fatalf("Len after RemoveStream: got %d, want 0 (testable property 1)", r.Len())
	}
	if sd.Dconn() != nil {
		t.Fatalf("StreamData should be detached after RemoveStream")
	}
	if dc.StreamID() != 0 {
		t.Fatalf("dconn's stream id should be cleared by Detach, got %d", dc.StreamID())
	}
}

func TestStreamRegistryRemoveStreamNilIsNoop(t *testing.T) {
	r := NewStreamRegistry(nil)
	r.RemoveStream(nil) // must not panic
}

func TestStreamRegistrySnapshotAndClear(t *testing.T) {
	r := NewStreamRegistry(nil)
	pendingDC := newTestDownstream()
	streamDC := newTestDownstream()

	r.Register(pendingDC)
	sd := &StreamData{id: 1, dconn: streamDC}
	r.byID[1] = sd
	r.byDconn[streamDC] = sd

	pendingSnap := r.SnapshotAndClearPending()
	streamSnap := r.SnapshotAndClearStreams()

	if len(pendingSnap) != 1 || pendingSnap[0] != pendingDC {
		t.Fatalf("SnapshotAndClearPending: got %v", pendingSnap)
	}
	if len(streamSnap) != 1 || streamSnap[0] != sd {
		t.Fatalf("SnapshotAndClearStreams: got %v", streamSnap)
	}
	if r.PendingLen() != 0 || r.Len() != 0 {
		t.Fatalf("registry should be empty after snapshotting: pending=%d streams=%d", r.PendingLen(), r.Len())
	}

	// Re-entrant registration during notification must land in the fresh
	// partition, not corrupt the snapshot just taken.
	freshDC := newTestDownstream()
	r.Register(freshDC)
	if r.PendingLen() != 1 {
		t.Fatalf("post-snapshot Register: got PendingLen %d, want 1", r.PendingLen())
	}
}
