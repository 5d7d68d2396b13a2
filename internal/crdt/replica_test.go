package crdt

import "testing"

func TestReplicaEncodeDecodeRoundTrip(t *testing.T) {
	r := New("r1")
	var last NodeID
	for _, ch := range "hello" {
		id, _ := r.InsertText(last, ch)
		last = id
	}
	r.Permissions().Set("alice", []byte("owner"), 1, "r1")

	encoded, err := r.EncodeFullState()
	if err != nil {
		t.Fatalf("EncodeFullState: %v", err)
	}

	fresh := New("r2")
	if err := fresh.DecodeFullState(encoded); err != nil {
		t.Fatalf("DecodeFullState: %v", err)
	}

	if fresh.Text() != "hello" {
		t.Errorf("Text() = %q, want %q", fresh.Text(), "hello")
	}
	if v, ok := fresh.Permissions().Get("alice"); !ok || string(v) != "owner" {
		t.Errorf("permissions[alice] = %q, %v, want owner, true", v, ok)
	}
}

func TestReplicaApplyUpdateConverges(t *testing.T) {
	origin := New("origin")
	var last NodeID
	for _, ch := range "hi" {
		id, _ := origin.InsertText(last, ch)
		last = id
	}
	update, err := origin.EncodeFullState()
	if err != nil {
		t.Fatalf("EncodeFullState: %v", err)
	}

	receiver := New("receiver")
	changed, err := receiver.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if !changed {
		t.Error("expected ApplyUpdate to report a text change")
	}
	if receiver.Text() != "hi" {
		t.Errorf("Text() = %q, want %q", receiver.Text(), "hi")
	}

	// Applying the same update again is idempotent.
	changedAgain, err := receiver.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("ApplyUpdate (second): %v", err)
	}
	if changedAgain {
		t.Error("re-applying the same update should report no further change")
	}
}

func TestWritePermissionBroadcastTrimsOldEntries(t *testing.T) {
	r := New("r1")

	for i := uint64(0); i < 15; i++ {
		r.WritePermissionBroadcast(Broadcast{
			TargetAccount: "bob",
			NewLevel:      "editable",
			GrantedBy:     "alice",
			TimestampMs:   int64(i) + 1,
			EventKind:     EventGranted,
		}, i+1)
	}

	count := 0
	for _, k := range r.Permissions().Keys() {
		if len(k) > len("update_bob_") && k[:len("update_bob_")] == "update_bob_" {
			count++
		}
	}
	if count != maxBroadcastEntriesPerAccount {
		t.Errorf("retained %d broadcast entries, want %d", count, maxBroadcastEntriesPerAccount)
	}
}

func TestWritePermissionBroadcastIsSingleTransaction(t *testing.T) {
	r := New("r1")
	var batches [][]Change
	r.ObservePermissions(func(changes []Change) {
		batches = append(batches, changes)
	})

	for i := uint64(0); i < 12; i++ {
		r.WritePermissionBroadcast(Broadcast{
			TargetAccount: "bob",
			TimestampMs:   int64(i) + 1,
			EventKind:     EventGranted,
		}, i+1)
	}

	// Once trimming kicks in, each write should report as one batch covering both the insert
	// and any deletes it triggered, not as separate observer calls.
	if len(batches) != 12 {
		t.Fatalf("got %d observer calls, want 12 (one per WritePermissionBroadcast call)", len(batches))
	}
}

func TestObservePermissionsIgnoresReservedKeys(t *testing.T) {
	r := New("r1")
	var calls int
	r.ObservePermissions(func(changes []Change) { calls++ })

	r.Permissions().Set("created", []byte("2026-08-01"), 1, "r1")
	if calls != 0 {
		t.Errorf("observer fired for reserved key, calls=%d, want 0", calls)
	}

	r.Permissions().Set("alice", []byte("owner"), 2, "r1")
	if calls != 1 {
		t.Errorf("observer did not fire for non-reserved key, calls=%d, want 1", calls)
	}
}
