package gateway

import (
	"context"
	"testing"

	"github.com/inkwell-collab/inkwell-server/internal/document"
)

// A failed Attach must not leave an empty hub registered forever: the next connection attempt to
// the same document should cold-start a fresh hub rather than inherit a half-built one.
func TestDropIfUnattachedRemovesHubAfterFailedAttach(t *testing.T) {
	id := document.ID{Owner: "alice", Permlink: "welcome"}
	store := newFakeDocStore()
	hub := testHub(t, id, store, nil, newFakePermStore())
	s := &Server{registry: hub.registry}

	bob := newFakePeer("bob")
	if _, _, err := hub.Attach(context.Background(), bob, "bob"); err == nil {
		t.Fatal("expected Attach() to fail for an account with no grant on a cold document")
	}

	s.dropIfUnattached(id, hub)

	if _, ok := s.registry.Get(id); ok {
		t.Error("expected the registry to no longer hold the hub after a failed, unattached handshake")
	}
}

// If a concurrent caller attached successfully to the same hub before the failed caller's cleanup
// ran, the hub must survive: it is now in active use.
func TestDropIfUnattachedKeepsHubWithLiveConnections(t *testing.T) {
	id := document.ID{Owner: "alice", Permlink: "welcome"}
	store := newFakeDocStore()
	hub := testHub(t, id, store, nil, newFakePermStore())
	s := &Server{registry: hub.registry}

	owner := newFakePeer("alice")
	if _, _, err := hub.Attach(context.Background(), owner, "alice"); err != nil {
		t.Fatalf("owner Attach() error = %v", err)
	}

	s.dropIfUnattached(id, hub)

	if _, ok := s.registry.Get(id); !ok {
		t.Error("expected the registry to keep the hub while it still has a live connection")
	}
}
