package gateway

import (
	"testing"

	"github.com/inkwell-collab/inkwell-server/internal/document"
)

func TestRegistryGetOrCreateBuildsOnce(t *testing.T) {
	id := document.ID{Owner: "alice", Permlink: "welcome"}
	builds := 0
	registry := NewRegistry(func(document.ID) *Hub {
		builds++
		return &Hub{id: id, registry: nil}
	})

	first := registry.GetOrCreate(id)
	second := registry.GetOrCreate(id)

	if first != second {
		t.Error("expected GetOrCreate to return the same Hub for the same id")
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	registry := NewRegistry(nil)
	if _, ok := registry.Get(document.ID{Owner: "alice", Permlink: "welcome"}); ok {
		t.Error("expected Get to report false for an unknown id")
	}
}

func TestRegistryDropOnlyRemovesCurrentEntry(t *testing.T) {
	id := document.ID{Owner: "alice", Permlink: "welcome"}
	registry := NewRegistry(nil)
	stale := &Hub{id: id}
	fresh := &Hub{id: id}
	registry.hubs[id] = fresh

	registry.Drop(id, stale)
	if _, ok := registry.Get(id); !ok {
		t.Error("Drop should not evict a fresher Hub than the one the caller observed")
	}

	registry.Drop(id, fresh)
	if _, ok := registry.Get(id); ok {
		t.Error("Drop should remove the current Hub when it matches the caller's")
	}
}

func TestRegistryLen(t *testing.T) {
	registry := NewRegistry(nil)
	if registry.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", registry.Len())
	}
	registry.hubs[document.ID{Owner: "alice", Permlink: "a"}] = &Hub{}
	registry.hubs[document.ID{Owner: "alice", Permlink: "b"}] = &Hub{}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}
}
