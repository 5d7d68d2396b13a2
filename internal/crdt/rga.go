// Package crdt implements the conflict-free replicated data types backing a document replica: an
// RGA (Replicated Growable Array) for the collaborative text body, and a last-writer-wins map for
// permission and metadata fields layered on top of it.
package crdt

import (
	"fmt"
	"sync"
)

// NodeID uniquely identifies an RGA node globally: the sequence number assigned by its
// originating replica, plus the replica's own identifier.
type NodeID struct {
	Seq       uint64
	ReplicaID string
}

// IsZero reports whether id is the zero value, used as the sentinel "insert at the head of the
// document" position.
func (id NodeID) IsZero() bool {
	return id.Seq == 0 && id.ReplicaID == ""
}

// node is one character in the RGA linked structure.
type node struct {
	ID          NodeID
	InsertAfter NodeID
	Char        rune
	Deleted     bool
}

// RGA is a Replicated Growable Array for collaborative plain-text editing. Concurrent inserts at
// the same position are ordered deterministically by (Seq desc, ReplicaID asc), so every replica
// that has applied the same set of operations converges on the same visible text regardless of
// delivery order.
type RGA struct {
	mu        sync.RWMutex
	nodes     []node // maintained in total order
	index     map[NodeID]int
	replicaID string
	seq       uint64
}

// NewRGA creates an empty RGA for the given replica identifier. replicaID should be unique per
// connection/session that originates edits; it breaks ties between concurrent inserts at the same
// position and need not be globally unique across the document's lifetime, only among concurrent
// writers.
func NewRGA(replicaID string) *RGA {
	return &RGA{
		index:     make(map[NodeID]int),
		replicaID: replicaID,
	}
}

// reset clears the RGA back to empty in place, reusing its backing slice and map rather than
// allocating new ones, so a pooled RGA can be handed back out without leaking the previous
// caller's document state.
func (r *RGA) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = r.nodes[:0]
	clear(r.index)
	r.seq = 0
}

// Insert inserts char immediately after the node identified by afterID (the zero NodeID means
// "at the start of the document") and returns the new node's id.
func (r *RGA) Insert(afterID NodeID, char rune) (NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	id := NodeID{Seq: r.seq, ReplicaID: r.replicaID}

	pos, err := r.insertPosition(afterID, id)
	if err != nil {
		r.seq--
		return NodeID{}, err
	}

	n := node{ID: id, InsertAfter: afterID, Char: char}
	r.insertAt(pos, n)
	return id, nil
}

// Delete marks the node identified by id as a tombstone. Deleting an already-deleted or unknown
// node is a no-op so concurrent deletes of the same character converge without error.
func (r *RGA) Delete(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.index[id]; ok {
		r.nodes[idx].Deleted = true
	}
}

// Text returns the current visible document text, skipping tombstoned nodes.
func (r *RGA) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b []rune
	for _, n := range r.nodes {
		if !n.Deleted {
			b = append(b, n.Char)
		}
	}
	return string(b)
}

// Len returns the number of live (non-tombstoned) characters.
func (r *RGA) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, nd := range r.nodes {
		if !nd.Deleted {
			n++
		}
	}
	return n
}

// Op is a remote insert or delete operation to apply to a local RGA.
type Op struct {
	ID          NodeID
	InsertAfter NodeID
	Char        rune
	Delete      bool
}

// Apply applies a remote operation. Applying an insert whose ID is already present, or a delete
// for an unknown ID, is a no-op: both are expected under at-least-once delivery and do not
// indicate corruption.
func (r *RGA) Apply(op Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.Delete {
		if idx, ok := r.index[op.ID]; ok {
			r.nodes[idx].Deleted = true
		}
		return nil
	}

	if _, exists := r.index[op.ID]; exists {
		return nil
	}

	pos, err := r.insertPosition(op.InsertAfter, op.ID)
	if err != nil {
		return fmt.Errorf("apply insert %+v: %w", op.ID, err)
	}

	n := node{ID: op.ID, InsertAfter: op.InsertAfter, Char: op.Char}
	r.insertAt(pos, n)
	return nil
}

// insertPosition finds the slice index at which a new node with the given id, inserted after
// afterID, belongs. Callers must hold r.mu.
func (r *RGA) insertPosition(afterID NodeID, id NodeID) (int, error) {
	start := 0
	if !afterID.IsZero() {
		idx, ok := r.index[afterID]
		if !ok {
			return 0, fmt.Errorf("insert-after node %+v not found", afterID)
		}
		start = idx + 1
	}

	// Advance past any existing nodes already anchored to the same afterID that should sort
	// ahead of the new node under the (Seq desc, ReplicaID asc) tiebreak, together with every
	// node descended from them, so concurrent inserts at the same position converge to the same
	// order on every replica.
	pos := start
	skipped := map[NodeID]bool{}
	for ; pos < len(r.nodes); pos++ {
		n := r.nodes[pos]
		if n.InsertAfter == afterID && !higherPriority(n.ID, id) {
			break
		}
		if n.InsertAfter != afterID && !skipped[n.InsertAfter] {
			break
		}
		skipped[n.ID] = true
	}
	return pos, nil
}

// higherPriority reports whether a sorts ahead of b among siblings anchored to the same
// InsertAfter: higher Seq first, ReplicaID as a tiebreak.
func higherPriority(a, b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.ReplicaID < b.ReplicaID
}

// insertAt splices n into r.nodes at position pos and fixes up the index. Callers must hold r.mu.
func (r *RGA) insertAt(pos int, n node) {
	r.nodes = append(r.nodes, node{})
	copy(r.nodes[pos+1:], r.nodes[pos:])
	r.nodes[pos] = n

	for id, idx := range r.index {
		if idx >= pos {
			r.index[id] = idx + 1
		}
	}
	r.index[n.ID] = pos
}

// Merge folds in every node from a remote snapshot, converging regardless of delivery order:
// each node is inserted at most once (by ID), and a tombstone from either side is sticky. It
// returns true if the merge produced any visible text change.
func (r *RGA) Merge(nodes []node) bool {
	before := r.Text()
	for _, n := range nodes {
		_ = r.Apply(Op{ID: n.ID, InsertAfter: n.InsertAfter, Char: n.Char})
		if n.Deleted {
			r.Delete(n.ID)
		}
	}
	return r.Text() != before
}

// snapshot returns every node in document order, for full-state encoding.
func (r *RGA) snapshot() []node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// loadSnapshot replaces the RGA's contents with nodes, which must already be in a valid total
// order (as produced by snapshot). Used when decoding a persisted replica.
func (r *RGA) loadSnapshot(nodes []node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make([]node, len(nodes))
	copy(r.nodes, nodes)
	r.index = make(map[NodeID]int, len(nodes))
	r.seq = 0
	for i, n := range r.nodes {
		r.index[n.ID] = i
		if n.ID.ReplicaID == r.replicaID && n.ID.Seq > r.seq {
			r.seq = n.ID.Seq
		}
	}
}
