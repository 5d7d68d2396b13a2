// Package classify implements the pure frame classifier: a first-byte lookup table with a
// bounded dry-apply fallback for non-standard leading bytes.
package classify

import "github.com/inkwell-collab/inkwell-server/internal/crdt"

// Kind is the classification of one inbound frame.
type Kind int

const (
	Unknown Kind = iota
	Sync
	Awareness
	Auth
	QueryAwareness
	SyncReply
	SyncStatus
	ContentUpdate
)

func (k Kind) String() string {
	switch k {
	case Sync:
		return "Sync"
	case Awareness:
		return "Awareness"
	case Auth:
		return "Auth"
	case QueryAwareness:
		return "QueryAwareness"
	case SyncReply:
		return "SyncReply"
	case SyncStatus:
		return "SyncStatus"
	case ContentUpdate:
		return "ContentUpdate"
	default:
		return "Unknown"
	}
}

// Frame type prefixes.
const (
	byteSync           = 0
	byteAwareness      = 1
	byteAuth           = 2
	byteQueryAwareness = 3
	byteSyncReply      = 4
	byteSyncStatus     = 8
)

// Classifier classifies raw frames. MaxContentUpdateBytes bounds the size of frames considered
// for the dry-apply fallback, guarding against an O(state size) cost on every inbound frame;
// frames larger than the limit classify as Unknown without attempting an apply.
type Classifier struct {
	MaxContentUpdateBytes int
}

// New builds a Classifier with the given dry-apply size cap.
func New(maxContentUpdateBytes int) *Classifier {
	return &Classifier{MaxContentUpdateBytes: maxContentUpdateBytes}
}

// Classify is a pure function from a raw frame to its Kind. It performs at most one scratch CRDT
// apply (via crdt.TryApplyToScratch, which itself reuses a pooled scratch replica), so the number
// of scratch allocations per call is bounded regardless of frame content.
func (c *Classifier) Classify(frame []byte) Kind {
	if len(frame) == 0 {
		return Unknown
	}

	switch frame[0] {
	case byteSync:
		return Sync
	case byteAwareness:
		return Awareness
	case byteAuth:
		return Auth
	case byteQueryAwareness:
		return QueryAwareness
	case byteSyncReply:
		return SyncReply
	case byteSyncStatus:
		return SyncStatus
	}

	if len(frame) > c.MaxContentUpdateBytes {
		return Unknown
	}

	changed, ok := crdt.TryApplyToScratch(frame[1:])
	if !ok {
		return Unknown
	}
	if changed {
		return ContentUpdate
	}
	return Awareness
}
