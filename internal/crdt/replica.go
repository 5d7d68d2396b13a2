package crdt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Replica is the per-document CRDT state: a text sub-object (the
// document body) plus a permissions sub-object (mirroring the authoritative permission store for
// the broadcast path) and a metadata sub-object (creation/update bookkeeping). Exactly one
// Replica is owned by a Hub at a time; its methods are not internally synchronized against
// concurrent callers beyond what the underlying RGA/Map already provide, so a method that touches
// several sub-objects is not atomic as a whole. The Hub calls these methods without holding a lock
// of its own.
type Replica struct {
	text        *RGA
	permissions *Map
	metadata    *Map
	replicaID   string
}

// New creates an empty Replica. replicaID identifies this process/connection's local writes for
// RGA tie-breaking and map last-writer-wins ties.
func New(replicaID string) *Replica {
	return &Replica{
		text:        NewRGA(replicaID),
		permissions: NewMap(),
		metadata:    NewMap(),
		replicaID:   replicaID,
	}
}

// reset clears the replica's text, permissions, and metadata back to empty in place, for reuse
// from a pool. It does not touch replicaID.
func (r *Replica) reset() {
	r.text.reset()
	r.permissions.reset()
	r.metadata.reset()
}

// Text returns the current document body.
func (r *Replica) Text() string {
	return r.text.Text()
}

// InsertText inserts char after afterID in the document body, returning the operation's node id.
func (r *Replica) InsertText(afterID NodeID, char rune) (NodeID, error) {
	return r.text.Insert(afterID, char)
}

// DeleteText tombstones the character at id.
func (r *Replica) DeleteText(id NodeID) {
	r.text.Delete(id)
}

// ApplyTextOp applies a remote text operation.
func (r *Replica) ApplyTextOp(op Op) error {
	return r.text.Apply(op)
}

// Permissions exposes the permissions sub-object for reads and observer registration.
func (r *Replica) Permissions() *Map {
	return r.permissions
}

// Metadata exposes the metadata sub-object (e.g. "created", "lastUpdated").
func (r *Replica) Metadata() *Map {
	return r.metadata
}

// reservedPermissionKeys are metadata fields stored alongside permission broadcast entries in the
// same sub-object but excluded from "something changed" notifications.
var reservedPermissionKeys = map[string]struct{}{
	"lastUpdated": {},
	"created":     {},
}

// BroadcastEventKind is the kind of a permission broadcast entry.
type BroadcastEventKind string

const (
	EventGranted BroadcastEventKind = "granted"
	EventRevoked BroadcastEventKind = "revoked"
)

// Broadcast is one PermissionBroadcast entry.
type Broadcast struct {
	TargetAccount string
	NewLevel      string
	GrantedBy     string
	TimestampMs   int64
	EventKind     BroadcastEventKind
}

// broadcastKey builds the namespaced key for a permission broadcast: update_<account>_<id>.
func broadcastKey(account string, monotonicID uint64) string {
	return fmt.Sprintf("update_%s_%d", account, monotonicID)
}

// maxBroadcastEntriesPerAccount bounds how many PermissionBroadcast entries are retained per
// target account.
const maxBroadcastEntriesPerAccount = 10

// WritePermissionBroadcast writes b into the permissions sub-object under a monotonically
// increasing namespaced key and trims older entries for the same account beyond the retention
// limit, all inside one CRDT transaction so peers observe a single update. monotonicID should be
// strictly increasing per call (e.g. a counter or
// nanosecond timestamp) to keep keys ordered and unique.
func (r *Replica) WritePermissionBroadcast(b Broadcast, monotonicID uint64) {
	key := broadcastKey(b.TargetAccount, monotonicID)
	encoded := encodeBroadcast(b)
	stale := r.staleBroadcastKeys(b.TargetAccount, key)

	r.permissions.Transact(func(tx *Txn) {
		tx.Set(key, encoded, b.TimestampMs, r.replicaID)

		for _, oldKey := range stale {
			tx.Delete(oldKey, b.TimestampMs, r.replicaID)
		}
	})
}

// encodeBroadcast serializes b as JSON for storage as a permissions sub-object value.
func encodeBroadcast(b Broadcast) []byte {
	encoded, _ := json.Marshal(b)
	return encoded
}

// staleBroadcastKeys returns the namespaced keys for account beyond the most recent
// maxBroadcastEntriesPerAccount (including the one about to be written as keep), oldest first.
func (r *Replica) staleBroadcastKeys(account string, keep string) []string {
	prefix := "update_" + account + "_"

	type keyed struct {
		key string
		id  uint64
	}
	var live []keyed
	for _, k := range r.permissions.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		idStr := strings.TrimPrefix(k, prefix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		live = append(live, keyed{key: k, id: id})
	}
	if keepID, err := strconv.ParseUint(strings.TrimPrefix(keep, prefix), 10, 64); err == nil {
		found := false
		for _, k := range live {
			if k.key == keep {
				found = true
				break
			}
		}
		if !found {
			live = append(live, keyed{key: keep, id: keepID})
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].id > live[j].id })

	if len(live) <= maxBroadcastEntriesPerAccount {
		return nil
	}
	stale := make([]string, 0, len(live)-maxBroadcastEntriesPerAccount)
	for _, k := range live[maxBroadcastEntriesPerAccount:] {
		stale = append(stale, k.key)
	}
	return stale
}

// IsReservedPermissionKey reports whether key is one of the metadata keys excluded from
// change-observer notifications.
func IsReservedPermissionKey(key string) bool {
	_, ok := reservedPermissionKeys[key]
	return ok
}

// ObservePermissions registers fn to run whenever the permissions sub-object changes, excluding
// changes that touch only reserved metadata keys. Returns a cancellation handle.
func (r *Replica) ObservePermissions(fn func(changes []Change)) (cancel func()) {
	return r.permissions.Observe(func(changes []Change) {
		filtered := changes[:0:0]
		for _, c := range changes {
			if !IsReservedPermissionKey(c.Key) {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			fn(filtered)
		}
	})
}

// wireState is the gob-serializable full-state snapshot of a Replica.
type wireState struct {
	TextNodes        []node
	PermissionsEntry map[string]entry
	MetadataEntry    map[string]entry
}

// EncodeFullState serializes the replica's entire state (text + permissions + metadata) to bytes.
func (r *Replica) EncodeFullState() ([]byte, error) {
	state := wireState{
		TextNodes:        r.text.snapshot(),
		PermissionsEntry: r.permissions.snapshot(),
		MetadataEntry:    r.metadata.snapshot(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("crdt: encode full state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFullState replaces the replica's state outright with the state encoded in data. It does
// not fire observers, matching the "loading persisted state is not a live mutation" semantics
// required when a Hub cold-starts from the Document Store.
func (r *Replica) DecodeFullState(data []byte) error {
	state, err := decodeWireState(data)
	if err != nil {
		return err
	}

	r.text.loadSnapshot(state.TextNodes)
	r.permissions.loadSnapshot(state.PermissionsEntry)
	r.metadata.loadSnapshot(state.MetadataEntry)
	return nil
}

// ApplyUpdate merges an incoming ContentUpdate frame into the live replica. Unlike
// DecodeFullState, this is a true CRDT merge: text nodes are unioned by id (insert-once,
// delete-sticky) and map entries resolve by last-writer-wins, so applying the same update more
// than once, or applying a batch of updates in any order, converges to the same state. It
// reports whether the merge produced a visible change to the document body.
func (r *Replica) ApplyUpdate(data []byte) (textChanged bool, err error) {
	state, err := decodeWireState(data)
	if err != nil {
		return false, err
	}

	textChanged = r.text.Merge(state.TextNodes)
	r.permissions.Merge(state.PermissionsEntry)
	r.metadata.Merge(state.MetadataEntry)
	return textChanged, nil
}

func decodeWireState(data []byte) (wireState, error) {
	var state wireState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return wireState{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	return state, nil
}

// scratchPool reuses throwaway replicas for the classifier's dry-apply heuristic so scratch
// allocation stays bounded.
var scratchPool = sync.Pool{
	New: func() any { return New("scratch") },
}

// TryApplyToScratch attempts to merge data into a fresh scratch replica and reports whether doing
// so succeeded, and whether it changed the visible document text, for the Message
// Classifier's dry-apply heuristic. It never mutates any caller-owned replica.
func TryApplyToScratch(data []byte) (changed bool, ok bool) {
	scratch := scratchPool.Get().(*Replica)
	defer func() {
		scratch.reset()
		scratchPool.Put(scratch)
	}()

	textChanged, err := scratch.ApplyUpdate(data)
	if err != nil {
		return false, false
	}
	return textChanged, true
}
