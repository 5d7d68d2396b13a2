package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkwell-collab/inkwell-server/internal/activity"
	"github.com/inkwell-collab/inkwell-server/internal/classify"
	"github.com/inkwell-collab/inkwell-server/internal/config"
	"github.com/inkwell-collab/inkwell-server/internal/crdt"
	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/permission"
)

// PermissionUpdate is the Permission Broadcaster's request to mutate a live Hub's permission
// snapshot.
type PermissionUpdate struct {
	TargetAccount string
	Level         permission.Level
	GrantedBy     string
}

// Hub is the per-(owner, permlink) Document Hub (component F): the live CRDT replica, the set of
// attached connections, and the debounced persistence pipeline.
//
// Locking follows the crdt package's own division of labor: Replica and its Map/RGA fields are
// internally thread-safe, so once a caller holds a stable *crdt.Replica pointer it can call the
// replica's own methods — including ones that synchronously fire the permission observer — without
// holding any Hub lock. Hub's own two locks stay narrowly scoped to Hub bookkeeping so neither is
// ever held across replica calls or Store/Cache I/O:
//
//   - mu protects replica (until first assigned), the persistence debounce state, and permCancel.
//   - connsMu protects the conns map.
//
// coldStartMu serializes concurrent first-attachers without blocking anyone on Document Store I/O
// under mu.
type Hub struct {
	id          document.ID
	registry    *Registry
	resolver    *permission.Resolver
	store       document.Store
	activityLog activity.Logger
	classifier  *classify.Classifier
	cfg         *config.Config
	log         zerolog.Logger

	coldStartMu sync.Mutex

	mu            sync.Mutex
	replica       *crdt.Replica
	permCancel    func()
	dirty         bool
	firstDirtyAt  time.Time
	debounceTimer *time.Timer
	persisting    bool
	storeFailures int32

	connsMu sync.Mutex
	conns   map[peerHandle]*SessionContext

	broadcastSeq uint64
}

// NewHub constructs a Hub for id. The replica is loaded lazily on first Attach, not here, so
// registry construction stays cheap and fast.
func NewHub(id document.ID, registry *Registry, resolver *permission.Resolver, store document.Store, activityLog activity.Logger, classifier *classify.Classifier, cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		id:          id,
		registry:    registry,
		resolver:    resolver,
		store:       store,
		activityLog: activityLog,
		classifier:  classifier,
		cfg:         cfg,
		conns:       make(map[peerHandle]*SessionContext),
		log:         logger.With().Str("component", "hub").Str("document", id.String()).Logger(),
	}
}

// Attach resolves account's permission, cold-starts the replica if this is the first connection to
// the document, registers the connection, and returns the session context plus an encoded Sync
// frame of the current replica state. An error here is an auth failure: the caller closes with
// code 1008 and does not create a Hub entry that outlives the failed attempt.
func (h *Hub) Attach(ctx context.Context, peer peerHandle, account string) (*SessionContext, []byte, error) {
	perm, err := h.resolver.Resolve(ctx, account, h.id.Owner, h.id.Permlink)
	if err != nil {
		return nil, nil, fmt.Errorf("hub: resolve permission: %w", err)
	}
	if !perm.CanRead {
		return nil, nil, fmt.Errorf("%w: %s has no access to %s", ErrAuthenticationFailed, account, h.id.String())
	}

	replica, err := h.ensureReplica(ctx, account)
	if err != nil {
		return nil, nil, fmt.Errorf("hub: cold start: %w", err)
	}

	sess := NewSessionContext(account, h.id, perm, time.Now())
	h.connsMu.Lock()
	h.conns[peer] = &sess
	h.connsMu.Unlock()

	encoded, err := replica.EncodeFullState()
	if err != nil {
		h.connsMu.Lock()
		delete(h.conns, peer)
		h.connsMu.Unlock()
		return nil, nil, fmt.Errorf("hub: encode sync frame: %w", err)
	}
	syncFrame := append([]byte{0}, encoded...)

	h.log.Debug().Str("account", account).Str("level", string(perm.Level)).Msg("connection attached")
	h.recordActivity(&sess, activity.KindConnect)
	return &sess, syncFrame, nil
}

// ensureReplica returns the Hub's replica, cold-starting it from the Document Store on first use.
// coldStartMu serializes concurrent first-attachers; the Store.Load call itself runs with no Hub
// lock held.
func (h *Hub) ensureReplica(ctx context.Context, firstAccount string) (*crdt.Replica, error) {
	if r := h.currentReplica(); r != nil {
		return r, nil
	}

	h.coldStartMu.Lock()
	defer h.coldStartMu.Unlock()

	if r := h.currentReplica(); r != nil {
		return r, nil
	}

	replica, err := h.loadOrCreateReplica(ctx, firstAccount)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.replica = replica
	h.permCancel = replica.ObservePermissions(h.onPermissionsChanged)
	h.mu.Unlock()

	return replica, nil
}

func (h *Hub) currentReplica() *crdt.Replica {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replica
}

// loadOrCreateReplica loads the persisted replica, or creates a fresh one seeded with the owner
// grant and creation timestamp. It touches no Hub lock.
func (h *Hub) loadOrCreateReplica(ctx context.Context, firstAccount string) (*crdt.Replica, error) {
	loadCtx, cancel := context.WithTimeout(ctx, h.cfg.LoadTimeout)
	defer cancel()

	raw, err := h.store.Load(loadCtx, h.id)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	replica := crdt.New(h.id.String())
	if raw != nil {
		if err := replica.DecodeFullState(raw); err != nil {
			return nil, fmt.Errorf("decode persisted state: %w", err)
		}
		return replica, nil
	}

	now := time.Now().UTC()
	replica.Permissions().Set(h.id.Owner, []byte(string(permission.LevelOwner)), now.UnixMilli(), h.id.String())
	replica.Permissions().Set("created", []byte(now.Format(time.RFC3339)), now.UnixMilli(), h.id.String())
	return replica, nil
}

// onPermissionsChanged is the permission observer installed at cold start. The crdt package calls
// it synchronously from inside Replica methods (ApplyUpdate, WritePermissionBroadcast); it touches
// only connsMu, never mu.
func (h *Hub) onPermissionsChanged(changes []crdt.Change) {
	payload, err := json.Marshal(struct {
		Type    string   `json:"type"`
		Changed []string `json:"changed"`
	}{Type: "permissions_changed", Changed: changedKeys(changes)})
	if err != nil {
		return
	}
	frame := append([]byte{1}, payload...)
	h.fanOut(nil, frame, true)
}

func changedKeys(changes []crdt.Change) []string {
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	return keys
}

// Detach removes peer from the connection set. If the set becomes empty and nothing is owed to the
// Document Store, the Hub reaps itself immediately; otherwise the existing debounce timer's own
// persist() call reaps it once the flush completes.
func (h *Hub) Detach(peer peerHandle) {
	h.connsMu.Lock()
	sess, ok := h.conns[peer]
	if !ok {
		h.connsMu.Unlock()
		return
	}
	delete(h.conns, peer)
	empty := len(h.conns) == 0
	h.connsMu.Unlock()

	if sess != nil {
		h.log.Debug().Str("account", sess.Account).Msg("connection detached")
		h.recordActivity(sess, activity.KindDisconnect)
	}

	if !empty {
		return
	}

	h.mu.Lock()
	dirty := h.dirty
	if dirty {
		h.mu.Unlock()
		return
	}
	if h.permCancel != nil {
		h.permCancel()
		h.permCancel = nil
	}
	h.mu.Unlock()

	h.registry.Drop(h.id, h)
}

// detach is the peerHandle-agnostic entry point client.go's readPump calls.
func (h *Hub) detach(c *Client) { h.Detach(c) }

// handleFrame classifies frame and applies the per-kind dispatch below. It is the entry point
// client.go's readPump calls for every inbound message.
func (h *Hub) handleFrame(peer peerHandle, sess *SessionContext, frame []byte) {
	kind := h.classifier.Classify(frame)
	sess.LastActivity = time.Now()
	inGrace := sess.LastActivity.Sub(sess.ConnectedAt) < h.cfg.GracePeriod

	switch kind {
	case classify.Sync, classify.SyncReply, classify.SyncStatus:
		h.applyAndBroadcast(peer, sess, frame)
	case classify.Awareness, classify.QueryAwareness, classify.Auth:
		h.fanOut(peer, frame, true)
	case classify.ContentUpdate:
		if sess.Permission.CanEdit || inGrace {
			h.applyAndBroadcast(peer, sess, frame)
			h.recordActivity(sess, activity.KindDocumentEdit)
		} else {
			h.rejectEdit(peer, sess)
		}
	default:
		h.log.Debug().Str("account", sess.Account).Msg("dropping unclassifiable frame")
	}
}

// applyAndBroadcast merges frame[1:] into the replica, schedules persistence if that changed the
// document text, and fans the raw frame out to every other connection whenever the merge succeeds.
func (h *Hub) applyAndBroadcast(origin peerHandle, sess *SessionContext, frame []byte) {
	if len(frame) < 1 {
		return
	}

	replica := h.currentReplica()
	if replica == nil {
		return
	}

	changed, err := replica.ApplyUpdate(frame[1:])
	if err != nil {
		h.log.Debug().Err(err).Str("account", sess.Account).Msg("failed to apply frame to replica")
		return
	}
	if changed {
		h.markDirty()
	}

	h.fanOut(origin, frame, false)
}

// fanOut sends frame to every attached connection other than origin. droppable marks the frame
// eligible to be dropped under backpressure; Sync/SyncReply frames are never marked droppable.
func (h *Hub) fanOut(origin peerHandle, frame []byte, droppable bool) {
	h.connsMu.Lock()
	peers := make([]peerHandle, 0, len(h.conns))
	for p := range h.conns {
		if p != origin {
			peers = append(peers, p)
		}
	}
	h.connsMu.Unlock()

	for _, p := range peers {
		p.Enqueue(frame, droppable)
	}
}

func (h *Hub) rejectEdit(peer peerHandle, sess *SessionContext) {
	frame, err := NewErrorFrame("permission_denied", fmt.Sprintf("User %s has %s access", sess.Account, sess.Permission.Level))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build rejection frame")
		return
	}
	peer.Enqueue(frame, false)
	h.recordActivity(sess, activity.KindBlockedDocumentEdit)
}

func (h *Hub) recordActivity(sess *SessionContext, kind activity.Kind) {
	if h.activityLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.activityLog.Log(ctx, h.id, sess.Account, kind, nil); err != nil {
		h.log.Warn().Err(err).Str("account", sess.Account).Str("kind", string(kind)).Msg("activity log write failed")
	}
}

// IngestPermissionUpdate atomically writes update into the replica's permissions sub-object as a
// single CRDT transaction and broadcasts the resulting full-state Sync frame to every connected
// peer. It is a no-op if the Hub has not loaded its replica yet (no connection has attached);
// callers should check Registry.Get first.
func (h *Hub) IngestPermissionUpdate(update PermissionUpdate) error {
	replica := h.currentReplica()
	if replica == nil {
		return nil
	}

	id := atomic.AddUint64(&h.broadcastSeq, 1)
	kind := crdt.EventGranted
	if update.Level == permission.LevelNone || update.Level == permission.LevelReadonly {
		kind = crdt.EventRevoked
	}
	replica.WritePermissionBroadcast(crdt.Broadcast{
		TargetAccount: update.TargetAccount,
		NewLevel:      string(update.Level),
		GrantedBy:     update.GrantedBy,
		TimestampMs:   time.Now().UnixMilli(),
		EventKind:     kind,
	}, id)

	encoded, err := replica.EncodeFullState()
	if err != nil {
		return fmt.Errorf("hub: encode permission update: %w", err)
	}

	h.fanOut(nil, append([]byte{0}, encoded...), false)
	return nil
}

// markDirty flags unsaved changes and (re)arms the debounce timer, respecting the hard ceiling
// from the first unsaved change.
func (h *Hub) markDirty() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if !h.dirty {
		h.dirty = true
		h.firstDirtyAt = now
	}
	h.armDebounceLocked()
}

// armDebounceLocked (re)starts the debounce timer so persistence fires debounceMinMs from now,
// unless that would exceed debounceMaxMs from the first unsaved change, in which case it fires at
// the ceiling instead. Caller must hold h.mu.
func (h *Hub) armDebounceLocked() {
	if h.debounceTimer != nil {
		h.debounceTimer.Stop()
	}

	minDelay := time.Duration(h.cfg.DebounceMinMS) * time.Millisecond
	maxDelay := time.Duration(h.cfg.DebounceMaxMS) * time.Millisecond
	elapsed := time.Since(h.firstDirtyAt)
	remaining := maxDelay - elapsed

	delay := minDelay
	if remaining < delay {
		if remaining < 0 {
			remaining = 0
		}
		delay = remaining
	}

	h.debounceTimer = time.AfterFunc(delay, h.persist)
}

// persist flushes the replica to the Document Store. A failure is logged and the timer re-armed;
// three consecutive failures are broadcast to the document's connections as a StoreError warning.
func (h *Hub) persist() {
	h.mu.Lock()
	if h.persisting || !h.dirty {
		h.mu.Unlock()
		return
	}
	h.persisting = true
	h.mu.Unlock()

	replica := h.currentReplica()
	encoded, encErr := replica.EncodeFullState()

	var storeErr error
	if encErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		storeErr = h.store.Store(ctx, h.id, encoded)
		if storeErr == nil {
			if err := h.store.RecordEdit(ctx, h.id); err != nil {
				h.log.Warn().Err(err).Msg("failed to record edit counter")
			}
		}
		cancel()
	}

	h.mu.Lock()
	h.persisting = false
	if encErr != nil {
		h.log.Error().Err(encErr).Msg("failed to encode replica for persistence")
		h.mu.Unlock()
		return
	}
	if storeErr != nil {
		h.storeFailures++
		failures := h.storeFailures
		h.log.Error().Err(storeErr).Int32("consecutive_failures", failures).Msg("persistence failed")
		h.armDebounceLocked()
		h.mu.Unlock()
		if failures >= 3 {
			h.warnConnections("persistence has failed repeatedly; changes may be at risk")
		}
		return
	}

	h.storeFailures = 0
	h.dirty = false
	h.debounceTimer = nil
	h.mu.Unlock()

	h.connsMu.Lock()
	empty := len(h.conns) == 0
	h.connsMu.Unlock()

	if empty {
		h.registry.Drop(h.id, h)
	}
}

func (h *Hub) warnConnections(message string) {
	frame, err := NewErrorFrame("store_warning", message)
	if err != nil {
		return
	}
	h.fanOut(nil, frame, true)
}

// Shutdown flushes the replica and force-closes every remaining connection with the given close
// code and reason (1000/"server shutdown" on graceful process exit, 1000/"document deleted" from
// the broadcaster's deletion endpoint). It always removes the Hub from the registry.
func (h *Hub) Shutdown(code int, reason string) {
	h.mu.Lock()
	replica := h.replica
	if h.debounceTimer != nil {
		h.debounceTimer.Stop()
	}
	if h.permCancel != nil {
		h.permCancel()
		h.permCancel = nil
	}
	h.mu.Unlock()

	if replica != nil {
		if encoded, err := replica.EncodeFullState(); err != nil {
			h.log.Error().Err(err).Msg("failed to encode replica on shutdown")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if storeErr := h.store.Store(ctx, h.id, encoded); storeErr != nil {
				h.log.Error().Err(storeErr).Msg("failed to flush replica on shutdown")
			}
			cancel()
		}
	}

	h.connsMu.Lock()
	peers := make([]peerHandle, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	h.connsMu.Unlock()

	for _, p := range peers {
		p.Close(code, reason)
	}

	h.registry.Drop(h.id, h)
}

// ActiveConnections returns the number of attached connections, used by the broadcaster's health
// endpoint.
func (h *Hub) ActiveConnections() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}
