package gateway

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/permission"
)

// mutedSaturation is the saturation used for read-only-flavored levels, so a quick glance at cursor
// colors hints at who can and cannot edit.
const (
	fullSaturation  = 65
	mutedSaturation = 25
	lightness       = 50
)

// SessionContext is the per-connection state the Gateway assembles at attach time and hands to the
// Hub. It is immutable except for LastActivity, which the read loop refreshes on every frame.
type SessionContext struct {
	Account       string
	DocumentID    document.ID
	Permission    permission.Effective
	ConnectedAt   time.Time
	LastActivity  time.Time
	AssignedColor string
}

// NewSessionContext builds a SessionContext for a freshly authenticated connection.
func NewSessionContext(account string, id document.ID, perm permission.Effective, now time.Time) SessionContext {
	return SessionContext{
		Account:       account,
		DocumentID:    id,
		Permission:    perm,
		ConnectedAt:   now,
		LastActivity:  now,
		AssignedColor: assignColor(account, perm.Level),
	}
}

// assignColor derives a deterministic HSL color string from account, muting its saturation for
// levels that cannot edit so read-only cursors are visually distinct at a glance.
func assignColor(account string, level permission.Level) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	hue := int(h.Sum32() % 360)

	sat := fullSaturation
	if level == permission.LevelReadonly || level == permission.LevelPublic || level == permission.LevelNone {
		sat = mutedSaturation
	}

	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, sat, lightness)
}
