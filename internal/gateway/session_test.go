package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/permission"
)

func TestNewSessionContextFieldsAndColor(t *testing.T) {
	now := time.Now()
	id := document.ID{Owner: "alice", Permlink: "welcome"}
	perm := permission.Effective{Level: permission.LevelEditable, CanRead: true, CanEdit: true}

	sess := NewSessionContext("bob", id, perm, now)

	if sess.Account != "bob" || sess.DocumentID != id || sess.Permission != perm {
		t.Fatalf("unexpected session fields: %+v", sess)
	}
	if !sess.ConnectedAt.Equal(now) || !sess.LastActivity.Equal(now) {
		t.Error("expected ConnectedAt and LastActivity to both be seeded from now")
	}
	if !strings.HasPrefix(sess.AssignedColor, "hsl(") {
		t.Errorf("AssignedColor = %q, want an hsl(...) string", sess.AssignedColor)
	}
}

func TestAssignColorIsDeterministic(t *testing.T) {
	a := assignColor("carol", permission.LevelEditable)
	b := assignColor("carol", permission.LevelEditable)
	if a != b {
		t.Errorf("assignColor is not deterministic: %q != %q", a, b)
	}
}

func TestAssignColorMutesReadOnlyLevels(t *testing.T) {
	editable := assignColor("dave", permission.LevelEditable)
	readonly := assignColor("dave", permission.LevelReadonly)

	if !strings.Contains(editable, ", 65%,") {
		t.Errorf("editable color = %q, want full saturation", editable)
	}
	if !strings.Contains(readonly, ", 25%,") {
		t.Errorf("readonly color = %q, want muted saturation", readonly)
	}
}
