package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewErrorFrameShape(t *testing.T) {
	frame, err := NewErrorFrame("permission_denied", "User bob has readonly access")
	if err != nil {
		t.Fatalf("NewErrorFrame() error = %v", err)
	}
	if len(frame) < 1 || frame[0] != byteBroadcastStateless {
		t.Fatalf("expected leading byte %d, got %v", byteBroadcastStateless, frame)
	}

	var payload errorPayload
	if err := json.Unmarshal(frame[1:], &payload); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if payload.Type != "error" {
		t.Errorf("Type = %q, want error", payload.Type)
	}
	if payload.Code != "permission_denied" {
		t.Errorf("Code = %q, want permission_denied", payload.Code)
	}
	if payload.Message != "User bob has readonly access" {
		t.Errorf("Message = %q", payload.Message)
	}
}
