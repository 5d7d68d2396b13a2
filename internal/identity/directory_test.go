package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

func keysEqual(a, b *btcec.PublicKey) bool {
	return bytes.Equal(a.SerializeCompressed(), b.SerializeCompressed())
}

const testKeyPrefix = "STM"

func mustKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv.PubKey()
}

func newRPCServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHTTPAccountDirectoryResolvesKeys(t *testing.T) {
	postingKey := mustKey(t)
	activeKey := mustKey(t)
	memoKey := mustKey(t)

	url := newRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"result": []map[string]any{
				{
					"name": "alice",
					"owner": map[string]any{
						"key_auths": [][2]any{},
					},
					"active": map[string]any{
						"key_auths": [][2]any{{testKeyPrefix + encodePublicKey(activeKey), 1}},
					},
					"posting": map[string]any{
						"key_auths": [][2]any{{testKeyPrefix + encodePublicKey(postingKey), 1}},
					},
					"memo_key": testKeyPrefix + encodePublicKey(memoKey),
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	dir := NewHTTPAccountDirectory(url, testKeyPrefix, 5*time.Second)
	keys, err := dir.ResolveKeys(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveKeys() error = %v", err)
	}

	if keys.Account != "alice" {
		t.Errorf("Account = %q, want alice", keys.Account)
	}
	if len(keys.Posting) != 1 || !keysEqual(keys.Posting[0], postingKey) {
		t.Errorf("Posting keys = %v, want [%v]", keys.Posting, postingKey)
	}
	if len(keys.Active) != 1 || !keysEqual(keys.Active[0], activeKey) {
		t.Errorf("Active keys = %v, want [%v]", keys.Active, activeKey)
	}
	if len(keys.Owner) != 0 {
		t.Errorf("Owner keys = %v, want empty", keys.Owner)
	}
	if len(keys.Memo) != 1 || !keysEqual(keys.Memo[0], memoKey) {
		t.Errorf("Memo keys = %v, want [%v]", keys.Memo, memoKey)
	}
}

func TestHTTPAccountDirectoryReturnsNotFound(t *testing.T) {
	url := newRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	})

	dir := NewHTTPAccountDirectory(url, testKeyPrefix, 5*time.Second)
	_, err := dir.ResolveKeys(context.Background(), "ghost")
	if err != ErrAccountNotFound {
		t.Fatalf("ResolveKeys() error = %v, want ErrAccountNotFound", err)
	}
}

func TestHTTPAccountDirectoryPropagatesRPCError(t *testing.T) {
	url := newRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "node unavailable"},
		})
	})

	dir := NewHTTPAccountDirectory(url, testKeyPrefix, 5*time.Second)
	_, err := dir.ResolveKeys(context.Background(), "alice")
	if err == nil {
		t.Fatal("ResolveKeys() expected error, got nil")
	}
}

func TestHTTPAccountDirectoryPropagatesHTTPError(t *testing.T) {
	url := newRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	dir := NewHTTPAccountDirectory(url, testKeyPrefix, 5*time.Second)
	_, err := dir.ResolveKeys(context.Background(), "alice")
	if err == nil {
		t.Fatal("ResolveKeys() expected error, got nil")
	}
}

func TestHTTPAccountDirectoryRejectsMalformedKey(t *testing.T) {
	url := newRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"result": []map[string]any{
				{
					"name":    "alice",
					"owner":   map[string]any{"key_auths": [][2]any{}},
					"active":  map[string]any{"key_auths": [][2]any{}},
					"posting": map[string]any{"key_auths": [][2]any{{"not-a-real-key", 1}}},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	dir := NewHTTPAccountDirectory(url, testKeyPrefix, 5*time.Second)
	_, err := dir.ResolveKeys(context.Background(), "alice")
	if err == nil {
		t.Fatal("ResolveKeys() expected error for malformed key, got nil")
	}
}
