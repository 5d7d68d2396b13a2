package permission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func redisClientFor(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishSubscribeInvalidatesAccount(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.Set(ctx, "bob", "alice", "welcome", LevelEditable); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	publisher := NewPublisher(redisClientFor(t, mr))
	sub := NewSubscriber(cache, redisClientFor(t, mr), zerolog.Nop())

	go sub.Run(ctx)
	waitForSubscriber(t)

	if err := publisher.InvalidateAccount(ctx, "alice", "welcome", "bob"); err != nil {
		t.Fatalf("InvalidateAccount() error = %v", err)
	}

	if !eventuallyMissing(ctx, cache, "bob", "alice", "welcome") {
		t.Error("cache entry was not invalidated")
	}
}

func TestPublishSubscribeInvalidatesWholeDocument(t *testing.T) {
	mr, cache := setupMiniRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.Set(ctx, "bob", "alice", "welcome", LevelEditable); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := cache.Set(ctx, "carol", "alice", "welcome", LevelReadonly); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	publisher := NewPublisher(redisClientFor(t, mr))
	sub := NewSubscriber(cache, redisClientFor(t, mr), zerolog.Nop())

	go sub.Run(ctx)
	waitForSubscriber(t)

	if err := publisher.InvalidateDocument(ctx, "alice", "welcome"); err != nil {
		t.Fatalf("InvalidateDocument() error = %v", err)
	}

	if !eventuallyMissing(ctx, cache, "bob", "alice", "welcome") {
		t.Error("bob's cache entry was not invalidated")
	}
	if !eventuallyMissing(ctx, cache, "carol", "alice", "welcome") {
		t.Error("carol's cache entry was not invalidated")
	}
}

func eventuallyMissing(ctx context.Context, cache Cache, account, owner, permlink string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := cache.Get(ctx, account, owner, permlink); !ok {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func waitForSubscriber(t *testing.T) {
	t.Helper()
	// miniredis processes SUBSCRIBE synchronously once the connection's goroutine has dialed in;
	// a short sleep is enough to let the subscriber's Subscribe() round trip complete.
	time.Sleep(50 * time.Millisecond)
}
