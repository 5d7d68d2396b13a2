package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// InvalidationMessage is published whenever a document's permission state changes, so that every
// gateway process sharing the Valkey instance drops its stale cache entries.
type InvalidationMessage struct {
	Owner    string `json:"owner"`
	Permlink string `json:"permlink"`
	Account  string `json:"account,omitempty"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// InvalidateAccount publishes an invalidation for one account's cached level on a document.
func (p *Publisher) InvalidateAccount(ctx context.Context, owner, permlink, account string) error {
	return p.publish(ctx, InvalidationMessage{Owner: owner, Permlink: permlink, Account: account})
}

// InvalidateDocument publishes an invalidation for every cached level on a document, used when its
// public flag changes.
func (p *Publisher) InvalidateDocument(ctx context.Context, owner, permlink string) error {
	return p.publish(ctx, InvalidationMessage{Owner: owner, Permlink: permlink})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("permission: marshal invalidation: %w", err)
	}
	return p.client.Publish(ctx, InvalidateChannel, data).Err()
}

// Subscriber listens for cache invalidation messages and removes the affected cached entries.
type Subscriber struct {
	cache  Cache
	client *redis.Client
	log    zerolog.Logger
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(cache Cache, client *redis.Client, logger zerolog.Logger) *Subscriber {
	return &Subscriber{cache: cache, client: client, log: logger.With().Str("component", "permission_invalidate").Logger()}
}

// Run subscribes to the invalidation channel and processes messages until ctx is cancelled. It
// blocks and should be run in its own goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn().Err(err).Str("payload", payload).Msg("invalid invalidation message")
		return
	}

	var err error
	if msg.Account != "" {
		err = s.cache.DeleteExact(ctx, msg.Account, msg.Owner, msg.Permlink)
	} else {
		err = s.cache.DeleteByDocument(ctx, msg.Owner, msg.Permlink)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("owner", msg.Owner).Str("permlink", msg.Permlink).Msg("cache invalidation failed")
	}
}
