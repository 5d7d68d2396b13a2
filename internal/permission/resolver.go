package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Resolver computes the Effective permission for an account on a document, fronting the durable
// Store with a Valkey cache. A cache read or write failure degrades to the store rather than
// failing the resolution.
type Resolver struct {
	store     Store
	cache     Cache
	publisher *Publisher
	log       zerolog.Logger
}

// NewResolver creates a new permission resolver. publisher may be nil, in which case Upsert skips
// cross-process cache invalidation (acceptable for a single-process deployment).
func NewResolver(store Store, cache Cache, publisher *Publisher, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		cache:     cache,
		publisher: publisher,
		log:       logger.With().Str("component", "permission_resolver").Logger(),
	}
}

// Resolve computes the Effective permission for account on (owner, permlink), using the cache
// when available, by the following precedence:
//  1. account == owner                       -> owner
//  2. an explicit row exists in the Store     -> that row's level
//  3. the document is flagged public          -> public
//  4. otherwise                               -> none
func (r *Resolver) Resolve(ctx context.Context, account, owner, permlink string) (Effective, error) {
	if account == owner {
		return newEffective(LevelOwner), nil
	}

	level, ok, err := r.cache.Get(ctx, account, owner, permlink)
	if err != nil {
		r.log.Warn().Err(err).Msg("permission cache get failed, falling through to store")
	}
	if ok {
		return newEffective(level), nil
	}

	level, err = r.compute(ctx, account, owner, permlink)
	if err != nil {
		return Effective{}, err
	}

	if cacheErr := r.cache.Set(ctx, account, owner, permlink, level); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("permission cache set failed")
	}

	return newEffective(level), nil
}

func (r *Resolver) compute(ctx context.Context, account, owner, permlink string) (Level, error) {
	row, ok, err := r.store.Lookup(ctx, owner, permlink, account)
	if err != nil {
		return "", fmt.Errorf("permission: lookup: %w", err)
	}
	if ok {
		return row.Level, nil
	}

	isPublic, err := r.store.IsPublic(ctx, owner, permlink)
	if err != nil {
		return "", fmt.Errorf("permission: is_public: %w", err)
	}
	if isPublic {
		return LevelPublic, nil
	}

	return LevelNone, nil
}

// Upsert writes an explicit grant and invalidates any cached level for (owner, permlink, account)
// across every process sharing the Valkey instance.
func (r *Resolver) Upsert(ctx context.Context, owner, permlink, account string, level Level, grantedBy string) error {
	if err := r.store.Upsert(ctx, owner, permlink, account, level, grantedBy); err != nil {
		return fmt.Errorf("permission: upsert: %w", err)
	}

	if cacheErr := r.cache.DeleteExact(ctx, account, owner, permlink); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("permission cache invalidation failed")
	}
	if r.publisher != nil {
		if err := r.publisher.InvalidateAccount(ctx, owner, permlink, account); err != nil {
			r.log.Warn().Err(err).Msg("permission invalidation publish failed")
		}
	}
	return nil
}

// IsPublic reports whether (owner, permlink) is flagged public.
func (r *Resolver) IsPublic(ctx context.Context, owner, permlink string) (bool, error) {
	isPublic, err := r.store.IsPublic(ctx, owner, permlink)
	if err != nil {
		return false, fmt.Errorf("permission: is_public: %w", err)
	}
	return isPublic, nil
}
