package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one explicit (account -> level) grant for a document.
type Row struct {
	Level     Level
	GrantedBy string
	GrantedAt time.Time
}

// Store is the Permission Store contract (component B). Implementations only need to be
// serializable per (owner, permlink, account) key; the Hub is what serializes concurrent
// mutations of any single document's permission set.
type Store interface {
	// Lookup returns the explicit grant row for account on (owner, permlink), if any.
	Lookup(ctx context.Context, owner, permlink, account string) (Row, bool, error)
	// Upsert writes a single (account -> level) row, idempotent on (owner, permlink, account).
	Upsert(ctx context.Context, owner, permlink, account string, level Level, grantedBy string) error
	// IsPublic reports whether the document is flagged public.
	IsPublic(ctx context.Context, owner, permlink string) (bool, error)
}

// PGStore is a Store backed by Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Lookup(ctx context.Context, owner, permlink, account string) (Row, bool, error) {
	var row Row
	var levelStr string
	err := s.pool.QueryRow(ctx, `
		SELECT level, granted_by, granted_at FROM document_permissions
		WHERE owner = $1 AND permlink = $2 AND account = $3
	`, owner, permlink, account).Scan(&levelStr, &row.GrantedBy, &row.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("permission: lookup %s/%s/%s: %w", owner, permlink, account, err)
	}
	row.Level = Level(levelStr)
	return row, true, nil
}

func (s *PGStore) Upsert(ctx context.Context, owner, permlink, account string, level Level, grantedBy string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_permissions (owner, permlink, account, level, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (owner, permlink, account) DO UPDATE
		SET level = EXCLUDED.level, granted_by = EXCLUDED.granted_by, granted_at = now()
	`, owner, permlink, account, string(level), grantedBy)
	if err != nil {
		return fmt.Errorf("permission: upsert %s/%s/%s: %w", owner, permlink, account, err)
	}
	return nil
}

func (s *PGStore) IsPublic(ctx context.Context, owner, permlink string) (bool, error) {
	var isPublic bool
	err := s.pool.QueryRow(ctx,
		`SELECT is_public FROM documents WHERE owner = $1 AND permlink = $2`,
		owner, permlink,
	).Scan(&isPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("permission: is_public %s/%s: %w", owner, permlink, err)
	}
	return isPublic, nil
}
