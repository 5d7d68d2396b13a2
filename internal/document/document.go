// Package document implements the Document Store (component C): durable bytes for each
// document's CRDT state, keyed by (owner, permlink).
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/inkwell-collab/inkwell-server/internal/crdt"
)

// ID is the pair (owner, permlink) that identifies a document everywhere in this system.
type ID struct {
	Owner    string
	Permlink string
}

func (id ID) String() string {
	return id.Owner + "/" + id.Permlink
}

// ErrInvalidID is returned by ParseID when a client-supplied path does not split into exactly two
// non-empty segments.
var ErrInvalidID = errors.New("document: path must be \"owner/permlink\" with both segments non-empty")

// ParseID splits a client-supplied "owner/permlink" path into a DocumentId.
func ParseID(path string) (ID, error) {
	path = strings.Trim(path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ID{}, ErrInvalidID
	}
	return ID{Owner: parts[0], Permlink: parts[1]}, nil
}

// Store is the Document Store contract (component C).
type Store interface {
	// Load returns the latest persisted CRDT encoding for id, or nil if the document is new.
	Load(ctx context.Context, id ID) ([]byte, error)
	// Store overwrites the persisted encoding for id and refreshes last_activity.
	Store(ctx context.Context, id ID, encoded []byte) error
	// RecordEdit increments the document's edit counter and stamps activity.
	RecordEdit(ctx context.Context, id ID) error
	// IsPublic reports whether id is flagged public.
	IsPublic(ctx context.Context, id ID) (bool, error)
}

// PGStore is a Store backed by Postgres.
type PGStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPGStore builds a PGStore.
func NewPGStore(pool *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{pool: pool, log: logger.With().Str("component", "document_store").Logger()}
}

// Load returns the persisted CRDT encoding, or nil if the document has never been saved. If the
// stored bytes fail to decode as CRDT state, they are interpreted as raw initial text, a fresh
// CRDT replica is synthesized containing that text, and the synthesized encoding is written back
// transparently before being returned.
func (s *PGStore) Load(ctx context.Context, id ID) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document_bytes FROM documents WHERE owner = $1 AND permlink = $2`,
		id.Owner, id.Permlink,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("document: load %s: %w", id, err)
	}

	probe := crdt.New("load-probe")
	if err := probe.DecodeFullState(raw); err == nil {
		return raw, nil
	}

	s.log.Warn().Stringer("document", id).Msg("stored bytes did not decode as CRDT state, synthesizing replica from raw text")
	synthesized := crdt.New(id.String())
	var after crdt.NodeID
	for _, ch := range string(raw) {
		next, err := synthesized.InsertText(after, ch)
		if err != nil {
			return nil, fmt.Errorf("document: synthesize replica for %s: %w", id, err)
		}
		after = next
	}

	encoded, err := synthesized.EncodeFullState()
	if err != nil {
		return nil, fmt.Errorf("document: encode synthesized replica for %s: %w", id, err)
	}
	if err := s.Store(ctx, id, encoded); err != nil {
		return nil, fmt.Errorf("document: persist synthesized replica for %s: %w", id, err)
	}
	return encoded, nil
}

// Store overwrites the persisted encoding for id, creating the row if it does not exist yet.
func (s *PGStore) Store(ctx context.Context, id ID, encoded []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (owner, permlink, document_bytes, last_activity)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner, permlink) DO UPDATE
		SET document_bytes = EXCLUDED.document_bytes, last_activity = now()
	`, id.Owner, id.Permlink, encoded)
	if err != nil {
		return fmt.Errorf("document: store %s: %w", id, err)
	}
	return nil
}

// RecordEdit increments the document's edit counter and stamps last_activity.
func (s *PGStore) RecordEdit(ctx context.Context, id ID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (owner, permlink, document_bytes, edit_count, last_activity)
		VALUES ($1, $2, ''::bytea, 1, now())
		ON CONFLICT (owner, permlink) DO UPDATE
		SET edit_count = documents.edit_count + 1, last_activity = now()
	`, id.Owner, id.Permlink)
	if err != nil {
		return fmt.Errorf("document: record edit %s: %w", id, err)
	}
	return nil
}

// IsPublic reports whether id is flagged public. A missing document is treated as not public.
func (s *PGStore) IsPublic(ctx context.Context, id ID) (bool, error) {
	var isPublic bool
	err := s.pool.QueryRow(ctx,
		`SELECT is_public FROM documents WHERE owner = $1 AND permlink = $2`,
		id.Owner, id.Permlink,
	).Scan(&isPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("document: is_public %s: %w", id, err)
	}
	return isPublic, nil
}
