// Package activity implements the Activity Logger (component D): an append-only audit sink for
// connect/disconnect/edit/block events.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/inkwell-collab/inkwell-server/internal/document"
)

// Kind classifies one activity log entry.
type Kind string

const (
	KindConnect             Kind = "connect"
	KindDisconnect          Kind = "disconnect"
	KindDocumentEdit        Kind = "document_edit"
	KindBlockedDocumentEdit Kind = "blocked_document_edit"
)

// Logger appends entries to the activity log.
type Logger interface {
	Log(ctx context.Context, id document.ID, account string, kind Kind, payload map[string]any) error
}

// PGLogger is a Logger backed by Postgres.
type PGLogger struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPGLogger builds a PGLogger.
func NewPGLogger(pool *pgxpool.Pool, logger zerolog.Logger) *PGLogger {
	return &PGLogger{pool: pool, log: logger.With().Str("component", "activity_logger").Logger()}
}

// Log writes one append-only row. Failures are logged here; callers on the hot collaboration
// path should treat a returned error as non-fatal and continue rather than block on it.
func (l *PGLogger) Log(ctx context.Context, id document.ID, account string, kind Kind, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("activity: marshal payload: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO activity_log (owner, permlink, account, kind, json_payload)
		VALUES ($1, $2, $3, $4, $5)
	`, id.Owner, id.Permlink, account, string(kind), encoded)
	if err != nil {
		l.log.Error().Err(err).
			Str("document", id.String()).
			Str("account", account).
			Str("kind", string(kind)).
			Msg("failed to write activity log row")
		return fmt.Errorf("activity: insert: %w", err)
	}
	return nil
}
