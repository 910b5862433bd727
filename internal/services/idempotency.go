package services

import (
	"context"
	"database/sql"
)

// IdempotencyResolver maps any known external identifier to at most one
// ledger entry. The gateway may report with the reference we generated
// (external_reference) or one it generated itself (gateway_reference),
// in either order; lookups try every supplied alias before concluding
// not-found.
type IdempotencyResolver struct {
	db *sql.DB
}

func NewIdempotencyResolver(db *sql.DB) *IdempotencyResolver {
	return &IdempotencyResolver{db: db}
}

// Resolve returns the entry matching any of the given references, or
// ErrEntryNotFound. Empty aliases are skipped.
func (r *IdempotencyResolver) Resolve(ctx context.Context, references ...string) (string, error) {
	for _, ref := range references {
		if ref == "" {
			continue
		}
		var entryID string
		err := r.db.QueryRowContext(ctx, `
			SELECT id FROM ledger_entries
			WHERE external_reference = $1 OR gateway_reference = $1 OR request_id = $1
			LIMIT 1`, ref).Scan(&entryID)
		if err == nil {
			return entryID, nil
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}
	return "", ErrEntryNotFound
}
