package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrDuplicateKey        = errors.New("escrow: duplicate idempotency key")
	ErrIdempotencyMismatch = errors.New("escrow: idempotency key bound to another request")
)

// IdempotencyRecord is the request an idempotency key was first used for.
type IdempotencyRecord struct {
	Key        string
	ProjectID  string
	Transition string
}

type IdempotencyStore interface {
	Lookup(ctx context.Context, tx pgx.Tx, key string) (IdempotencyRecord, bool, error)
	Reserve(ctx context.Context, tx pgx.Tx, key, projectID, transition string) error
}

type PGIdempotencyStore struct{}

func NewPGIdempotencyStore() *PGIdempotencyStore {
	return &PGIdempotencyStore{}
}

func (s *PGIdempotencyStore) Lookup(ctx context.Context, tx pgx.Tx, key string) (IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{Key: key}
	err := tx.QueryRow(ctx, `SELECT project_id::text, transition FROM idempotency WHERE key = $1`, key).
		Scan(&rec.ProjectID, &rec.Transition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, fmt.Errorf("escrow: lookup idempotency key: %w", err)
	}
	return rec, true, nil
}

func (s *PGIdempotencyStore) Reserve(ctx context.Context, tx pgx.Tx, key, projectID, transition string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO idempotency (key, project_id, transition)
		VALUES ($1, $2, $3)`, key, projectID, transition); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("escrow: reserve idempotency key: %w", err)
	}
	return nil
}
