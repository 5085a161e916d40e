package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store persists code hashes. Every method runs inside the caller's transaction.
type Store interface {
	Supersede(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose, at time.Time) error
	Insert(ctx context.Context, tx pgx.Tx, c Code) error
	// LatestForUpdate returns the newest non-superseded code for (actor, purpose), locked.
	LatestForUpdate(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose) (Code, error)
	// LiveOthers returns unconsumed, non-superseded codes of the actor for other purposes.
	LiveOthers(ctx context.Context, tx pgx.Tx, actorID string, exclude Purpose) ([]Code, error)
	Consume(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Supersede(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE step_up_codes SET superseded_at = $3
		WHERE actor_id = $1 AND purpose = $2 AND superseded_at IS NULL AND consumed_at IS NULL`,
		actorID, purpose, at); err != nil {
		return fmt.Errorf("stepup: supersede: %w", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, c Code) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO step_up_codes (id, actor_id, purpose, code_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ActorID, c.Purpose, c.Hash, c.IssuedAt, c.ExpiresAt); err != nil {
		return fmt.Errorf("stepup: insert: %w", err)
	}
	return nil
}

func (s *PGStore) LatestForUpdate(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose) (Code, error) {
	var c Code
	err := tx.QueryRow(ctx, `
		SELECT id::text, actor_id, purpose, code_hash, issued_at, expires_at, consumed_at
		FROM step_up_codes
		WHERE actor_id = $1 AND purpose = $2 AND superseded_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
		FOR UPDATE`, actorID, purpose).
		Scan(&c.ID, &c.ActorID, &c.Purpose, &c.Hash, &c.IssuedAt, &c.ExpiresAt, &c.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Code{}, ErrNotFound
		}
		return Code{}, fmt.Errorf("stepup: load code: %w", err)
	}
	return c, nil
}

func (s *PGStore) LiveOthers(ctx context.Context, tx pgx.Tx, actorID string, exclude Purpose) ([]Code, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text, actor_id, purpose, code_hash, issued_at, expires_at, consumed_at
		FROM step_up_codes
		WHERE actor_id = $1 AND purpose <> $2 AND superseded_at IS NULL AND consumed_at IS NULL`,
		actorID, exclude)
	if err != nil {
		return nil, fmt.Errorf("stepup: load other codes: %w", err)
	}
	defer rows.Close()

	var out []Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.ID, &c.ActorID, &c.Purpose, &c.Hash, &c.IssuedAt, &c.ExpiresAt, &c.ConsumedAt); err != nil {
			return nil, fmt.Errorf("stepup: scan code: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) Consume(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE step_up_codes SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("stepup: consume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConsumed
	}
	return nil
}
