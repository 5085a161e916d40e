package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Envelope is one claimed outbox row.
type Envelope struct {
	ID       string
	Attempts int
	Message  Message
}

// Queue claims and settles outbox rows inside the relay's transaction.
type Queue interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Envelope, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool, cause string, at time.Time) error
}

type PGQueue struct{}

func NewPGQueue() *PGQueue {
	return &PGQueue{}
}

// Claim locks pending rows with SKIP LOCKED so several relays can run side by side.
func (q *PGQueue) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Envelope, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text, attempts, payload
		FROM outbox
		WHERE status = 'pending' AND topic = $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, TopicNotification, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim outbox: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			payload []byte
		)
		if err := rows.Scan(&env.ID, &env.Attempts, &payload); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		if err := json.Unmarshal(payload, &env.Message); err != nil {
			return nil, fmt.Errorf("notify: decode outbox %s: %w", env.ID, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (q *PGQueue) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2, last_error = NULL
		WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

func (q *PGQueue) MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool, cause string, at time.Time) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = $3, last_error = $4
		WHERE id = $1`, id, status, at, cause); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
