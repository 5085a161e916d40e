package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/metrics"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deliverer pushes a message to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, m Message) error
}

type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay moves outbox rows to the deliverer. A failed delivery never touches the
// transition that produced the message.
type Relay struct {
	pool    TxBeginner
	queue   Queue
	deliver Deliverer
	opts    RelayOptions
	now     func() time.Time
	logger  *slog.Logger
}

func NewRelay(pool TxBeginner, queue Queue, deliver Deliverer, opts RelayOptions) *Relay {
	if queue == nil {
		queue = NewPGQueue()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Relay{
		pool:    pool,
		queue:   queue,
		deliver: deliver,
		opts:    opts,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	if l != nil {
		r.logger = l
	}
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Run polls until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("notification relay batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch relays up to BatchSize messages and returns how many were delivered.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	envs, err := r.queue.Claim(ctx, tx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, env := range envs {
		at := r.now().UTC()
		if err := r.deliver.Deliver(ctx, env.Message); err != nil {
			dead := env.Attempts+1 >= r.opts.MaxAttempts
			outcome := "retry"
			if dead {
				outcome = "dead"
			}
			metrics.Escrow().ObserveNotification(outcome)
			r.logger.Warn("notification delivery failed",
				"outbox_id", env.ID, "project_id", env.Message.ProjectID, "attempt", env.Attempts+1, "dead", dead, "error", err)
			if err := r.queue.MarkFailed(ctx, tx, env.ID, dead, err.Error(), at); err != nil {
				return delivered, err
			}
			continue
		}
		metrics.Escrow().ObserveNotification("delivered")
		if err := r.queue.MarkProcessed(ctx, tx, env.ID, at); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit relay: %w", err)
	}
	return delivered, nil
}
