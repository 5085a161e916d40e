package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ErrNoDatabase means neither a DSN, Docker nor a local PostgreSQL is available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns the database a stress run works against.
type Harness struct {
	Pool *pgxpool.Pool
	DSN  string

	container *postgres.PostgresContainer
	teardown  func(context.Context) error
}

// Open picks a database in order: overrideDSN, ESCROW_STRESS_PG_DSN, a Docker
// container, a local PostgreSQL. Shared databases get an isolated schema.
func Open(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		pgC    *postgres.PostgresContainer
		dsn    string
		shared bool
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv("ESCROW_STRESS_PG_DSN") != "":
		dsn, shared = os.Getenv("ESCROW_STRESS_PG_DSN"), true
	case dockerAvailable(ctx):
		pgC, dsn, err = startContainer(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, err
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		if pgC != nil {
			_ = pgC.Terminate(context.Background())
		}
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{Pool: pool, DSN: dsn, container: pgC, teardown: teardown}, nil
}

// Close releases the pool, the isolated schema and the container.
func (h *Harness) Close(ctx context.Context) error {
	h.Pool.Close()
	err := h.teardown(ctx)
	if h.container != nil {
		err = errors.Join(err, h.container.Terminate(ctx))
	}
	return err
}

// Reset truncates every table between scenarios. TRUNCATE bypasses the
// append-only row triggers.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.Pool.Exec(ctx, `
		TRUNCATE outbox, reconciliation_markers, idempotency, step_up_codes,
			chain_events, timeline_events, dispute_files, disputes,
			payment_records, draft_comments, drafts, projects, intake_requests
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
