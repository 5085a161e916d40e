package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/project"
	"escrowflow/settlement"
	"escrowflow/stepup"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent lifecycle actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	h, err := infra.Open(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no postgres for stress run: %v", err)
	}
	if err != nil {
		t.Fatalf("open harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	ledger := settlement.NewMockLedger("", settlement.NewMockGateway("stress"))
	env := newEnv(t, h.Pool, ledger)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Lifecycle(ctx2, env, i, seed+int64(i), stop) })
	}
	g.Go(func() error { return actors.CodeReplayer(ctx2, env, 0, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, h.Pool, seed, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, h.Pool, seed+1, stop) })
	g.Go(func() error { return actors.Reconciler(ctx2, env, stop) })
	go chaos.TerminateRandomBackend(ctx2, h.Pool, infra.AppName, stop)
	go chaos.LedgerFaults(ctx2, ledger, seed, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			if failed := checkOracles(t, ctx2, h.Pool, seed); failed {
				close(stop)
				_ = g.Wait()
				t.FailNow()
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// A final pass once the actors are quiet.
	if checkOracles(t, ctx, h.Pool, seed) {
		t.FailNow()
	}

	var terminal int
	if err := h.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE status IN ('RELEASED','REFUNDED','RESOLVED')`).Scan(&terminal); err == nil {
		t.Logf("projects settled: %d, ledger calls: %d (seed=%d)", terminal, len(ledger.Calls()), seed)
	}
}

func newEnv(t *testing.T, pool *pgxpool.Pool, ledger *settlement.MockLedger) *actors.Env {
	t.Helper()
	guard := stepup.NewGuard(pool, stepup.NewPGStore(), stepup.Options{
		TTL:        time.Minute,
		BcryptCost: bcrypt.MinCost,
	})
	svc, err := escrow.NewService(pool, escrow.NewPostgresDeps(pool, ledger, guard))
	if err != nil {
		t.Fatalf("escrow service: %v", err)
	}
	return &actors.Env{
		Pool:     pool,
		Escrow:   svc.WithAdapterTimeout(5 * time.Second),
		Guard:    guard,
		Projects: project.NewRepository(pool),
	}
}

// checkOracles reports true after logging the first failing oracle. Query errors
// caused by the backend terminator are logged and retried on the next tick.
func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if ctx.Err() == nil {
			t.Logf("oracle query error: %v", err)
		}
		return false
	}
	if name == "" {
		return false
	}
	dumpRecent(t, ctx, pool)
	t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	return true
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"projects", `SELECT id, status, paused, escrow_ref, updated_at FROM projects ORDER BY updated_at DESC LIMIT 20`},
		{"payment_records", `SELECT id, project_id, type, amount, external_ref, created_at FROM payment_records ORDER BY created_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, project_id, type, tx_ref, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"disputes", `SELECT id, project_id, status, decision, client_percent FROM disputes ORDER BY created_at DESC LIMIT 20`},
		{"reconciliation_markers", `SELECT id, project_id, transition, status, cause FROM reconciliation_markers ORDER BY created_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
