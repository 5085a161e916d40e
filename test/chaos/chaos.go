package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/settlement"
)

// ErrInjected is the failure LedgerFaults queues on the mock ledger.
var ErrInjected = errors.New("chaos: injected ledger failure")

// TerminateRandomBackend now and then kills one backend whose application_name
// is appName. The pool reconnects; in-flight transactions on it abort.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND application_name = $1
					  AND state = 'idle in transaction' AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1`, appName)
			}
		}
	}
}

var faultableOps = []settlement.Op{
	settlement.OpCollectDeposit,
	settlement.OpCollectBalance,
	settlement.OpRelease,
	settlement.OpRefund,
	settlement.OpSplit,
	settlement.OpPause,
}

// LedgerFaults queues a failure for a random ledger operation every tick.
func LedgerFaults(ctx context.Context, ledger *settlement.MockLedger, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			ledger.FailNext(faultableOps[rng.Intn(len(faultableOps))], ErrInjected)
		}
	}
}
