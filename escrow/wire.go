package escrow

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/settlement"
)

// NewPostgresDeps wires the Postgres repositories behind the state machine.
func NewPostgresDeps(pool *pgxpool.Pool, adapter settlement.Adapter, guard StepUp) Deps {
	payments := payment.NewLedger(pool)
	return Deps{
		Projects:        project.NewRepository(pool),
		Payments:        payments,
		Proofs:          proof.NewLedger(pool, payments),
		Disputes:        dispute.NewRepository(pool),
		Drafts:          draft.NewRepository(pool),
		StepUp:          guard,
		Notifier:        notify.NewOutbox(),
		Idempotency:     NewPGIdempotencyStore(),
		Reconciliations: NewPGReconciliationStore(pool),
		Adapter:         adapter,
	}
}
