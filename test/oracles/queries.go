package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_payout",
			SQL: `SELECT project_id, COUNT(*) FROM payment_records
                  WHERE type IN ('RELEASE','REFUND','SPLIT')
                  GROUP BY project_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_status_matches_payments",
			SQL: `SELECT p.id, p.status FROM projects p
                  WHERE (p.status = 'RELEASED' AND NOT EXISTS (
                             SELECT 1 FROM payment_records r WHERE r.project_id = p.id AND r.type = 'RELEASE'))
                     OR (p.status = 'REFUNDED' AND NOT EXISTS (
                             SELECT 1 FROM payment_records r WHERE r.project_id = p.id AND r.type = 'REFUND'))
                     OR (p.status = 'RESOLVED' AND NOT EXISTS (
                             SELECT 1 FROM payment_records r WHERE r.project_id = p.id AND r.type = 'SPLIT'))
                     OR (p.status = 'FUNDED' AND NOT EXISTS (
                             SELECT 1 FROM payment_records r WHERE r.project_id = p.id AND r.type = 'DEPOSIT'))
                     OR (p.status = 'APPROVED' AND NOT EXISTS (
                             SELECT 1 FROM payment_records r WHERE r.project_id = p.id AND r.type = 'BALANCE'))
                     OR (p.status NOT IN ('RELEASED','REFUNDED','RESOLVED') AND EXISTS (
                             SELECT 1 FROM payment_records r
                             WHERE r.project_id = p.id AND r.type IN ('RELEASE','REFUND','SPLIT')))`,
		},
		{
			Name: "O3_payout_amount_is_held",
			SQL: `SELECT r.id, r.amount FROM payment_records r
                  WHERE r.type IN ('RELEASE','REFUND','SPLIT')
                    AND r.amount <> (SELECT COALESCE(SUM(c.amount), 0) FROM payment_records c
                                     WHERE c.project_id = r.project_id AND c.type IN ('DEPOSIT','BALANCE'))`,
		},
		{
			Name: "O4_stepup_covers_payouts",
			SQL: `SELECT payouts, consumed FROM (
                      SELECT (SELECT COUNT(*) FROM payment_records WHERE type IN ('RELEASE','REFUND','SPLIT')) AS payouts,
                             (SELECT COUNT(*) FROM step_up_codes WHERE consumed_at IS NOT NULL) AS consumed) c
                  WHERE payouts > consumed`,
		},
		{
			Name: "O5_open_dispute_matches_status",
			SQL: `SELECT p.id::text, p.status FROM projects p
                  WHERE p.status = 'DISPUTED'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.project_id = p.id AND d.status = 'OPEN')
                  UNION ALL
                  SELECT d.id::text, p.status FROM disputes d
                  JOIN projects p ON p.id = d.project_id
                  WHERE d.status = 'OPEN' AND p.status <> 'DISPUTED'`,
		},
		{
			Name: "O6_payment_on_timeline",
			SQL: `SELECT r.id, r.external_ref FROM payment_records r
                  WHERE r.external_ref IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.project_id = r.project_id AND e.tx_ref = r.external_ref)`,
		},
		{
			Name: "O7_outbox_drained",
			SQL: `SELECT id, attempts, created_at FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '2 minutes'`,
		},
		{
			Name: "O8_append_only_guard",
			SQL: `SELECT t AS missing_trigger FROM unnest(ARRAY[
                      'payment_records_append_only','timeline_events_append_only',
                      'chain_events_append_only','draft_comments_append_only']) AS t
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
