// Package proof is the append-only audit trail: human-readable timeline entries and
// external-settlement events, queried by project and time range.
package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/payment"
)

var ErrProjectNotFound = errors.New("proof: project not found")

// PaymentLister is the slice of the payment ledger the audit trail reads.
type PaymentLister interface {
	ListByProject(ctx context.Context, projectID string, from, to time.Time) ([]payment.Record, error)
}

type Ledger struct {
	pool     *pgxpool.Pool
	payments PaymentLister
}

func NewLedger(pool *pgxpool.Pool, payments PaymentLister) *Ledger {
	return &Ledger{pool: pool, payments: payments}
}

func (l *Ledger) AppendTimeline(ctx context.Context, tx pgx.Tx, p AppendParams) error {
	payload, err := marshalPayload(p.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (project_id, actor_id, type, message, tx_ref, payload)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6)`,
		p.ProjectID, p.ActorID, p.Type, p.Message, p.TxRef, payload); err != nil {
		return fmt.Errorf("proof: insert timeline event: %w", err)
	}
	return nil
}

func (l *Ledger) AppendChainEvent(ctx context.Context, tx pgx.Tx, p AppendParams) error {
	if p.TxRef == "" {
		return fmt.Errorf("proof: chain event requires an external tx reference")
	}
	payload, err := marshalPayload(p.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO chain_events (project_id, actor_id, type, message, tx_ref, chain_id, payload)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7)`,
		p.ProjectID, p.ActorID, p.Type, p.Message, p.TxRef, p.ChainID, payload); err != nil {
		return fmt.Errorf("proof: insert chain event: %w", err)
	}
	return nil
}

func (l *Ledger) Timeline(ctx context.Context, projectID string, from, to time.Time) ([]Entry, error) {
	return l.listEntries(ctx, `
		SELECT id, project_id::text, actor_id, type, message, tx_ref, NULL::text, payload, created_at
		FROM timeline_events
		WHERE project_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id`, projectID, from, to)
}

func (l *Ledger) ChainEvents(ctx context.Context, projectID string, from, to time.Time) ([]Entry, error) {
	return l.listEntries(ctx, `
		SELECT id, project_id::text, actor_id, type, message, tx_ref, chain_id, payload, created_at
		FROM chain_events
		WHERE project_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id`, projectID, from, to)
}

func (l *Ledger) listEntries(ctx context.Context, query, projectID string, from, to time.Time) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, query, projectID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("proof: query entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e       Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ActorID, &e.Type, &e.Message, &e.TxRef, &e.ChainID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("proof: scan entry: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proof: iterate entries: %w", err)
	}
	return out, nil
}

// TxReferences returns every external transaction id referenced for the project,
// once each, across timeline, chain and payment records.
func (l *Ledger) TxReferences(ctx context.Context, projectID string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT tx_ref FROM timeline_events WHERE project_id = $1 AND tx_ref IS NOT NULL
		UNION
		SELECT tx_ref FROM chain_events WHERE project_id = $1 AND tx_ref IS NOT NULL
		UNION
		SELECT external_ref FROM payment_records WHERE project_id = $1 AND external_ref IS NOT NULL
		ORDER BY 1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("proof: tx references: %w", err)
	}
	defer rows.Close()

	refs := make([]string, 0, 8)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("proof: scan tx reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Trail is the full audit view of a project over a time range.
type Trail struct {
	Timeline []Entry
	Chain    []Entry
	Payments []payment.Record
	TxRefs   []string
}

// AuditTrail loads the three append-only sources concurrently.
func (l *Ledger) AuditTrail(ctx context.Context, projectID string, from, to time.Time) (Trail, error) {
	var trail Trail
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		trail.Timeline, err = l.Timeline(gctx, projectID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		trail.Chain, err = l.ChainEvents(gctx, projectID, from, to)
		return err
	})
	if l.payments != nil {
		g.Go(func() error {
			var err error
			trail.Payments, err = l.payments.ListByProject(gctx, projectID, from, to)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Trail{}, err
	}
	trail.TxRefs = collectRefs(trail.Timeline, trail.Chain, trail.Payments)
	return trail, nil
}

func collectRefs(timeline, chain []Entry, payments []payment.Record) []string {
	seen := make(map[string]struct{})
	add := func(ref *string) {
		if ref != nil && *ref != "" {
			seen[*ref] = struct{}{}
		}
	}
	for _, e := range timeline {
		add(e.TxRef)
	}
	for _, e := range chain {
		add(e.TxRef)
	}
	for _, p := range payments {
		add(p.ExternalRef)
	}
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("proof: marshal payload: %w", err)
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
