// Package payment is the append-only ledger of completed fund movements.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateCollection is returned when a second DEPOSIT or BALANCE is recorded for a project.
	ErrDuplicateCollection = errors.New("payment: collection already recorded")
	ErrInvalidRecord       = errors.New("payment: invalid record")
)

// Ledger exposes record and read operations only. There is no update or delete.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func validate(p RecordParams) error {
	if p.ProjectID == "" {
		return fmt.Errorf("%w: missing project id", ErrInvalidRecord)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidRecord, p.Type)
	}
	if p.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidRecord)
	}
	return nil
}

// Record appends a COMPLETED payment inside the transition's transaction.
func (l *Ledger) Record(ctx context.Context, tx pgx.Tx, p RecordParams) (Record, error) {
	if err := validate(p); err != nil {
		return Record{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO payment_records (id, project_id, type, status, amount, external_ref,
			gateway_method, gateway_provider, gateway_instrument)
		VALUES ($1, $2, $3, 'COMPLETED', $4::numeric, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
		RETURNING id::text, project_id::text, type, status, amount::text, external_ref,
			COALESCE(gateway_method, ''), COALESCE(gateway_provider, ''), COALESCE(gateway_instrument, ''), created_at`
	row := tx.QueryRow(ctx, query, p.ID, p.ProjectID, p.Type, p.Amount.StringFixed(2), p.ExternalRef,
		p.Gateway.Method, p.Gateway.Provider, p.Gateway.MaskedInstrument)
	rec, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateCollection
		}
		return Record{}, fmt.Errorf("payment: record: %w", err)
	}
	return rec, nil
}

// HeldAmount is the sum collected into escrow for the project.
func (l *Ledger) HeldAmount(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM payment_records
		WHERE project_id = $1 AND type IN ('DEPOSIT', 'BALANCE')`, projectID).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payment: held amount: %w", err)
	}
	return decimal.NewFromString(raw)
}

// Collected reports whether a record of typ already exists for the project.
func (l *Ledger) Collected(ctx context.Context, tx pgx.Tx, projectID string, typ Type) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_records WHERE project_id = $1 AND type = $2)`,
		projectID, typ).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payment: collected: %w", err)
	}
	return exists, nil
}

// ListByProject returns records in creation order, optionally bounded by time.
func (l *Ledger) ListByProject(ctx context.Context, projectID string, from, to time.Time) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id::text, project_id::text, type, status, amount::text, external_ref,
			COALESCE(gateway_method, ''), COALESCE(gateway_provider, ''), COALESCE(gateway_instrument, ''), created_at
		FROM payment_records
		WHERE project_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id`, projectID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("payment: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		amount string
	)
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Type, &rec.Status, &amount, &rec.ExternalRef,
		&rec.Gateway.Method, &rec.Gateway.Provider, &rec.Gateway.MaskedInstrument, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Record{}, fmt.Errorf("payment: parse amount: %w", err)
	}
	rec.Amount = d
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
