package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("project: not found")
	// ErrHasChildren blocks deletion while payments, drafts, disputes or proof entries exist.
	ErrHasChildren = errors.New("project: has dependent records")
)

const selectColumns = `
	id::text, intake_id::text, title, client_id, designer_id,
	quoted_amount::text, deposit_amount::text, balance_amount::text,
	status, escrow_ref, chain_id, paused, review_due_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes a new project inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, p Project) (Project, error) {
	query := `
		INSERT INTO projects (id, intake_id, title, client_id, designer_id,
			quoted_amount, deposit_amount, balance_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9)
		RETURNING ` + selectColumns
	row := tx.QueryRow(ctx, query,
		p.ID, p.IntakeID, p.Title, p.ClientID, p.DesignerID,
		p.Quoted.StringFixed(2), p.Deposit.StringFixed(2), p.Balance.StringFixed(2), p.Status)
	out, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}
	return out, nil
}

// LockForUpdate reads a project and holds its row lock until the transaction ends.
func (r *Repository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Project, error) {
	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: lock: %w", err)
	}
	return p, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: get: %w", err)
	}
	return p, nil
}

func (r *Repository) List(ctx context.Context, f Filters) ([]Project, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM projects
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR designer_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4`
	rows, err := r.pool.Query(ctx, query, f.ClientID, f.DesignerID, string(f.Status), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	out := make([]Project, 0, f.Limit)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("project: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("project: invalid status %q", u.Status)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE projects
		SET status = $2,
		    review_due_at = COALESCE($3, review_due_at),
		    updated_at = now()
		WHERE id = $1`, u.ID, u.Status, u.ReviewDueAt)
	if err != nil {
		return fmt.Errorf("project: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetPaused(ctx context.Context, tx pgx.Tx, id string, paused bool) error {
	tag, err := tx.Exec(ctx, `UPDATE projects SET paused = $2, updated_at = now() WHERE id = $1`, id, paused)
	if err != nil {
		return fmt.Errorf("project: set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetEscrow(ctx context.Context, tx pgx.Tx, id, ref, chainID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE projects SET escrow_ref = $2, chain_id = NULLIF($3, ''), updated_at = now()
		WHERE id = $1 AND escrow_ref IS NULL`, id, ref, chainID)
	if err != nil {
		return fmt.Errorf("project: set escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project: escrow already set or project missing")
	}
	return nil
}

// Delete removes a project only when nothing references it.
func (r *Repository) Delete(ctx context.Context, id string) error {
	var children bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_records WHERE project_id = $1)
		    OR EXISTS (SELECT 1 FROM disputes WHERE project_id = $1)
		    OR EXISTS (SELECT 1 FROM drafts WHERE project_id = $1)
		    OR EXISTS (SELECT 1 FROM timeline_events WHERE project_id = $1)
		    OR EXISTS (SELECT 1 FROM chain_events WHERE project_id = $1)`, id).Scan(&children)
	if err != nil {
		return fmt.Errorf("project: delete check: %w", err)
	}
	if children {
		return ErrHasChildren
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrHasChildren
		}
		return fmt.Errorf("project: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (Project, error) {
	var (
		p                        Project
		quoted, deposit, balance string
		reviewDue                *time.Time
	)
	if err := row.Scan(&p.ID, &p.IntakeID, &p.Title, &p.ClientID, &p.DesignerID,
		&quoted, &deposit, &balance,
		&p.Status, &p.EscrowRef, &p.ChainID, &p.Paused, &reviewDue, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, err
	}
	var err error
	if p.Quoted, err = decimal.NewFromString(quoted); err != nil {
		return Project{}, fmt.Errorf("project: parse quoted: %w", err)
	}
	if p.Deposit, err = decimal.NewFromString(deposit); err != nil {
		return Project{}, fmt.Errorf("project: parse deposit: %w", err)
	}
	if p.Balance, err = decimal.NewFromString(balance); err != nil {
		return Project{}, fmt.Errorf("project: parse balance: %w", err)
	}
	p.ReviewDueAt = reviewDue
	return p, nil
}
