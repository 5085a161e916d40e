package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("intake: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	Decide(ctx context.Context, tx pgx.Tx, d Decision) (Request, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id::text, client_id, title, brief, status, reject_reason, project_id::text, decided_by, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := `
		INSERT INTO intake_requests (id, client_id, title, brief, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5)
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query, req.ID, req.ClientID, req.Title, req.Brief, req.Status)
	out, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("intake: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM intake_requests%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		requestColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("intake: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("intake: scan: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("intake: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM intake_requests"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("intake: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM intake_requests WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("intake: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Decide(ctx context.Context, tx pgx.Tx, d Decision) (Request, error) {
	query := `
		UPDATE intake_requests
		SET status = $2,
		    project_id = NULLIF($3, '')::uuid,
		    decided_by = $4,
		    reject_reason = NULLIF($5, ''),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query, d.ID, d.Status, d.ProjectID, d.DecidedBy, d.Reason)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("intake: decide: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID,
		&req.ClientID,
		&req.Title,
		&req.Brief,
		&req.Status,
		&req.RejectReason,
		&req.ProjectID,
		&req.DecidedBy,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	return req, err
}
