package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound            = errors.New("dispute: not found")
	ErrForbidden           = errors.New("dispute: forbidden")
	ErrBadStatus           = errors.New("dispute: invalid status transition")
	ErrAlreadyOpen         = errors.New("dispute: project already has an open dispute")
	ErrDescriptionTooShort = fmt.Errorf("dispute: description must be at least %d characters", MinDescriptionLength)
	ErrInvalidInput        = errors.New("dispute: invalid input")
	ErrInvalidRuling       = errors.New("dispute: invalid ruling")
)

const recordColumns = `d.id::text, d.project_id::text, d.opener_id, d.description, d.status,
	d.decision, d.client_percent, d.company_percent, d.decider_id, d.created_at, d.arbitrated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) HasOpen(ctx context.Context, tx pgx.Tx, projectID string) (bool, error) {
	var open bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE project_id = $1 AND status = 'OPEN')`, projectID).Scan(&open); err != nil {
		return false, fmt.Errorf("dispute: check open: %w", err)
	}
	return open, nil
}

// Create inserts an OPEN dispute and its evidence files. The partial unique index on
// (project_id) WHERE status='OPEN' backs the one-open-dispute rule.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p OpenParams) (Record, error) {
	if err := ValidateOpen(p); err != nil {
		return Record{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO disputes AS d (id, project_id, opener_id, description, status)
		VALUES ($1, $2, $3, $4, 'OPEN')
		RETURNING `+recordColumns, p.ID, p.ProjectID, p.OpenerID, p.Description)
	rec, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}

	for _, f := range p.Files {
		var file File
		err := tx.QueryRow(ctx, `
			INSERT INTO dispute_files (id, dispute_id, file_name, file_url, sha256)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id::text, dispute_id::text, file_name, file_url, sha256, created_at`,
			uuid.NewString(), rec.ID, f.FileName, f.FileURL, f.SHA256).
			Scan(&file.ID, &file.DisputeID, &file.FileName, &file.FileURL, &file.SHA256, &file.CreatedAt)
		if err != nil {
			return Record{}, fmt.Errorf("dispute: insert evidence: %w", err)
		}
		rec.Files = append(rec.Files, file)
	}
	return rec, nil
}

// LockForUpdate loads a dispute and holds its row lock for the transaction.
func (r *Repository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes d WHERE d.id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

// MarkArbitrated moves an OPEN dispute to ARBITRATED. A second call fails with ErrBadStatus.
func (r *Repository) MarkArbitrated(ctx context.Context, tx pgx.Tx, p ArbitrateParams) (Record, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes AS d
		SET status = 'ARBITRATED', decision = $2, client_percent = $3, company_percent = $4,
		    decider_id = $5, arbitrated_at = $6
		WHERE d.id = $1 AND d.status = 'OPEN'
		RETURNING `+recordColumns,
		p.DisputeID, p.Ruling.Decision, p.Ruling.ClientPercent, p.Ruling.CompanyPercent, p.DeciderID, p.At)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: arbitrate: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes d WHERE d.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	files, err := r.Files(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.Files = files
	return rec, nil
}

func (r *Repository) List(ctx context.Context, projectID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM disputes d WHERE d.project_id = $1 ORDER BY d.created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 2)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Files(ctx context.Context, disputeID string) ([]File, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, dispute_id::text, file_name, file_url, sha256, created_at
		FROM dispute_files WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.DisputeID, &f.FileName, &f.FileURL, &f.SHA256, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.OpenerID, &rec.Description, &rec.Status,
		&rec.Decision, &rec.ClientPercent, &rec.CompanyPercent, &rec.DeciderID, &rec.CreatedAt, &rec.ArbitratedAt)
	return rec, err
}
