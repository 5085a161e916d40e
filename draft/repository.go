package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/blob"
)

var (
	ErrNotFound     = errors.New("draft: not found")
	ErrInvalidDraft = errors.New("draft: invalid draft")
	ErrEmptyComment = errors.New("draft: empty comment")
	ErrLongComment  = errors.New("draft: comment too long")
)

const maxCommentLength = 4000

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ValidateCreate checks the (fileName, url, sha256) triple before any write.
func ValidateCreate(p CreateParams) error {
	switch {
	case p.ProjectID == "":
		return fmt.Errorf("%w: missing project id", ErrInvalidDraft)
	case p.UploaderID == "":
		return fmt.Errorf("%w: missing uploader", ErrInvalidDraft)
	case strings.TrimSpace(p.FileName) == "":
		return fmt.Errorf("%w: missing file name", ErrInvalidDraft)
	case strings.TrimSpace(p.FileURL) == "":
		return fmt.Errorf("%w: missing file url", ErrInvalidDraft)
	case !blob.ValidDigest(p.SHA256):
		return fmt.Errorf("%w: sha256 must be 64 lowercase hex characters", ErrInvalidDraft)
	}
	return nil
}

// Create inserts the next version for the project inside the caller's transaction.
// The project row lock held by the caller serializes version numbers.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Draft, error) {
	if err := ValidateCreate(p); err != nil {
		return Draft{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var d Draft
	err := tx.QueryRow(ctx, `
		INSERT INTO drafts (id, project_id, version, uploader_id, file_name, file_url, sha256)
		VALUES ($1, $2, (SELECT COALESCE(MAX(version), 0) + 1 FROM drafts WHERE project_id = $2), $3, $4, $5, $6)
		RETURNING id::text, project_id::text, version, uploader_id, file_name, file_url, sha256, created_at`,
		p.ID, p.ProjectID, p.UploaderID, p.FileName, p.FileURL, p.SHA256).
		Scan(&d.ID, &d.ProjectID, &d.Version, &d.UploaderID, &d.FileName, &d.FileURL, &d.SHA256, &d.CreatedAt)
	if err != nil {
		return Draft{}, fmt.Errorf("draft: insert: %w", err)
	}
	return d, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Draft, error) {
	var d Draft
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, project_id::text, version, uploader_id, file_name, file_url, sha256, created_at
		FROM drafts WHERE id = $1`, id).
		Scan(&d.ID, &d.ProjectID, &d.Version, &d.UploaderID, &d.FileName, &d.FileURL, &d.SHA256, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Draft{}, ErrNotFound
		}
		return Draft{}, fmt.Errorf("draft: get: %w", err)
	}
	return d, nil
}

func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]Draft, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, project_id::text, version, uploader_id, file_name, file_url, sha256, created_at
		FROM drafts WHERE project_id = $1 ORDER BY version`, projectID)
	if err != nil {
		return nil, fmt.Errorf("draft: list: %w", err)
	}
	defer rows.Close()

	out := make([]Draft, 0, 4)
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Version, &d.UploaderID, &d.FileName, &d.FileURL, &d.SHA256, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("draft: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddComment appends a discussion comment. Comments are never edited.
func (r *Repository) AddComment(ctx context.Context, draftID, authorID, body string) (Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Comment{}, ErrEmptyComment
	}
	if len(body) > maxCommentLength {
		return Comment{}, fmt.Errorf("%w: over %d characters", ErrLongComment, maxCommentLength)
	}
	var c Comment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO draft_comments (id, draft_id, author_id, body)
		SELECT $1::uuid, d.id, $3::text, $4::text FROM drafts d WHERE d.id = $2
		RETURNING id::text, draft_id::text, author_id, body, created_at`,
		uuid.NewString(), draftID, authorID, body).
		Scan(&c.ID, &c.DraftID, &c.AuthorID, &c.Body, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrNotFound
		}
		return Comment{}, fmt.Errorf("draft: add comment: %w", err)
	}
	return c, nil
}

func (r *Repository) Comments(ctx context.Context, draftID string) ([]Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, draft_id::text, author_id, body, created_at
		FROM draft_comments WHERE draft_id = $1 ORDER BY created_at, id`, draftID)
	if err != nil {
		return nil, fmt.Errorf("draft: comments: %w", err)
	}
	defer rows.Close()

	out := make([]Comment, 0, 8)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.DraftID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("draft: scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
