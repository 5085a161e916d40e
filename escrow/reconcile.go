package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/fault"
)

const (
	MarkerPending  = "pending"
	MarkerResolved = "resolved"
)

var ErrMarkerNotFound = errors.New("escrow: reconciliation marker not found")

// Marker flags an external settlement effect that has no local record because
// the transition aborted after the adapter acted.
type Marker struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Transition   string         `json:"transition"`
	ExternalTxID string         `json:"externalTxId"`
	Payload      map[string]any `json:"payload,omitempty"`
	Cause        string         `json:"cause"`
	Status       string         `json:"status"`
	Note         *string        `json:"note,omitempty"`
	ResolvedBy   *string        `json:"resolvedBy,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

type ReconciliationStore interface {
	// Mark writes outside any transition transaction. A repeated tx id is ignored.
	Mark(ctx context.Context, m Marker) error
	ListPending(ctx context.Context, limit int) ([]Marker, error)
	Resolve(ctx context.Context, id, resolvedBy, note string, at time.Time) (Marker, error)
}

type PGReconciliationStore struct {
	pool *pgxpool.Pool
}

func NewPGReconciliationStore(pool *pgxpool.Pool) *PGReconciliationStore {
	return &PGReconciliationStore{pool: pool}
}

const markerColumns = `id::text, project_id::text, transition, external_tx_id, payload, cause, status,
	note, resolved_by, created_at, resolved_at`

func (s *PGReconciliationStore) Mark(ctx context.Context, m Marker) error {
	var payload []byte
	if len(m.Payload) > 0 {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("escrow: encode marker payload: %w", err)
		}
		payload = b
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_markers (id, project_id, transition, external_tx_id, payload, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_tx_id) DO NOTHING`,
		m.ID, m.ProjectID, m.Transition, m.ExternalTxID, payload, m.Cause, m.CreatedAt); err != nil {
		return fmt.Errorf("escrow: insert reconciliation marker: %w", err)
	}
	return nil
}

func (s *PGReconciliationStore) ListPending(ctx context.Context, limit int) ([]Marker, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+markerColumns+`
		FROM reconciliation_markers
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list markers: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGReconciliationStore) Resolve(ctx context.Context, id, resolvedBy, note string, at time.Time) (Marker, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reconciliation_markers
		SET status = 'resolved', resolved_by = $2, note = $3, resolved_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+markerColumns, id, resolvedBy, note, at)
	m, err := scanMarker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Marker{}, ErrMarkerNotFound
		}
		return Marker{}, err
	}
	return m, nil
}

func scanMarker(row pgx.Row) (Marker, error) {
	var (
		m       Marker
		payload []byte
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Transition, &m.ExternalTxID, &payload, &m.Cause, &m.Status,
		&m.Note, &m.ResolvedBy, &m.CreatedAt, &m.ResolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Marker{}, err
		}
		return Marker{}, fmt.Errorf("escrow: scan marker: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return Marker{}, fmt.Errorf("escrow: decode marker payload: %w", err)
		}
	}
	return m, nil
}

// PendingReconciliations lists markers awaiting an operator. Admin only.
func (s *Service) PendingReconciliations(ctx context.Context, actor auth.Actor, limit int) ([]Marker, error) {
	if !actor.IsAdmin() {
		return nil, fault.Precondition("only an admin can review reconciliation markers")
	}
	markers, err := s.deps.Reconciliations.ListPending(ctx, limit)
	if err != nil {
		return nil, fault.New(fault.KindInternal, "list reconciliation markers", err)
	}
	return markers, nil
}

// ResolveReconciliation closes a marker once the operator has repaired the local records.
func (s *Service) ResolveReconciliation(ctx context.Context, actor auth.Actor, id, note string) (Marker, error) {
	if !actor.IsAdmin() {
		return Marker{}, fault.Precondition("only an admin can resolve reconciliation markers")
	}
	if strings.TrimSpace(note) == "" {
		return Marker{}, fault.Invalid("a resolution note is required")
	}
	m, err := s.deps.Reconciliations.Resolve(ctx, id, actor.ID, strings.TrimSpace(note), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrMarkerNotFound) {
			return Marker{}, fault.NotFound("reconciliation marker not found or already resolved", err)
		}
		return Marker{}, fault.New(fault.KindInternal, "resolve reconciliation marker", err)
	}
	s.logger.Info("reconciliation marker resolved", "marker_id", m.ID, "project_id", m.ProjectID, "resolved_by", actor.ID)
	return m, nil
}
