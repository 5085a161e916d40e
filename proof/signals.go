package proof

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type signalCounts struct {
	escrowDeployed bool
	paused         bool
	chainEvents    int
	filesTotal     int
	filesHashed    int
	disputeOpen    bool
}

// Signals projects the security summary for one project from existing rows.
//
// Integrity coverage is the share of drafts and dispute files stored with a
// SHA-256. The schema rejects rows without a 64-hex digest, so every stored file
// counts as hashed and coverage is 100 by construction. It says nothing about
// whether the blobs still match; that is VerifyDraft's job and is not persisted.
func (l *Ledger) Signals(ctx context.Context, projectID string) (Signals, error) {
	var c signalCounts
	err := l.pool.QueryRow(ctx, `
		SELECT p.escrow_ref IS NOT NULL,
		       p.paused,
		       (SELECT count(*) FROM chain_events ce WHERE ce.project_id = p.id),
		       (SELECT count(*) FROM drafts d WHERE d.project_id = p.id)
		         + (SELECT count(*) FROM dispute_files f JOIN disputes ds ON ds.id = f.dispute_id WHERE ds.project_id = p.id),
		       EXISTS (SELECT 1 FROM disputes ds WHERE ds.project_id = p.id AND ds.status = 'OPEN')
		FROM projects p
		WHERE p.id = $1`, projectID).
		Scan(&c.escrowDeployed, &c.paused, &c.chainEvents, &c.filesTotal, &c.disputeOpen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signals{}, ErrProjectNotFound
		}
		return Signals{}, fmt.Errorf("proof: signals: %w", err)
	}
	c.filesHashed = c.filesTotal
	return buildSignals(projectID, c), nil
}

func buildSignals(projectID string, c signalCounts) Signals {
	s := Signals{
		ProjectID:      projectID,
		EscrowDeployed: c.escrowDeployed,
		ProofCount:     c.chainEvents,
		HasProof:       c.chainEvents > 0,
		FilesTotal:     c.filesTotal,
		FilesHashed:    c.filesHashed,
		DisputeOpen:    c.disputeOpen,
		Paused:         c.paused,
	}
	// no files means nothing is unverified
	s.IntegrityCoverage = 100
	if c.filesTotal > 0 {
		s.IntegrityCoverage = c.filesHashed * 100 / c.filesTotal
	}
	s.FullCoverage = s.IntegrityCoverage == 100
	return s
}
