package draft

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"escrowflow/blob"
)

// Getter loads a draft by id.
type Getter interface {
	Get(ctx context.Context, id string) (Draft, error)
}

// Verifier recomputes content hashes. It never writes.
type Verifier struct {
	drafts Getter
	blobs  blob.Reader
	now    func() time.Time
}

func NewVerifier(drafts Getter, blobs blob.Reader) *Verifier {
	return &Verifier{drafts: drafts, blobs: blobs, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyDraft compares the stored hash of a draft with its current blob.
func (v *Verifier) VerifyDraft(ctx context.Context, draftID string) (Verification, error) {
	d, err := v.drafts.Get(ctx, draftID)
	if err != nil {
		return Verification{}, err
	}
	res, err := v.VerifyDigest(ctx, d.FileURL, d.SHA256)
	if err != nil {
		return Verification{}, err
	}
	res.DraftID = d.ID
	return res, nil
}

// VerifyDigest re-reads url and compares its SHA-256 with expected. Errors mean the
// blob could not be read; a differing hash is reported as OutcomeMismatch.
func (v *Verifier) VerifyDigest(ctx context.Context, url, expected string) (Verification, error) {
	rc, err := v.blobs.Open(ctx, url)
	if err != nil {
		return Verification{}, fmt.Errorf("draft: open blob: %w", err)
	}
	defer rc.Close()

	actual, err := blob.HashSHA256(rc)
	if err != nil {
		return Verification{}, err
	}
	outcome := OutcomeMismatch
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1 {
		outcome = OutcomeMatch
	}
	return Verification{
		FileURL:    url,
		Outcome:    outcome,
		Expected:   expected,
		Actual:     actual,
		VerifiedAt: v.now().UTC(),
	}, nil
}
