package dispute

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"escrowflow/blob"
)

const (
	MinDescriptionLength = 20
	MaxEvidenceFiles     = 10
)

// ValidateOpen checks the opener's input before any row is touched.
func ValidateOpen(p OpenParams) error {
	if p.ProjectID == "" || p.OpenerID == "" {
		return fmt.Errorf("%w: missing project or opener", ErrInvalidInput)
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Description)) < MinDescriptionLength {
		return ErrDescriptionTooShort
	}
	if len(p.Files) > MaxEvidenceFiles {
		return fmt.Errorf("%w: at most %d evidence files", ErrInvalidInput, MaxEvidenceFiles)
	}
	for i, f := range p.Files {
		if strings.TrimSpace(f.FileName) == "" || strings.TrimSpace(f.FileURL) == "" {
			return fmt.Errorf("%w: evidence file %d missing name or url", ErrInvalidInput, i)
		}
		if !blob.ValidDigest(f.SHA256) {
			return fmt.Errorf("%w: evidence file %d has an invalid sha256", ErrInvalidInput, i)
		}
	}
	return nil
}

// NewRuling validates a decision. SPLIT requires a client percentage in [0,100]; a
// company percentage, when given, must complete it to 100. Other decisions carry none.
func NewRuling(decision Decision, clientPercent, companyPercent *int) (Ruling, error) {
	if !decision.Valid() {
		return Ruling{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidRuling, decision)
	}
	if decision != DecisionSplit {
		if clientPercent != nil || companyPercent != nil {
			return Ruling{}, fmt.Errorf("%w: percentages only apply to SPLIT", ErrInvalidRuling)
		}
		return Ruling{Decision: decision}, nil
	}
	if clientPercent == nil {
		return Ruling{}, fmt.Errorf("%w: SPLIT requires a client percentage", ErrInvalidRuling)
	}
	client := *clientPercent
	if client < 0 || client > 100 {
		return Ruling{}, fmt.Errorf("%w: client percentage %d out of range", ErrInvalidRuling, client)
	}
	company := 100 - client
	if companyPercent != nil && *companyPercent != company {
		return Ruling{}, fmt.Errorf("%w: client %d%% and company %d%% must sum to 100", ErrInvalidRuling, client, *companyPercent)
	}
	return Ruling{Decision: DecisionSplit, ClientPercent: &client, CompanyPercent: &company}, nil
}
