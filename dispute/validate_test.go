package dispute

import (
	"errors"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func TestNewRulingSplit(t *testing.T) {
	r, err := NewRuling(DecisionSplit, intp(30), nil)
	if err != nil {
		t.Fatalf("split 30: %v", err)
	}
	if *r.ClientPercent != 30 || *r.CompanyPercent != 70 {
		t.Fatalf("unexpected percentages: client=%d company=%d", *r.ClientPercent, *r.CompanyPercent)
	}

	if _, err := NewRuling(DecisionSplit, intp(30), intp(70)); err != nil {
		t.Fatalf("explicit complement should pass: %v", err)
	}
	if _, err := NewRuling(DecisionSplit, intp(30), intp(60)); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("30+60 must be rejected, got %v", err)
	}
	if _, err := NewRuling(DecisionSplit, nil, nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("missing client percent must be rejected, got %v", err)
	}
	if _, err := NewRuling(DecisionSplit, intp(101), nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("101 must be rejected, got %v", err)
	}
}

func TestNewRulingNonSplit(t *testing.T) {
	r, err := NewRuling(DecisionRefund, nil, nil)
	if err != nil || r.Decision != DecisionRefund || r.ClientPercent != nil {
		t.Fatalf("unexpected refund ruling %+v / %v", r, err)
	}
	if _, err := NewRuling(DecisionRelease, intp(50), nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("percentages on RELEASE must be rejected, got %v", err)
	}
	if _, err := NewRuling("COIN_FLIP", nil, nil); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("unknown decision must be rejected, got %v", err)
	}
}

func TestValidateOpen(t *testing.T) {
	base := OpenParams{
		ProjectID:   "p1",
		OpenerID:    "client-1",
		Description: "The delivered logo does not match the agreed brief.",
	}
	if err := ValidateOpen(base); err != nil {
		t.Fatalf("expected valid: %v", err)
	}

	short := base
	short.Description = "   too short   "
	if err := ValidateOpen(short); !errors.Is(err, ErrDescriptionTooShort) {
		t.Fatalf("expected ErrDescriptionTooShort, got %v", err)
	}

	badFile := base
	badFile.Files = []FileRef{{FileName: "a.png", FileURL: "mem://a.png", SHA256: "nothex"}}
	if err := ValidateOpen(badFile); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	goodFile := base
	goodFile.Files = []FileRef{{FileName: "a.png", FileURL: "mem://a.png", SHA256: strings.Repeat("b", 64)}}
	if err := ValidateOpen(goodFile); err != nil {
		t.Fatalf("expected valid evidence: %v", err)
	}
}
