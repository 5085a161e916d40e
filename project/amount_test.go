package project

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitQuoteKeepsSum(t *testing.T) {
	cases := []struct {
		quoted  string
		deposit string
		balance string
	}{
		{"1000.00", "500.00", "500.00"},
		{"999.99", "500.00", "499.99"},
		{"0.01", "0.01", "0.00"},
		{"1234.57", "617.29", "617.28"},
	}
	for _, tc := range cases {
		q := decimal.RequireFromString(tc.quoted)
		dep, bal, err := SplitQuote(q)
		if err != nil {
			t.Fatalf("split %s: %v", tc.quoted, err)
		}
		if !dep.Equal(decimal.RequireFromString(tc.deposit)) {
			t.Fatalf("split %s: deposit %s, want %s", tc.quoted, dep, tc.deposit)
		}
		if !bal.Equal(decimal.RequireFromString(tc.balance)) {
			t.Fatalf("split %s: balance %s, want %s", tc.quoted, bal, tc.balance)
		}
		if !dep.Add(bal).Equal(q) {
			t.Fatalf("split %s: deposit+balance = %s", tc.quoted, dep.Add(bal))
		}
	}
}

func TestParseAmountRejects(t *testing.T) {
	for _, raw := range []string{"", "abc", "0", "-5", "10.001"} {
		if _, err := ParseAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q): expected ErrInvalidAmount, got %v", raw, err)
		}
	}
	d, err := ParseAmount(" 1000.50 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.StringFixed(2) != "1000.50" {
		t.Fatalf("unexpected amount %s", d)
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusReleased: true, StatusRefunded: true, StatusResolved: true, StatusCancelled: true,
	}
	for _, s := range []Status{StatusDraft, StatusFunded, StatusDraftSubmitted, StatusApproved,
		StatusReleased, StatusDisputed, StatusResolved, StatusRefunded, StatusCancelled} {
		if s.Terminal() != terminal[s] {
			t.Fatalf("status %s: terminal=%v", s, s.Terminal())
		}
		if !s.Valid() {
			t.Fatalf("status %s should be valid", s)
		}
	}
	if Status("ARCHIVED").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}
