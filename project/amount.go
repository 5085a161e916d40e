package project

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for non-positive amounts or more than two decimal places.
var ErrInvalidAmount = errors.New("project: invalid amount")

var depositRatio = decimal.RequireFromString("0.5")

// ParseAmount parses a currency amount with at most two decimal places.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := ValidateQuote(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func ValidateQuote(quoted decimal.Decimal) error {
	if !quoted.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !quoted.Equal(quoted.Round(2)) {
		return fmt.Errorf("%w: at most two decimal places", ErrInvalidAmount)
	}
	return nil
}

// SplitQuote derives deposit = quoted × 0.5 (rounded to cents) and balance = quoted − deposit,
// so deposit + balance == quoted exactly.
func SplitQuote(quoted decimal.Decimal) (deposit, balance decimal.Decimal, err error) {
	if err := ValidateQuote(quoted); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	deposit = quoted.Mul(depositRatio).Round(2)
	balance = quoted.Sub(deposit)
	return deposit, balance, nil
}
