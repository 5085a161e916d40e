package stepup

import (
	"errors"
	"time"
)

// Purpose binds a code to one kind of sensitive action.
type Purpose string

const (
	PurposeReleaseFunds     Purpose = "release_funds"
	PurposeRefundFunds      Purpose = "refund_funds"
	PurposeArbitrateDispute Purpose = "arbitrate_dispute"
	PurposePauseEscrow      Purpose = "pause_escrow"
	PurposeResumeEscrow     Purpose = "resume_escrow"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeReleaseFunds, PurposeRefundFunds, PurposeArbitrateDispute, PurposePauseEscrow, PurposeResumeEscrow:
		return true
	default:
		return false
	}
}

// Verification failures. Callers surface them as one authorization failure to non-admins.
var (
	ErrExpired         = errors.New("stepup: code expired")
	ErrConsumed        = errors.New("stepup: code already consumed")
	ErrPurposeMismatch = errors.New("stepup: code issued for a different purpose")
	ErrNotFound        = errors.New("stepup: code not found")

	ErrInvalidPurpose = errors.New("stepup: invalid purpose")
	ErrRateLimited    = errors.New("stepup: too many codes requested")
	ErrUndelivered    = errors.New("stepup: code could not be delivered")
)

// Code mirrors step_up_codes. The clear value is never stored.
type Code struct {
	ID         string
	ActorID    string
	Purpose    Purpose
	Hash       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Issued is handed to the caller for out-of-band delivery.
type Issued struct {
	Code      string
	Purpose   Purpose
	ExpiresAt time.Time
}

// Reason maps a verification error to its metric/log label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrConsumed):
		return "consumed"
	case errors.Is(err, ErrPurposeMismatch):
		return "purpose_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
