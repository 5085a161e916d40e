package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeDeposit Type = "DEPOSIT"
	TypeBalance Type = "BALANCE"
	TypeRelease Type = "RELEASE"
	TypeRefund  Type = "REFUND"
	TypeSplit   Type = "SPLIT"
)

func (t Type) Valid() bool {
	switch t {
	case TypeDeposit, TypeBalance, TypeRelease, TypeRefund, TypeSplit:
		return true
	default:
		return false
	}
}

// Collection reports whether the type moves funds into escrow.
func (t Type) Collection() bool {
	return t == TypeDeposit || t == TypeBalance
}

// StatusCompleted is the only status ever written; gateway calls are synchronous.
const StatusCompleted = "COMPLETED"

// GatewayMetadata describes how a collection was paid.
type GatewayMetadata struct {
	Method           string
	Provider         string
	MaskedInstrument string
}

// Record mirrors the payment_records table. Rows are never updated or deleted.
type Record struct {
	ID          string
	ProjectID   string
	Type        Type
	Status      string
	Amount      decimal.Decimal
	ExternalRef *string
	Gateway     GatewayMetadata
	CreatedAt   time.Time
}

type RecordParams struct {
	ID          string
	ProjectID   string
	Type        Type
	Amount      decimal.Decimal
	ExternalRef string
	Gateway     GatewayMetadata
}
