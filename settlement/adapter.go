// Package settlement is the boundary to the external settlement ledger and the
// payment-collection gateway. Every call either succeeds with a receipt or fails
// outright, except for a *PartialEffectError, which names the external effect
// that could not be undone.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/payment"
)

type Mode string

const (
	ModeFiat  Mode = "fiat"
	ModeChain Mode = "chain"
	ModeMock  Mode = "mock"
)

// Op names an adapter operation in logs, metrics and failure injection.
type Op string

const (
	OpDeploy         Op = "deploy"
	OpCollectDeposit Op = "collect_deposit"
	OpCollectBalance Op = "collect_balance"
	OpRelease        Op = "release"
	OpRefund         Op = "refund"
	OpSplit          Op = "split"
	OpPause          Op = "pause"
	OpUnpause        Op = "unpause"
)

var (
	ErrUnknownMode     = errors.New("settlement: unknown mode")
	ErrInvalidAddress  = errors.New("settlement: invalid address")
	ErrInvalidAmount   = errors.New("settlement: invalid amount")
	ErrUnknownEscrow   = errors.New("settlement: unknown escrow reference")
	ErrEscrowPaused    = errors.New("settlement: escrow is paused")
	ErrEscrowClosed    = errors.New("settlement: escrow already settled")
	ErrInvalidPercent  = errors.New("settlement: split percent out of range")
	ErrMissingConfig   = errors.New("settlement: missing configuration")
	ErrGatewayDeclined = errors.New("settlement: payment declined")
	ErrUnknownCharge   = errors.New("settlement: unknown charge")
)

// PartialEffectError reports a collection that charged the client but could not
// be funded on-ledger, and whose charge could not be voided either.
type PartialEffectError struct {
	ChargeID string
	Err      error
}

func (e *PartialEffectError) Error() string {
	return fmt.Sprintf("settlement: charge %s left in place: %v", e.ChargeID, e.Err)
}

func (e *PartialEffectError) Unwrap() error { return e.Err }

// DeployParams opens an escrow holding deposit + balance for one project.
type DeployParams struct {
	ProjectID       string
	ClientAddress   string
	OperatorAddress string
	Deposit         decimal.Decimal
	Balance         decimal.Decimal
}

type Deployment struct {
	EscrowRef string
	ChainID   string
	TxID      string
}

// CollectParams funds an escrow. Method is the gateway method or payer key.
type CollectParams struct {
	EscrowRef string
	ProjectID string
	Amount    decimal.Decimal
	Method    string
}

// Receipt proves one completed external operation. TxID is empty when no
// external ledger is involved; ChargeID is set when the gateway collected funds.
type Receipt struct {
	TxID     string
	ChargeID string
	Gateway  payment.GatewayMetadata
}

// ExternalRef is the reference recorded on the payment row.
func (r Receipt) ExternalRef() string {
	if r.TxID != "" {
		return r.TxID
	}
	return r.ChargeID
}

type Adapter interface {
	Mode() Mode
	Deploy(ctx context.Context, p DeployParams) (Deployment, error)
	CollectDeposit(ctx context.Context, p CollectParams) (Receipt, error)
	CollectBalance(ctx context.Context, p CollectParams) (Receipt, error)
	Release(ctx context.Context, escrowRef string) (Receipt, error)
	Refund(ctx context.Context, escrowRef string) (Receipt, error)
	Split(ctx context.Context, escrowRef string, clientPercent int) (Receipt, error)
	Pause(ctx context.Context, escrowRef string) (Receipt, error)
	Unpause(ctx context.Context, escrowRef string) (Receipt, error)
}

type Options struct {
	Mode            Mode
	RPCURL          string
	AuthToken       string
	ChainID         string
	OperatorAddress string
	AuthorityKey    string
	Timeout         time.Duration
	GatewayProvider string
}

func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(v))); m {
	case ModeFiat, ModeChain, ModeMock:
		return m, nil
	case "":
		return ModeMock, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, v)
	}
}

// New builds the adapter for the configured mode. The mode is fixed at startup.
func New(opts Options, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gateway := NewMockGateway(opts.GatewayProvider)
	switch opts.Mode {
	case ModeFiat:
		return NewFiatAdapter(gateway), nil
	case ModeChain:
		if strings.TrimSpace(opts.RPCURL) == "" {
			return nil, fmt.Errorf("%w: rpc url", ErrMissingConfig)
		}
		signer, err := NewSigner(opts.AuthorityKey)
		if err != nil {
			return nil, err
		}
		client, err := NewRPCClient(context.Background(), opts.RPCURL, opts.AuthToken, opts.Timeout)
		if err != nil {
			return nil, err
		}
		adapter, err := NewChainAdapter(client, signer, gateway, ChainOptions{
			ChainID:         opts.ChainID,
			OperatorAddress: opts.OperatorAddress,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("settlement adapter configured",
			"mode", opts.Mode, "rpc_url", opts.RPCURL, "authority", signer.Address())
		return adapter, nil
	case ModeMock, "":
		return NewMockLedger(opts.ChainID, gateway), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
}

func validateCollect(p CollectParams) error {
	if strings.TrimSpace(p.EscrowRef) == "" {
		return ErrUnknownEscrow
	}
	if p.Amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount.StringFixed(2))
	}
	return nil
}

func validateDeploy(p DeployParams) error {
	if p.Deposit.IsNegative() || p.Balance.IsNegative() || !p.Deposit.Add(p.Balance).IsPositive() {
		return fmt.Errorf("%w: deposit=%s balance=%s", ErrInvalidAmount, p.Deposit.StringFixed(2), p.Balance.StringFixed(2))
	}
	return nil
}

func validatePercent(clientPercent int) error {
	if clientPercent < 0 || clientPercent > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercent, clientPercent)
	}
	return nil
}
