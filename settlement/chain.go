package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const voidTimeout = 10 * time.Second

type ChainOptions struct {
	ChainID         string
	OperatorAddress string
}

// ChainAdapter drives an escrow contract through the node's JSON-RPC API.
// Collections are charged through the gateway first and then funded on-ledger.
type ChainAdapter struct {
	rpc      *RPCClient
	signer   *Signer
	gateway  Gateway
	chainID  string
	operator string
}

func NewChainAdapter(rpc *RPCClient, signer *Signer, gateway Gateway, opts ChainOptions) (*ChainAdapter, error) {
	operator := strings.TrimSpace(opts.OperatorAddress)
	if operator == "" {
		operator = signer.Address()
	}
	normalized, err := normalizeAddress(operator)
	if err != nil {
		return nil, fmt.Errorf("settlement: operator: %w", err)
	}
	return &ChainAdapter{
		rpc:      rpc,
		signer:   signer,
		gateway:  gateway,
		chainID:  opts.ChainID,
		operator: normalized,
	}, nil
}

func (a *ChainAdapter) Mode() Mode { return ModeChain }

type deployResult struct {
	Address string `json:"address"`
	ChainID string `json:"chainId"`
	TxHash  string `json:"txHash"`
}

type txResult struct {
	TxHash string `json:"txHash"`
}

func (a *ChainAdapter) Deploy(ctx context.Context, p DeployParams) (Deployment, error) {
	if err := validateDeploy(p); err != nil {
		return Deployment{}, err
	}
	client, err := normalizeAddress(p.ClientAddress)
	if err != nil {
		return Deployment{}, fmt.Errorf("settlement: client: %w", err)
	}
	operator := a.operator
	if strings.TrimSpace(p.OperatorAddress) != "" {
		if operator, err = normalizeAddress(p.OperatorAddress); err != nil {
			return Deployment{}, fmt.Errorf("settlement: operator: %w", err)
		}
	}
	params := map[string]any{
		"client":   client,
		"operator": operator,
		"deposit":  p.Deposit.StringFixed(2),
		"balance":  p.Balance.StringFixed(2),
		"meta":     p.ProjectID,
	}
	if a.chainID != "" {
		params["chainId"] = a.chainID
	}
	var res deployResult
	if err := a.rpc.Call(ctx, "escrow_deploy", params, &res); err != nil {
		return Deployment{}, err
	}
	if res.Address == "" || res.TxHash == "" {
		return Deployment{}, fmt.Errorf("settlement: escrow_deploy returned incomplete result")
	}
	chainID := res.ChainID
	if chainID == "" {
		chainID = a.chainID
	}
	return Deployment{EscrowRef: res.Address, ChainID: chainID, TxID: res.TxHash}, nil
}

func (a *ChainAdapter) CollectDeposit(ctx context.Context, p CollectParams) (Receipt, error) {
	return a.fund(ctx, "deposit", p)
}

func (a *ChainAdapter) CollectBalance(ctx context.Context, p CollectParams) (Receipt, error) {
	return a.fund(ctx, "balance", p)
}

func (a *ChainAdapter) fund(ctx context.Context, kind string, p CollectParams) (Receipt, error) {
	if err := validateCollect(p); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	if a.gateway != nil {
		ch, err := a.gateway.Charge(ctx, ChargeRequest{
			Reference: p.EscrowRef,
			ProjectID: p.ProjectID,
			Amount:    p.Amount,
			Method:    p.Method,
		})
		if err != nil {
			return Receipt{}, fmt.Errorf("settlement: charge: %w", err)
		}
		receipt.ChargeID = ch.ID
		receipt.Gateway = ch.Metadata
	}
	amount := p.Amount.StringFixed(2)
	txID, err := a.authorityCall(ctx, "escrow_fund", p.EscrowRef, kind+":"+amount, map[string]any{
		"kind":   kind,
		"amount": amount,
	})
	if err != nil {
		if receipt.ChargeID == "" {
			return Receipt{}, err
		}
		return Receipt{}, a.voidCharge(ctx, receipt.ChargeID, err)
	}
	receipt.TxID = txID
	return receipt, nil
}

// voidCharge reverses a charge whose on-ledger funding failed. The void runs
// even when ctx is already done.
func (a *ChainAdapter) voidCharge(ctx context.Context, chargeID string, cause error) error {
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), voidTimeout)
	defer cancel()
	if err := a.gateway.Void(vctx, chargeID); err != nil {
		return &PartialEffectError{ChargeID: chargeID, Err: errors.Join(cause, fmt.Errorf("settlement: void %s: %w", chargeID, err))}
	}
	return fmt.Errorf("settlement: charge %s voided: %w", chargeID, cause)
}

func (a *ChainAdapter) Release(ctx context.Context, ref string) (Receipt, error) {
	return a.receipt(a.authorityCall(ctx, "escrow_release", ref, "", nil))
}

func (a *ChainAdapter) Refund(ctx context.Context, ref string) (Receipt, error) {
	return a.receipt(a.authorityCall(ctx, "escrow_refund", ref, "", nil))
}

func (a *ChainAdapter) Split(ctx context.Context, ref string, clientPercent int) (Receipt, error) {
	if err := validatePercent(clientPercent); err != nil {
		return Receipt{}, err
	}
	return a.receipt(a.authorityCall(ctx, "escrow_split", ref, fmt.Sprint(clientPercent), map[string]any{
		"clientPercent": clientPercent,
	}))
}

func (a *ChainAdapter) Pause(ctx context.Context, ref string) (Receipt, error) {
	return a.receipt(a.authorityCall(ctx, "escrow_pause", ref, "", nil))
}

func (a *ChainAdapter) Unpause(ctx context.Context, ref string) (Receipt, error) {
	return a.receipt(a.authorityCall(ctx, "escrow_unpause", ref, "", nil))
}

func (a *ChainAdapter) receipt(txID string, err error) (Receipt, error) {
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: txID}, nil
}

// authorityCall signs method|ref|detail with the authority key and returns the tx hash.
func (a *ChainAdapter) authorityCall(ctx context.Context, method, ref, detail string, extra map[string]any) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", ErrUnknownEscrow
	}
	params := map[string]any{"id": ref, "caller": a.signer.Address()}
	for k, v := range extra {
		params[k] = v
	}
	sig, err := a.signer.Sign(method, ref, detail)
	if err != nil {
		return "", err
	}
	params["signature"] = sig
	if a.chainID != "" {
		params["chainId"] = a.chainID
	}

	var res txResult
	if err := a.rpc.Call(ctx, method, params, &res); err != nil {
		return "", err
	}
	if res.TxHash == "" {
		return "", fmt.Errorf("settlement: %s returned no tx hash", method)
	}
	return res.TxHash, nil
}
