package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FiatAdapter collects through the gateway and keeps funds off-ledger. Deploy
// yields a local reference; authority operations succeed without a tx id.
type FiatAdapter struct {
	gateway Gateway
}

func NewFiatAdapter(gateway Gateway) *FiatAdapter {
	return &FiatAdapter{gateway: gateway}
}

func (a *FiatAdapter) Mode() Mode { return ModeFiat }

func (a *FiatAdapter) Deploy(ctx context.Context, p DeployParams) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	if err := validateDeploy(p); err != nil {
		return Deployment{}, err
	}
	return Deployment{EscrowRef: "fiat:" + uuid.NewString()}, nil
}

func (a *FiatAdapter) CollectDeposit(ctx context.Context, p CollectParams) (Receipt, error) {
	return a.collect(ctx, p)
}

func (a *FiatAdapter) CollectBalance(ctx context.Context, p CollectParams) (Receipt, error) {
	return a.collect(ctx, p)
}

func (a *FiatAdapter) collect(ctx context.Context, p CollectParams) (Receipt, error) {
	if err := validateCollect(p); err != nil {
		return Receipt{}, err
	}
	ch, err := a.gateway.Charge(ctx, ChargeRequest{
		Reference: p.EscrowRef,
		ProjectID: p.ProjectID,
		Amount:    p.Amount,
		Method:    p.Method,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: charge: %w", err)
	}
	return Receipt{ChargeID: ch.ID, Gateway: ch.Metadata}, nil
}

func (a *FiatAdapter) Release(ctx context.Context, ref string) (Receipt, error) {
	return a.authority(ctx, ref)
}

func (a *FiatAdapter) Refund(ctx context.Context, ref string) (Receipt, error) {
	return a.authority(ctx, ref)
}

func (a *FiatAdapter) Split(ctx context.Context, ref string, clientPercent int) (Receipt, error) {
	if err := validatePercent(clientPercent); err != nil {
		return Receipt{}, err
	}
	return a.authority(ctx, ref)
}

func (a *FiatAdapter) Pause(ctx context.Context, ref string) (Receipt, error) {
	return a.authority(ctx, ref)
}

func (a *FiatAdapter) Unpause(ctx context.Context, ref string) (Receipt, error) {
	return a.authority(ctx, ref)
}

func (a *FiatAdapter) authority(ctx context.Context, ref string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(ref) == "" {
		return Receipt{}, ErrUnknownEscrow
	}
	return Receipt{}, nil
}
