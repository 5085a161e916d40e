package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/logging"
	"escrowflow/payment"
)

type ChargeRequest struct {
	Reference string
	ProjectID string
	Amount    decimal.Decimal
	// Method is "<kind>" or "<kind>:<instrument>", e.g. "card:4242424242424242".
	Method string
}

type Charge struct {
	ID       string
	Metadata payment.GatewayMetadata
}

// Gateway collects client funds. Void reverses a charge that was never funded.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
	Void(ctx context.Context, chargeID string) error
}

// MockGateway approves every charge unless told to decline.
type MockGateway struct {
	provider string

	mu      sync.Mutex
	decline error
	voidErr error
	charges []ChargeRequest
	ids     map[string]bool
	voided  []string
}

func NewMockGateway(provider string) *MockGateway {
	if strings.TrimSpace(provider) == "" {
		provider = "mock"
	}
	return &MockGateway{provider: provider, ids: make(map[string]bool)}
}

// Decline makes subsequent charges fail with err; nil restores approvals.
func (g *MockGateway) Decline(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decline = err
}

// FailVoids makes subsequent voids fail with err; nil restores them.
func (g *MockGateway) FailVoids(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voidErr = err
}

// Voided lists voided charge ids in order.
func (g *MockGateway) Voided() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.voided...)
}

func (g *MockGateway) Charges() []ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ChargeRequest(nil), g.charges...)
}

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	if req.Amount.IsNegative() {
		return Charge{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount.StringFixed(2))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decline != nil {
		return Charge{}, fmt.Errorf("%w: %v", ErrGatewayDeclined, g.decline)
	}
	g.charges = append(g.charges, req)
	id := "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.ids[id] = true
	kind, instrument := splitMethod(req.Method)
	return Charge{
		ID: id,
		Metadata: payment.GatewayMetadata{
			Method:           kind,
			Provider:         g.provider,
			MaskedInstrument: logging.Mask(instrument),
		},
	}, nil
}

func (g *MockGateway) Void(ctx context.Context, chargeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.voidErr != nil {
		return g.voidErr
	}
	if !g.ids[chargeID] {
		return fmt.Errorf("%w: %s", ErrUnknownCharge, chargeID)
	}
	delete(g.ids, chargeID)
	g.voided = append(g.voided, chargeID)
	return nil
}

func splitMethod(method string) (kind, instrument string) {
	method = strings.TrimSpace(method)
	if method == "" {
		return "card", ""
	}
	kind, instrument, _ = strings.Cut(method, ":")
	return strings.ToLower(kind), instrument
}
