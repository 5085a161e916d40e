package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

type mockEscrow struct {
	client   common.Address
	operator common.Address
	deposit  decimal.Decimal
	balance  decimal.Decimal
	held     decimal.Decimal
	paused   bool
	closed   bool
}

// MockLedger is an in-process stand-in for the settlement contract. Addresses
// and tx hashes are deterministic keccak digests. Failures can be injected per
// operation.
type MockLedger struct {
	chainID string
	gateway Gateway

	mu       sync.Mutex
	nonce    uint64
	seq      uint64
	escrows  map[string]*mockEscrow
	failures map[Op][]error
	latency  time.Duration
	calls    []Op
}

func NewMockLedger(chainID string, gateway Gateway) *MockLedger {
	if chainID == "" {
		chainID = "31337"
	}
	return &MockLedger{
		chainID:  chainID,
		gateway:  gateway,
		escrows:  make(map[string]*mockEscrow),
		failures: make(map[Op][]error),
	}
}

func (m *MockLedger) Mode() Mode { return ModeMock }

// FailNext queues err for the next call of op.
func (m *MockLedger) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetLatency delays every call; calls give up when ctx ends first.
func (m *MockLedger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls lists successful and failed calls in order.
func (m *MockLedger) Calls() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.calls...)
}

// CallCount counts calls of op.
func (m *MockLedger) CallCount(op Op) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Held reports funds currently held by the escrow at ref.
func (m *MockLedger) Held(ref string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[strings.ToLower(ref)]; ok {
		return e.held
	}
	return decimal.Zero
}

func (m *MockLedger) begin(ctx context.Context, op Op) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	latency := m.latency
	var injected error
	if q := m.failures[op]; len(q) > 0 {
		injected = q[0]
		m.failures[op] = q[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("settlement: %s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("settlement: %s: %w", op, err)
	}
	if injected != nil {
		return fmt.Errorf("settlement: %s: %w", op, injected)
	}
	return nil
}

// txHash must be called with m.mu held.
func (m *MockLedger) txHash(op Op, ref string) string {
	m.seq++
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%s|%d", m.chainID, op, ref, m.seq))).Hex()
}

func (m *MockLedger) Deploy(ctx context.Context, p DeployParams) (Deployment, error) {
	if err := m.begin(ctx, OpDeploy); err != nil {
		return Deployment{}, err
	}
	if err := validateDeploy(p); err != nil {
		return Deployment{}, err
	}
	clientAddr := p.ClientAddress
	if clientAddr == "" {
		clientAddr = AddressFor(p.ProjectID)
	}
	client, err := normalizeAddress(clientAddr)
	if err != nil {
		return Deployment{}, err
	}
	operatorAddr := p.OperatorAddress
	if operatorAddr == "" {
		operatorAddr = AddressFor("operator")
	}
	operator, err := normalizeAddress(operatorAddr)
	if err != nil {
		return Deployment{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	addr := ethcrypto.CreateAddress(common.HexToAddress(operator), m.nonce)
	m.nonce++
	ref := addr.Hex()
	m.escrows[strings.ToLower(ref)] = &mockEscrow{
		client:   common.HexToAddress(client),
		operator: common.HexToAddress(operator),
		deposit:  p.Deposit,
		balance:  p.Balance,
	}
	return Deployment{EscrowRef: ref, ChainID: m.chainID, TxID: m.txHash(OpDeploy, ref)}, nil
}

func (m *MockLedger) CollectDeposit(ctx context.Context, p CollectParams) (Receipt, error) {
	return m.collect(ctx, OpCollectDeposit, p)
}

func (m *MockLedger) CollectBalance(ctx context.Context, p CollectParams) (Receipt, error) {
	return m.collect(ctx, OpCollectBalance, p)
}

func (m *MockLedger) collect(ctx context.Context, op Op, p CollectParams) (Receipt, error) {
	if err := m.begin(ctx, op); err != nil {
		return Receipt{}, err
	}
	if err := validateCollect(p); err != nil {
		return Receipt{}, err
	}
	if _, err := m.open(p.EscrowRef); err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	if m.gateway != nil {
		ch, err := m.gateway.Charge(ctx, ChargeRequest{
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

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.escrows[strings.ToLower(p.EscrowRef)]
	e.held = e.held.Add(p.Amount)
	receipt.TxID = m.txHash(op, p.EscrowRef)
	return receipt, nil
}

func (m *MockLedger) Release(ctx context.Context, ref string) (Receipt, error) {
	return m.settle(ctx, OpRelease, ref)
}

func (m *MockLedger) Refund(ctx context.Context, ref string) (Receipt, error) {
	return m.settle(ctx, OpRefund, ref)
}

func (m *MockLedger) Split(ctx context.Context, ref string, clientPercent int) (Receipt, error) {
	if err := validatePercent(clientPercent); err != nil {
		return Receipt{}, err
	}
	return m.settle(ctx, OpSplit, ref)
}

func (m *MockLedger) settle(ctx context.Context, op Op, ref string) (Receipt, error) {
	if err := m.begin(ctx, op); err != nil {
		return Receipt{}, err
	}
	if _, err := m.open(ref); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.escrows[strings.ToLower(ref)]
	e.held = decimal.Zero
	e.closed = true
	return Receipt{TxID: m.txHash(op, ref)}, nil
}

func (m *MockLedger) Pause(ctx context.Context, ref string) (Receipt, error) {
	return m.setPaused(ctx, OpPause, ref, true)
}

func (m *MockLedger) Unpause(ctx context.Context, ref string) (Receipt, error) {
	return m.setPaused(ctx, OpUnpause, ref, false)
}

func (m *MockLedger) setPaused(ctx context.Context, op Op, ref string, paused bool) (Receipt, error) {
	if err := m.begin(ctx, op); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[strings.ToLower(ref)]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, ref)
	}
	e.paused = paused
	return Receipt{TxID: m.txHash(op, ref)}, nil
}

// open checks the escrow exists, is live and not paused.
func (m *MockLedger) open(ref string) (*mockEscrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[strings.ToLower(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEscrow, ref)
	}
	if e.closed {
		return nil, ErrEscrowClosed
	}
	if e.paused {
		return nil, ErrEscrowPaused
	}
	return e, nil
}
