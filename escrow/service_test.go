package escrow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/fault"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/settlement"
	"escrowflow/stepup"
	"escrowflow/testutil"
)

const (
	projectID  = "project-1"
	clientID   = "client-1"
	designerID = "designer-1"
	adminID    = "admin-1"
	draftHash  = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

var (
	client   = auth.Actor{ID: clientID, Role: auth.RoleClient}
	designer = auth.Actor{ID: designerID, Role: auth.RoleDesigner}
	admin    = auth.Actor{ID: adminID, Role: auth.RoleAdmin}
)

type harness struct {
	svc    *Service
	world  *world
	pool   *testutil.FakePool
	ledger *settlement.MockLedger
	stepup *fakeStepUp
	clock  *testutil.StubClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := newWorld()
	clock := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator("id")
	pool := testutil.NewFakePool()
	ledger := settlement.NewMockLedger("", settlement.NewMockGateway(""))
	guard := newFakeStepUp(clock.Now)

	projects, payments, proofs, disputes, drafts, idem, recon, notifier := w.deps()
	svc, err := NewService(pool, Deps{
		Projects:        projects,
		Payments:        payments,
		Proofs:          proofs,
		Disputes:        disputes,
		Drafts:          drafts,
		StepUp:          guard,
		Notifier:        notifier,
		Idempotency:     idem,
		Reconciliations: recon,
		Adapter:         ledger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.WithClock(clock.Now).WithIDGenerator(ids.New)

	deposit, balance, err := project.SplitQuote(decimal.RequireFromString("1000.00"))
	if err != nil {
		t.Fatalf("SplitQuote: %v", err)
	}
	w.addProject(project.Project{
		ID:         projectID,
		Title:      "Brand refresh",
		ClientID:   clientID,
		DesignerID: designerID,
		Quoted:     decimal.RequireFromString("1000.00"),
		Deposit:    deposit,
		Balance:    balance,
		Status:     project.StatusDraft,
	})
	return &harness{svc: svc, world: w, pool: pool, ledger: ledger, stepup: guard, clock: clock}
}

func req(actor auth.Actor) Request {
	return Request{Actor: actor, ProjectID: projectID}
}

func (h *harness) deploy(t *testing.T) {
	t.Helper()
	if _, err := h.svc.DeployEscrow(context.Background(), DeployRequest{Request: req(admin)}); err != nil {
		t.Fatalf("DeployEscrow: %v", err)
	}
}

func (h *harness) fund(t *testing.T) {
	t.Helper()
	h.deploy(t)
	if _, err := h.svc.FundDeposit(context.Background(), CollectRequest{Request: req(client), Method: "card:4242424242424242"}); err != nil {
		t.Fatalf("FundDeposit: %v", err)
	}
}

func (h *harness) submit(t *testing.T) {
	t.Helper()
	_, err := h.svc.SubmitDraft(context.Background(), SubmitDraftRequest{
		Request:  req(designer),
		FileName: "logo-v1.pdf",
		FileURL:  "mem://drafts/logo-v1.pdf",
		SHA256:   draftHash,
	})
	if err != nil {
		t.Fatalf("SubmitDraft: %v", err)
	}
}

func (h *harness) approve(t *testing.T) {
	t.Helper()
	if _, err := h.svc.ApproveAndPay(context.Background(), CollectRequest{Request: req(client)}); err != nil {
		t.Fatalf("ApproveAndPay: %v", err)
	}
}

func (h *harness) openDispute(t *testing.T) string {
	t.Helper()
	res, err := h.svc.OpenDispute(context.Background(), OpenDisputeRequest{
		Request:     req(client),
		Description: "The delivered logo does not match the agreed brief at all.",
		Files:       []dispute.FileRef{{FileName: "brief.pdf", FileURL: "mem://evidence/brief.pdf", SHA256: draftHash}},
	})
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	return res.Dispute.ID
}

func wantKind(t *testing.T, err error, kind fault.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := fault.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

func TestFundDepositScenario(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)

	res, err := h.svc.FundDeposit(context.Background(), CollectRequest{Request: req(client), Method: "card:4242424242424242"})
	if err != nil {
		t.Fatalf("FundDeposit: %v", err)
	}
	if res.Project.Status != project.StatusFunded {
		t.Fatalf("expected FUNDED in result, got %s", res.Project.Status)
	}
	if res.ExternalTxID == "" {
		t.Fatalf("expected external tx id")
	}

	p := h.world.project(projectID)
	if p.Status != project.StatusFunded {
		t.Fatalf("expected FUNDED, got %s", p.Status)
	}
	if !p.Deposit.Add(p.Balance).Equal(p.Quoted) {
		t.Fatalf("deposit %s + balance %s != quoted %s", p.Deposit, p.Balance, p.Quoted)
	}

	pays := h.world.paymentsOf(projectID)
	if len(pays) != 1 || pays[0].Type != payment.TypeDeposit {
		t.Fatalf("expected one DEPOSIT record, got %+v", pays)
	}
	if !pays[0].Amount.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected 500.00, got %s", pays[0].Amount)
	}
	if pays[0].ExternalRef == nil || *pays[0].ExternalRef != res.ExternalTxID {
		t.Fatalf("expected payment ref %s, got %v", res.ExternalTxID, pays[0].ExternalRef)
	}
	if pays[0].Gateway.MaskedInstrument != "************4242" {
		t.Fatalf("expected masked instrument, got %q", pays[0].Gateway.MaskedInstrument)
	}
	if n := len(h.world.timelineOf(projectID, proof.EventDepositFunded)); n != 1 {
		t.Fatalf("expected one DEPOSIT_FUNDED timeline event, got %d", n)
	}
	chain := h.world.chainOf(projectID, proof.EventDepositFunded)
	if len(chain) != 1 || chain[0].TxRef != res.ExternalTxID {
		t.Fatalf("expected one chain event carrying %s, got %+v", res.ExternalTxID, chain)
	}
}

func TestDeployEscrowRecordsReference(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.DeployEscrow(context.Background(), DeployRequest{Request: req(admin)})
	if err != nil {
		t.Fatalf("DeployEscrow: %v", err)
	}
	p := h.world.project(projectID)
	if !p.HasEscrow() || p.EscrowRefValue() != res.Project.EscrowRefValue() {
		t.Fatalf("expected escrow ref to be stored, got %v", p.EscrowRef)
	}
	if n := len(h.world.chainOf(projectID, proof.EventEscrowDeployed)); n != 1 {
		t.Fatalf("expected one ESCROW_DEPLOYED chain event, got %d", n)
	}

	_, err = h.svc.DeployEscrow(context.Background(), DeployRequest{Request: req(admin)})
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.DeployEscrow(context.Background(), DeployRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)
}

func TestFundDepositPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)

	h.deploy(t)
	stranger := auth.Actor{ID: "client-2", Role: auth.RoleClient}
	_, err = h.svc.FundDeposit(ctx, CollectRequest{Request: req(stranger)})
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.FundDeposit(ctx, CollectRequest{Request: req(designer)})
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.FundDeposit(ctx, CollectRequest{Request: Request{Actor: client, ProjectID: "missing"}})
	wantKind(t, err, fault.KindNotFound)

	if got := h.ledger.CallCount(settlement.OpCollectDeposit); got != 0 {
		t.Fatalf("adapter must not be called on rejected transitions, got %d calls", got)
	}
	if len(h.world.paymentsOf(projectID)) != 0 {
		t.Fatalf("expected no payments")
	}
}

func TestAdapterFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	before := len(h.world.timelineOf(projectID, ""))

	boom := errors.New("ledger node unreachable")
	h.ledger.FailNext(settlement.OpCollectDeposit, boom)
	_, err := h.svc.FundDeposit(context.Background(), CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindExternal)
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !fault.KindOf(err).Retryable() {
		t.Fatalf("adapter failures must be retryable")
	}

	if st := h.world.project(projectID).Status; st != project.StatusDraft {
		t.Fatalf("expected DRAFT after failure, got %s", st)
	}
	if n := len(h.world.paymentsOf(projectID)); n != 0 {
		t.Fatalf("expected no payments, got %d", n)
	}
	if n := len(h.world.timelineOf(projectID, "")); n != before {
		t.Fatalf("expected timeline unchanged at %d, got %d", before, n)
	}
	if n := len(h.world.chainOf(projectID, proof.EventDepositFunded)); n != 0 {
		t.Fatalf("expected no chain events, got %d", n)
	}
	if h.pool.Last == nil || !h.pool.Last.Rolled {
		t.Fatalf("expected the transition to roll back")
	}

	if _, err := h.svc.FundDeposit(context.Background(), CollectRequest{Request: req(client)}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestAdapterCallTimesOut(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	h.svc.WithAdapterTimeout(20 * time.Millisecond)
	h.ledger.SetLatency(time.Second)

	_, err := h.svc.FundDeposit(context.Background(), CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindExternal)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if st := h.world.project(projectID).Status; st != project.StatusDraft {
		t.Fatalf("expected DRAFT after timeout, got %s", st)
	}
}

func TestSubmitDraftStartsReviewWindow(t *testing.T) {
	h := newHarness(t)
	h.fund(t)

	res, err := h.svc.SubmitDraft(context.Background(), SubmitDraftRequest{
		Request:  req(designer),
		FileName: "logo-v1.pdf",
		FileURL:  "mem://drafts/logo-v1.pdf",
		SHA256:   draftHash,
	})
	if err != nil {
		t.Fatalf("SubmitDraft: %v", err)
	}
	if res.Draft == nil || res.Draft.Version != 1 {
		t.Fatalf("expected version 1 draft, got %+v", res.Draft)
	}
	p := h.world.project(projectID)
	if p.Status != project.StatusDraftSubmitted {
		t.Fatalf("expected DRAFT_SUBMITTED, got %s", p.Status)
	}
	want := h.clock.Now().Add(7 * 24 * time.Hour)
	if p.ReviewDueAt == nil || !p.ReviewDueAt.Equal(want) {
		t.Fatalf("expected review due %s, got %v", want, p.ReviewDueAt)
	}
	if n := len(h.world.timelineOf(projectID, proof.EventDraftSubmitted)); n != 1 {
		t.Fatalf("expected one DRAFT_SUBMITTED event, got %d", n)
	}
	if n := len(h.world.chainOf(projectID, proof.EventDraftSubmitted)); n != 0 {
		t.Fatalf("draft submission calls no adapter; expected no chain event, got %d", n)
	}

	res, err = h.svc.SubmitDraft(context.Background(), SubmitDraftRequest{
		Request:  req(admin),
		FileName: "logo-v2.pdf",
		FileURL:  "mem://drafts/logo-v2.pdf",
		SHA256:   draftHash,
	})
	if err != nil {
		t.Fatalf("admin SubmitDraft: %v", err)
	}
	if res.Draft.Version != 2 {
		t.Fatalf("expected version 2, got %d", res.Draft.Version)
	}
}

func TestSubmitDraftRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := auth.Actor{ID: "designer-2", Role: auth.RoleDesigner}
	_, err := h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(other), FileName: "a.pdf", FileURL: "mem://a", SHA256: draftHash})
	wantKind(t, err, fault.KindPrecondition)

	h.fund(t)
	_, err = h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(designer), FileName: "a.pdf", FileURL: "mem://a", SHA256: "abc"})
	wantKind(t, err, fault.KindInvalid)

	h.submit(t)
	h.openDispute(t)
	_, err = h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(designer), FileName: "a.pdf", FileURL: "mem://a", SHA256: draftHash})
	wantKind(t, err, fault.KindPrecondition)
}

func TestSubmitDraftRequiresDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deploy(t)

	_, err := h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(designer), FileName: "early.pdf", FileURL: "mem://early", SHA256: draftHash})
	wantKind(t, err, fault.KindPrecondition)
	if st := h.world.project(projectID).Status; st != project.StatusDraft {
		t.Fatalf("expected DRAFT after rejected early draft, got %s", st)
	}

	h2 := newHarness(t)
	h2.deploy(t)
	h2.fund(t)
	_, err = h2.svc.ApproveAndPay(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)
	if n := len(h2.world.paymentsOf(projectID)); n != 1 {
		t.Fatalf("expected only the deposit, got %d payments", n)
	}
}

func TestResubmitAfterApprovalChargesBalanceOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t)
	h.submit(t)
	h.approve(t)

	_, err := h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(designer), FileName: "logo-v2.pdf", FileURL: "mem://drafts/logo-v2.pdf", SHA256: draftHash})
	wantKind(t, err, fault.KindPrecondition)
	_, err = h.svc.ApproveAndPay(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)

	if st := h.world.project(projectID).Status; st != project.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", st)
	}
	if n := h.ledger.CallCount(settlement.OpCollectBalance); n != 1 {
		t.Fatalf("expected one balance collection, got %d", n)
	}
	markers, _ := h.svc.PendingReconciliations(ctx, admin, 10)
	if len(markers) != 0 {
		t.Fatalf("expected no markers, got %d", len(markers))
	}
}

func TestCollectionRecordedTwiceIsRejectedBeforeCharging(t *testing.T) {
	h := newHarness(t)
	h.fund(t)

	// A balance row can only exist here through manual repair; the engine must
	// still refuse to charge again.
	h.world.mu.Lock()
	h.world.payments = append(h.world.payments, payment.Record{ProjectID: projectID, Type: payment.TypeBalance, Amount: decimal.RequireFromString("500.00")})
	h.world.mu.Unlock()
	h.submit(t)

	_, err := h.svc.ApproveAndPay(context.Background(), CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)
	if !errors.Is(err, payment.ErrDuplicateCollection) {
		t.Fatalf("expected ErrDuplicateCollection, got %v", err)
	}
	if n := h.ledger.CallCount(settlement.OpCollectBalance); n != 0 {
		t.Fatalf("expected no balance collection call, got %d", n)
	}
}

func TestApproveAndPayCollectsBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(t)

	_, err := h.svc.ApproveAndPay(context.Background(), CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)

	h.submit(t)
	h.approve(t)

	if st := h.world.project(projectID).Status; st != project.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", st)
	}
	var balance int
	for _, r := range h.world.paymentsOf(projectID) {
		if r.Type == payment.TypeBalance {
			balance++
			if !r.Amount.Equal(decimal.RequireFromString("500.00")) {
				t.Fatalf("expected balance 500.00, got %s", r.Amount)
			}
		}
	}
	if balance != 1 {
		t.Fatalf("expected one BALANCE record, got %d", balance)
	}
	if n := len(h.world.chainOf(projectID, proof.EventBalancePaid)); n != 1 {
		t.Fatalf("expected one BALANCE_PAID chain event, got %d", n)
	}
}

func TestDoubleDisputeRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	h.openDispute(t)

	_, err := h.svc.OpenDispute(context.Background(), OpenDisputeRequest{
		Request:     req(client),
		Description: "Opening a second dispute about the same delivery.",
	})
	wantKind(t, err, fault.KindPrecondition)
	if n := len(h.world.disputesOf(projectID)); n != 1 {
		t.Fatalf("expected exactly one dispute, got %d", n)
	}
}

func TestOpenDisputeValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(t)

	long := "The delivered logo does not match the agreed brief at all."
	_, err := h.svc.OpenDispute(context.Background(), OpenDisputeRequest{Request: req(client), Description: long})
	wantKind(t, err, fault.KindPrecondition)

	h.submit(t)
	_, err = h.svc.OpenDispute(context.Background(), OpenDisputeRequest{Request: req(client), Description: "too short"})
	wantKind(t, err, fault.KindInvalid)

	_, err = h.svc.OpenDispute(context.Background(), OpenDisputeRequest{Request: req(designer), Description: long})
	wantKind(t, err, fault.KindPrecondition)

	if st := h.world.project(projectID).Status; st != project.StatusDraftSubmitted {
		t.Fatalf("expected DRAFT_SUBMITTED, got %s", st)
	}
	msgs := h.world.messages()
	for _, m := range msgs {
		if m.Event == proof.EventDisputeOpened {
			t.Fatalf("rejected disputes must not notify")
		}
	}
}

func TestArbitrationSplit(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	disputeID := h.openDispute(t)

	code := h.stepup.issue(adminID, stepup.PurposeArbitrateDispute)
	pct := 30
	res, err := h.svc.Arbitrate(context.Background(), ArbitrateRequest{
		Request:       Request{Actor: admin},
		DisputeID:     disputeID,
		Decision:      dispute.DecisionSplit,
		ClientPercent: &pct,
		StepUpCode:    code,
	})
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}

	d := res.Dispute
	if d == nil || d.Status != dispute.StatusArbitrated || d.Decision == nil || *d.Decision != dispute.DecisionSplit {
		t.Fatalf("expected ARBITRATED SPLIT dispute, got %+v", d)
	}
	if d.ClientPercent == nil || *d.ClientPercent != 30 || d.CompanyPercent == nil || *d.CompanyPercent != 70 {
		t.Fatalf("expected 30/70 split, got %v/%v", d.ClientPercent, d.CompanyPercent)
	}
	if st := h.world.project(projectID).Status; st != project.StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", st)
	}
	var splits []payment.Record
	for _, r := range h.world.paymentsOf(projectID) {
		if r.Type == payment.TypeSplit {
			splits = append(splits, r)
		}
	}
	if len(splits) != 1 {
		t.Fatalf("expected one SPLIT record, got %d", len(splits))
	}
	if !splits[0].Amount.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected held amount 500.00, got %s", splits[0].Amount)
	}
	if n := len(h.world.chainOf(projectID, proof.EventDisputeArbitrated)); n != 1 {
		t.Fatalf("expected one DISPUTE_ARBITRATED chain event, got %d", n)
	}

	_, err = h.svc.Arbitrate(context.Background(), ArbitrateRequest{
		Request:    Request{Actor: admin},
		DisputeID:  disputeID,
		Decision:   dispute.DecisionRelease,
		StepUpCode: h.stepup.issue(adminID, stepup.PurposeArbitrateDispute),
	})
	wantKind(t, err, fault.KindPrecondition)
}

func TestArbitrationRejectsInconsistentPercentages(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	disputeID := h.openDispute(t)
	code := h.stepup.issue(adminID, stepup.PurposeArbitrateDispute)

	clientPct, companyPct := 30, 60
	_, err := h.svc.Arbitrate(context.Background(), ArbitrateRequest{
		Request:        Request{Actor: admin},
		DisputeID:      disputeID,
		Decision:       dispute.DecisionSplit,
		ClientPercent:  &clientPct,
		CompanyPercent: &companyPct,
		StepUpCode:     code,
	})
	wantKind(t, err, fault.KindPrecondition)
	if !errors.Is(err, dispute.ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling, got %v", err)
	}

	_, err = h.svc.Arbitrate(context.Background(), ArbitrateRequest{
		Request:    Request{Actor: admin},
		DisputeID:  disputeID,
		Decision:   dispute.DecisionRefund,
		StepUpCode: code,
	})
	if err != nil {
		t.Fatalf("code must survive a rejected arbitration: %v", err)
	}
	if st := h.world.project(projectID).Status; st != project.StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", st)
	}
}

func TestArbitrateUnknownDispute(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Arbitrate(context.Background(), ArbitrateRequest{
		Request:   Request{Actor: admin},
		DisputeID: "nope",
		Decision:  dispute.DecisionRelease,
	})
	wantKind(t, err, fault.KindNotFound)
}

func TestStaleCodeRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	h.approve(t)

	code := h.stepup.issue(adminID, stepup.PurposeReleaseFunds)
	h.clock.Advance(11 * time.Minute)

	_, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: code})
	wantKind(t, err, fault.KindAuthorization)
	if !errors.Is(err, stepup.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if st := h.world.project(projectID).Status; st != project.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", st)
	}
	if h.ledger.CallCount(settlement.OpRelease) != 0 {
		t.Fatalf("adapter must not be called without a valid step-up code")
	}
	if msg := fault.Public(err, false); msg == stepup.ErrExpired.Error() {
		t.Fatalf("non-admin message must hide the sub-reason, got %q", msg)
	}
}

func TestReleaseAndWrongPurpose(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	h.approve(t)

	wrong := h.stepup.issue(adminID, stepup.PurposeRefundFunds)
	_, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: wrong})
	if !errors.Is(err, stepup.ErrPurposeMismatch) {
		t.Fatalf("expected purpose mismatch, got %v", err)
	}

	code := h.stepup.issue(adminID, stepup.PurposeReleaseFunds)
	res, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: code})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Project.Status != project.StatusReleased {
		t.Fatalf("expected RELEASED, got %s", res.Project.Status)
	}
	var released int
	for _, r := range h.world.paymentsOf(projectID) {
		if r.Type == payment.TypeRelease {
			released++
			if !r.Amount.Equal(decimal.RequireFromString("1000.00")) {
				t.Fatalf("expected release of 1000.00, got %s", r.Amount)
			}
		}
	}
	if released != 1 {
		t.Fatalf("expected one RELEASE record, got %d", released)
	}

	_, err = h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: code})
	wantKind(t, err, fault.KindPrecondition)
}

func TestStepUpConsumptionRollsBackWithTransition(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	h.approve(t)

	code := h.stepup.issue(adminID, stepup.PurposeReleaseFunds)
	h.ledger.FailNext(settlement.OpRelease, errors.New("contract incompatible"))
	_, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: code})
	wantKind(t, err, fault.KindExternal)

	if _, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: code}); err != nil {
		t.Fatalf("code should still be usable after an aborted transition: %v", err)
	}
}

func TestPauseBlocksFundMovingTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t)
	h.submit(t)

	pauseCode := h.stepup.issue(adminID, stepup.PurposePauseEscrow)
	res, err := h.svc.Pause(ctx, AuthorityRequest{Request: req(admin), StepUpCode: pauseCode})
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !res.Project.Paused || !h.world.project(projectID).Paused {
		t.Fatalf("expected paused flag")
	}
	if n := len(h.world.chainOf(projectID, proof.EventEscrowPaused)); n != 1 {
		t.Fatalf("expected one ESCROW_PAUSED chain event, got %d", n)
	}

	_, err = h.svc.ApproveAndPay(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.Refund(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeRefundFunds)})
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.Pause(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposePauseEscrow)})
	wantKind(t, err, fault.KindPrecondition)

	resumeCode := h.stepup.issue(adminID, stepup.PurposeResumeEscrow)
	if _, err := h.svc.Resume(ctx, AuthorityRequest{Request: req(admin), StepUpCode: resumeCode}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.world.project(projectID).Paused {
		t.Fatalf("expected pause flag cleared")
	}

	_, err = h.svc.Pause(ctx, AuthorityRequest{Request: req(admin), StepUpCode: pauseCode})
	if !errors.Is(err, stepup.ErrConsumed) {
		t.Fatalf("expected consumed code, got %v", err)
	}

	h.approve(t)
}

func TestResumeRequiresPause(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Resume(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeResumeEscrow)})
	wantKind(t, err, fault.KindPrecondition)

	h.deploy(t)
	_, err = h.svc.Resume(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeResumeEscrow)})
	wantKind(t, err, fault.KindPrecondition)
}

func TestTerminalStatusAcceptsNoFundMoves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t)

	if _, err := h.svc.Refund(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeRefundFunds)}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if st := h.world.project(projectID).Status; st != project.StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", st)
	}

	_, err := h.svc.Refund(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeRefundFunds)})
	wantKind(t, err, fault.KindPrecondition)
	_, err = h.svc.Release(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeReleaseFunds)})
	wantKind(t, err, fault.KindPrecondition)
	_, err = h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindPrecondition)
	_, err = h.svc.SubmitDraft(ctx, SubmitDraftRequest{Request: req(designer), FileName: "a.pdf", FileURL: "mem://a", SHA256: draftHash})
	wantKind(t, err, fault.KindPrecondition)

	if n := h.ledger.CallCount(settlement.OpRefund); n != 1 {
		t.Fatalf("expected a single refund call, got %d", n)
	}
}

func TestConcurrentReleaseAndRefundOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	h.submit(t)
	h.approve(t)

	releaseCode := h.stepup.issue(adminID, stepup.PurposeReleaseFunds)
	refundCode := h.stepup.issue(adminID, stepup.PurposeRefundFunds)

	var ok, rejected atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		_, err := h.svc.Release(ctx, AuthorityRequest{Request: req(admin), StepUpCode: releaseCode})
		count(err, &ok, &rejected)
		return nil
	})
	g.Go(func() error {
		_, err := h.svc.Refund(ctx, AuthorityRequest{Request: req(admin), StepUpCode: refundCode})
		count(err, &ok, &rejected)
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
	if ok.Load() != 1 || rejected.Load() != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d rejected=%d", ok.Load(), rejected.Load())
	}

	var settled int
	for _, r := range h.world.paymentsOf(projectID) {
		if r.Type == payment.TypeRelease || r.Type == payment.TypeRefund {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("expected one settlement record, got %d", settled)
	}
}

func count(err error, ok, rejected *atomic.Int32) {
	switch {
	case err == nil:
		ok.Add(1)
	case fault.KindOf(err) == fault.KindPrecondition:
		rejected.Add(1)
	}
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	ctx := context.Background()

	r := CollectRequest{Request: Request{Actor: client, ProjectID: projectID, IdempotencyKey: "fund-1"}}
	first, err := h.svc.FundDeposit(ctx, r)
	if err != nil {
		t.Fatalf("FundDeposit: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first call must not be a replay")
	}

	second, err := h.svc.FundDeposit(ctx, r)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay")
	}
	if second.Project.Status != project.StatusFunded {
		t.Fatalf("replay should report current status, got %s", second.Project.Status)
	}
	if n := h.ledger.CallCount(settlement.OpCollectDeposit); n != 1 {
		t.Fatalf("expected one collection call, got %d", n)
	}
	if n := len(h.world.paymentsOf(projectID)); n != 1 {
		t.Fatalf("expected one payment, got %d", n)
	}

	_, err = h.svc.Cancel(ctx, CancelRequest{Request: Request{Actor: client, ProjectID: projectID, IdempotencyKey: "fund-1"}})
	wantKind(t, err, fault.KindConflict)
	if !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected ErrIdempotencyMismatch, got %v", err)
	}
}

func TestCommitFailureFlagsReconciliation(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	ctx := context.Background()

	h.pool.FailNextCommits(errors.New("connection reset"))
	_, err := h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	h.pool.FailNextCommits(nil)
	wantKind(t, err, fault.KindInternal)

	if n := len(h.world.paymentsOf(projectID)); n != 0 {
		t.Fatalf("expected no payment after failed commit, got %d", n)
	}
	markers, err := h.svc.PendingReconciliations(ctx, admin, 10)
	if err != nil {
		t.Fatalf("PendingReconciliations: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("expected one marker, got %d", len(markers))
	}
	m := markers[0]
	if m.Transition != TransitionFundDeposit || m.ProjectID != projectID || m.ExternalTxID == "" {
		t.Fatalf("unexpected marker %+v", m)
	}

	_, err = h.svc.PendingReconciliations(ctx, client, 10)
	wantKind(t, err, fault.KindPrecondition)

	_, err = h.svc.ResolveReconciliation(ctx, admin, m.ID, " ")
	wantKind(t, err, fault.KindInvalid)

	resolved, err := h.svc.ResolveReconciliation(ctx, admin, m.ID, "payment row inserted by hand")
	if err != nil {
		t.Fatalf("ResolveReconciliation: %v", err)
	}
	if resolved.Status != MarkerResolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != adminID {
		t.Fatalf("unexpected resolved marker %+v", resolved)
	}
	_, err = h.svc.ResolveReconciliation(ctx, admin, m.ID, "again")
	wantKind(t, err, fault.KindNotFound)
}

func TestLocalWriteFailureAfterSettlementFlagsReconciliation(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	ctx := context.Background()

	h.world.mu.Lock()
	h.world.recordErr = errors.New("payment_records: disk full")
	h.world.mu.Unlock()

	_, err := h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindInternal)

	if n := h.ledger.CallCount(settlement.OpCollectDeposit); n != 1 {
		t.Fatalf("expected one collection call, got %d", n)
	}
	if st := h.world.project(projectID).Status; st != project.StatusDraft {
		t.Fatalf("expected DRAFT after aborted transition, got %s", st)
	}
	markers, err := h.svc.PendingReconciliations(ctx, admin, 10)
	if err != nil {
		t.Fatalf("PendingReconciliations: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("expected one marker, got %d", len(markers))
	}
	if m := markers[0]; m.Transition != TransitionFundDeposit || m.ExternalTxID == "" || m.Cause == "" {
		t.Fatalf("unexpected marker %+v", m)
	}
}

func TestIdempotencyReserveFailureAfterSettlementFlagsReconciliation(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	ctx := context.Background()

	// The key is taken by another project between lookup and reserve.
	h.world.mu.Lock()
	h.world.idem["fund-1"] = IdempotencyRecord{Key: "fund-1", ProjectID: "project-2", Transition: TransitionFundDeposit}
	h.world.mu.Unlock()
	idem := raceyIdempotency{fakeIdempotency{h.world}}
	h.svc.deps.Idempotency = idem

	_, err := h.svc.FundDeposit(ctx, CollectRequest{Request: Request{Actor: client, ProjectID: projectID, IdempotencyKey: "fund-1"}})
	wantKind(t, err, fault.KindConflict)

	markers, _ := h.svc.PendingReconciliations(ctx, admin, 10)
	if len(markers) != 1 {
		t.Fatalf("expected one marker, got %d", len(markers))
	}
}

// raceyIdempotency misses keys on lookup, as if another transaction reserved
// them concurrently.
type raceyIdempotency struct{ fakeIdempotency }

func (raceyIdempotency) Lookup(context.Context, pgx.Tx, string) (IdempotencyRecord, bool, error) {
	return IdempotencyRecord{}, false, nil
}

func TestUnvoidedChargeFlagsReconciliation(t *testing.T) {
	h := newHarness(t)
	h.deploy(t)
	ctx := context.Background()

	h.ledger.FailNext(settlement.OpCollectDeposit, &settlement.PartialEffectError{ChargeID: "ch_stranded", Err: errors.New("escrow_fund: 502")})
	_, err := h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindExternal)

	if n := len(h.world.paymentsOf(projectID)); n != 0 {
		t.Fatalf("expected no payment, got %d", n)
	}
	markers, _ := h.svc.PendingReconciliations(ctx, admin, 10)
	if len(markers) != 1 || markers[0].ExternalTxID != "ch_stranded" {
		t.Fatalf("expected a marker for ch_stranded, got %+v", markers)
	}

	// A plain adapter failure had no effect and needs no marker.
	h.ledger.FailNext(settlement.OpCollectDeposit, errors.New("node unreachable"))
	_, err = h.svc.FundDeposit(ctx, CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindExternal)
	markers, _ = h.svc.PendingReconciliations(ctx, admin, 10)
	if len(markers) != 1 {
		t.Fatalf("expected still one marker, got %d", len(markers))
	}
}

func TestRefundRejectedWhileDisputeOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t)
	h.submit(t)
	disputeID := h.openDispute(t)

	_, err := h.svc.Refund(ctx, AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeRefundFunds)})
	wantKind(t, err, fault.KindPrecondition)
	if n := h.ledger.CallCount(settlement.OpRefund); n != 0 {
		t.Fatalf("expected no refund call, got %d", n)
	}

	res, err := h.svc.Arbitrate(ctx, ArbitrateRequest{
		Request:    req(admin),
		DisputeID:  disputeID,
		Decision:   dispute.DecisionRefund,
		StepUpCode: h.stepup.issue(adminID, stepup.PurposeArbitrateDispute),
	})
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if res.Project.Status != project.StatusRefunded || res.Dispute.Status != dispute.StatusArbitrated {
		t.Fatalf("expected REFUNDED project with ARBITRATED dispute, got %s / %s", res.Project.Status, res.Dispute.Status)
	}
}

func TestCommitFailureWithoutAdapterCallNeedsNoMarker(t *testing.T) {
	h := newHarness(t)
	h.pool.FailNextCommits(errors.New("connection reset"))
	_, err := h.svc.Cancel(context.Background(), CancelRequest{Request: req(client)})
	h.pool.FailNextCommits(nil)
	wantKind(t, err, fault.KindInternal)

	markers, _ := h.svc.PendingReconciliations(context.Background(), admin, 10)
	if len(markers) != 0 {
		t.Fatalf("expected no markers, got %d", len(markers))
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Cancel(ctx, CancelRequest{Request: req(designer)})
	wantKind(t, err, fault.KindPrecondition)

	res, err := h.svc.Cancel(ctx, CancelRequest{Request: req(client), Reason: "budget withdrawn"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Project.Status != project.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Project.Status)
	}
	events := h.world.timelineOf(projectID, proof.EventProjectCancelled)
	if len(events) != 1 || events[0].Payload["reason"] != "budget withdrawn" {
		t.Fatalf("expected cancellation event with reason, got %+v", events)
	}

	_, err = h.svc.Cancel(ctx, CancelRequest{Request: req(admin)})
	wantKind(t, err, fault.KindPrecondition)
}

func TestCancelAfterFundingRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t)
	_, err := h.svc.Cancel(context.Background(), CancelRequest{Request: req(admin)})
	wantKind(t, err, fault.KindPrecondition)
}

func TestNotificationsFollowCommits(t *testing.T) {
	h := newHarness(t)
	h.fund(t)

	h.ledger.FailNext(settlement.OpCollectBalance, errors.New("declined"))
	h.submit(t)
	_, err := h.svc.ApproveAndPay(context.Background(), CollectRequest{Request: req(client)})
	wantKind(t, err, fault.KindExternal)

	var events []string
	for _, m := range h.world.messages() {
		if m.ProjectID != projectID {
			t.Fatalf("message missing project id: %+v", m)
		}
		events = append(events, m.Event)
	}
	want := []string{proof.EventEscrowDeployed, proof.EventDepositFunded, proof.EventDraftSubmitted}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}

	h.openDispute(t)
	msgs := h.world.messages()
	last := msgs[len(msgs)-1]
	if last.Event != proof.EventDisputeOpened || !last.Admins {
		t.Fatalf("dispute notifications must reach admins, got %+v", last)
	}
}

func TestFiatModeWritesNoChainEvents(t *testing.T) {
	h := newHarness(t)
	h.svc.deps.Adapter = settlement.NewFiatAdapter(settlement.NewMockGateway("stripe-test"))
	h.fund(t)
	h.submit(t)
	h.approve(t)
	if _, err := h.svc.Release(context.Background(), AuthorityRequest{Request: req(admin), StepUpCode: h.stepup.issue(adminID, stepup.PurposeReleaseFunds)}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if n := len(h.world.chainOf(projectID, "")); n != 0 {
		t.Fatalf("fiat mode must not write chain events, got %d", n)
	}
	for _, r := range h.world.paymentsOf(projectID) {
		switch r.Type {
		case payment.TypeDeposit, payment.TypeBalance:
			if r.ExternalRef == nil || *r.ExternalRef == "" {
				t.Fatalf("expected gateway charge id on %s", r.Type)
			}
		case payment.TypeRelease:
			if r.ExternalRef != nil {
				t.Fatalf("expected no external ref on release, got %s", *r.ExternalRef)
			}
		}
	}
}

func TestNewServiceRequiresDeps(t *testing.T) {
	if _, err := NewService(nil, Deps{}); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewService(testutil.NewFakePool(), Deps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}
