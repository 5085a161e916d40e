package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/fault"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/settlement"
	"escrowflow/stepup"
)

// Transition names used for idempotency scoping, logs and metrics.
const (
	TransitionDeploy      = "deploy_escrow"
	TransitionFundDeposit = "fund_deposit"
	TransitionSubmitDraft = "submit_draft"
	TransitionApprove     = "approve_and_pay"
	TransitionOpenDispute = "open_dispute"
	TransitionArbitrate   = "arbitrate"
	TransitionRelease     = "release_funds"
	TransitionRefund      = "refund_funds"
	TransitionPause       = "pause_escrow"
	TransitionResume      = "resume_escrow"
	TransitionCancel      = "cancel"
)

// Request fields shared by every transition.
type Request struct {
	Actor          auth.Actor
	ProjectID      string
	IdempotencyKey string
}

type DeployRequest struct {
	Request
	ClientAddress   string
	OperatorAddress string
}

// CollectRequest funds the escrow. Method is "<kind>" or "<kind>:<instrument>".
type CollectRequest struct {
	Request
	Method string
}

type SubmitDraftRequest struct {
	Request
	FileName string
	FileURL  string
	SHA256   string
}

type OpenDisputeRequest struct {
	Request
	Description string
	Files       []dispute.FileRef
}

type ArbitrateRequest struct {
	Request
	DisputeID      string
	Decision       dispute.Decision
	ClientPercent  *int
	CompanyPercent *int
	StepUpCode     string
}

// AuthorityRequest is an admin action gated by a step-up code.
type AuthorityRequest struct {
	Request
	StepUpCode string
}

type CancelRequest struct {
	Request
	Reason string
}

// requireFundsMovable is the single guard shared by every fund-moving transition.
func requireFundsMovable(p project.Project) error {
	if p.Status.Terminal() {
		return fault.Precondition(fmt.Sprintf("project is %s; funds can no longer move", p.Status))
	}
	if p.Paused {
		return fault.Precondition("escrow is paused")
	}
	return nil
}

func requireEscrow(p project.Project) error {
	if !p.HasEscrow() {
		return fault.Precondition("escrow has not been deployed")
	}
	return nil
}

func requireStatus(p project.Project, want ...project.Status) error {
	for _, st := range want {
		if p.Status == st {
			return nil
		}
	}
	return fault.Precondition(fmt.Sprintf("project is %s", p.Status))
}

func requireAdmin(a auth.Actor) error {
	if !a.IsAdmin() {
		return fault.Precondition("only an admin can perform this action")
	}
	return nil
}

func requireOwningClient(a auth.Actor, p project.Project) error {
	if a.Role != auth.RoleClient || a.ID != p.ClientID {
		return fault.Precondition("only the project's client can perform this action")
	}
	return nil
}

func parties(p project.Project) []string {
	ids := []string{p.ClientID}
	if p.DesignerID != "" && p.DesignerID != p.ClientID {
		ids = append(ids, p.DesignerID)
	}
	return ids
}

func (s *Service) setStatus(ctx context.Context, tx pgx.Tx, c *change, p project.Project, st project.Status) error {
	if err := s.deps.Projects.UpdateStatus(ctx, tx, project.StatusUpdate{ID: p.ID, Status: st}); err != nil {
		return err
	}
	c.result.Project.Status = st
	return nil
}

// requireUncollected rejects a second collection of typ before the adapter is
// asked to charge again.
func (s *Service) requireUncollected(ctx context.Context, tx pgx.Tx, p project.Project, typ payment.Type) error {
	done, err := s.deps.Payments.Collected(ctx, tx, p.ID, typ)
	if err != nil {
		return err
	}
	if done {
		return fault.Preconditionf(payment.ErrDuplicateCollection, "%s already collected", strings.ToLower(string(typ)))
	}
	return nil
}

func (s *Service) recordPayment(ctx context.Context, tx pgx.Tx, c *change, p project.Project, typ payment.Type, amount decimal.Decimal) error {
	rec, err := s.deps.Payments.Record(ctx, tx, payment.RecordParams{
		ID:          s.newID(),
		ProjectID:   p.ID,
		Type:        typ,
		Amount:      amount,
		ExternalRef: c.receipt.ExternalRef(),
		Gateway:     c.receipt.Gateway,
	})
	if err != nil {
		return err
	}
	c.result.Payment = &rec
	return nil
}

// DeployEscrow opens the external escrow for a DRAFT project.
func (s *Service) DeployEscrow(ctx context.Context, req DeployRequest) (Result, error) {
	return s.run(ctx, TransitionDeploy, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireAdmin(req.Actor); err != nil {
			return err
		}
		if err := requireStatus(p, project.StatusDraft); err != nil {
			return err
		}
		if p.HasEscrow() {
			return fault.Precondition("escrow already deployed")
		}
		clientAddr := req.ClientAddress
		if clientAddr == "" {
			clientAddr = settlement.AddressFor(p.ClientID)
		}

		dep, err := settle(ctx, s, c, settlement.OpDeploy, func(cctx context.Context) (settlement.Deployment, error) {
			return s.deps.Adapter.Deploy(cctx, settlement.DeployParams{
				ProjectID:       p.ID,
				ClientAddress:   clientAddr,
				OperatorAddress: req.OperatorAddress,
				Deposit:         p.Deposit,
				Balance:         p.Balance,
			})
		})
		if err != nil {
			return err
		}
		c.receipt = settlement.Receipt{TxID: dep.TxID}
		c.payload = map[string]any{"escrowRef": dep.EscrowRef, "chainId": dep.ChainID, "mode": string(s.deps.Adapter.Mode())}

		if err := s.deps.Projects.SetEscrow(ctx, tx, p.ID, dep.EscrowRef, dep.ChainID); err != nil {
			return err
		}
		ref, chainID := dep.EscrowRef, dep.ChainID
		c.result.Project.EscrowRef = &ref
		if chainID != "" {
			c.result.Project.ChainID = &chainID
		}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventEscrowDeployed,
			Message:   "Escrow deployed",
			ChainID:   dep.ChainID,
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventEscrowDeployed,
			UserIDs: parties(p),
			Title:   "Escrow ready",
			Body:    fmt.Sprintf("The escrow for %q is ready for the deposit.", p.Title),
		}
		return nil
	})
}

// FundDeposit collects the deposit from the owning client.
func (s *Service) FundDeposit(ctx context.Context, req CollectRequest) (Result, error) {
	return s.run(ctx, TransitionFundDeposit, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireOwningClient(req.Actor, p); err != nil {
			return err
		}
		if err := requireStatus(p, project.StatusDraft); err != nil {
			return err
		}
		if err := requireFundsMovable(p); err != nil {
			return err
		}
		if err := requireEscrow(p); err != nil {
			return err
		}

		if err := s.requireUncollected(ctx, tx, p, payment.TypeDeposit); err != nil {
			return err
		}

		rc, err := settle(ctx, s, c, settlement.OpCollectDeposit, func(cctx context.Context) (settlement.Receipt, error) {
			return s.deps.Adapter.CollectDeposit(cctx, settlement.CollectParams{
				EscrowRef: p.EscrowRefValue(),
				ProjectID: p.ID,
				Amount:    p.Deposit,
				Method:    req.Method,
			})
		})
		if err != nil {
			return err
		}
		c.receipt = rc
		c.payload = map[string]any{"amount": p.Deposit.StringFixed(2), "method": rc.Gateway.Method}

		if err := s.recordPayment(ctx, tx, c, p, payment.TypeDeposit, p.Deposit); err != nil {
			return err
		}
		if err := s.setStatus(ctx, tx, c, p, project.StatusFunded); err != nil {
			return err
		}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventDepositFunded,
			Message:   fmt.Sprintf("Deposit of %s funded", p.Deposit.StringFixed(2)),
			ChainID:   deref(p.ChainID),
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventDepositFunded,
			UserIDs: parties(p),
			Title:   "Deposit funded",
			Body:    fmt.Sprintf("The deposit for %q is held in escrow.", p.Title),
		}
		return nil
	})
}

// SubmitDraft records a new deliverable version and starts the review window.
func (s *Service) SubmitDraft(ctx context.Context, req SubmitDraftRequest) (Result, error) {
	return s.run(ctx, TransitionSubmitDraft, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		switch {
		case req.Actor.IsAdmin():
		case req.Actor.Role == auth.RoleDesigner && req.Actor.ID == p.DesignerID:
		default:
			return fault.Precondition("only the assigned designer or an admin can submit drafts")
		}
		if p.Status == project.StatusDisputed {
			return fault.Precondition("drafts cannot be submitted while a dispute is open")
		}
		// Drafts follow the deposit and stop once the balance is paid.
		if err := requireStatus(p, project.StatusFunded, project.StatusDraftSubmitted); err != nil {
			return err
		}
		params := draft.CreateParams{
			ID:         s.newID(),
			ProjectID:  p.ID,
			UploaderID: req.Actor.ID,
			FileName:   req.FileName,
			FileURL:    req.FileURL,
			SHA256:     req.SHA256,
		}
		if err := draft.ValidateCreate(params); err != nil {
			return err
		}

		d, err := s.deps.Drafts.Create(ctx, tx, params)
		if err != nil {
			return err
		}
		c.result.Draft = &d
		due := s.now().UTC().Add(s.reviewWindow)
		if err := s.deps.Projects.UpdateStatus(ctx, tx, project.StatusUpdate{
			ID:          p.ID,
			Status:      project.StatusDraftSubmitted,
			ReviewDueAt: &due,
		}); err != nil {
			return err
		}
		c.result.Project.Status = project.StatusDraftSubmitted
		c.result.Project.ReviewDueAt = &due
		c.payload = map[string]any{"draftId": d.ID, "version": d.Version, "sha256": d.SHA256}

		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventDraftSubmitted,
			Message:   fmt.Sprintf("Draft v%d submitted: %s", d.Version, d.FileName),
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventDraftSubmitted,
			UserIDs: []string{p.ClientID},
			Title:   "New draft to review",
			Body:    fmt.Sprintf("Draft v%d of %q is ready. Review it by %s.", d.Version, p.Title, due.Format("2006-01-02")),
		}
		return nil
	})
}

// ApproveAndPay approves the submitted draft and collects the balance.
func (s *Service) ApproveAndPay(ctx context.Context, req CollectRequest) (Result, error) {
	return s.run(ctx, TransitionApprove, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireOwningClient(req.Actor, p); err != nil {
			return err
		}
		if err := requireStatus(p, project.StatusDraftSubmitted); err != nil {
			return err
		}
		if err := requireFundsMovable(p); err != nil {
			return err
		}
		if err := requireEscrow(p); err != nil {
			return err
		}

		if err := s.requireUncollected(ctx, tx, p, payment.TypeBalance); err != nil {
			return err
		}

		rc, err := settle(ctx, s, c, settlement.OpCollectBalance, func(cctx context.Context) (settlement.Receipt, error) {
			return s.deps.Adapter.CollectBalance(cctx, settlement.CollectParams{
				EscrowRef: p.EscrowRefValue(),
				ProjectID: p.ID,
				Amount:    p.Balance,
				Method:    req.Method,
			})
		})
		if err != nil {
			return err
		}
		c.receipt = rc
		c.payload = map[string]any{"amount": p.Balance.StringFixed(2), "method": rc.Gateway.Method}

		if err := s.recordPayment(ctx, tx, c, p, payment.TypeBalance, p.Balance); err != nil {
			return err
		}
		if err := s.setStatus(ctx, tx, c, p, project.StatusApproved); err != nil {
			return err
		}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventBalancePaid,
			Message:   fmt.Sprintf("Draft approved; balance of %s paid", p.Balance.StringFixed(2)),
			ChainID:   deref(p.ChainID),
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventBalancePaid,
			UserIDs: parties(p),
			Title:   "Draft approved",
			Body:    fmt.Sprintf("The client approved %q and paid the balance.", p.Title),
		}
		return nil
	})
}

// OpenDispute contests the submitted or approved draft.
func (s *Service) OpenDispute(ctx context.Context, req OpenDisputeRequest) (Result, error) {
	return s.run(ctx, TransitionOpenDispute, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireOwningClient(req.Actor, p); err != nil {
			return err
		}
		if err := requireStatus(p, project.StatusDraftSubmitted, project.StatusApproved); err != nil {
			return err
		}
		params := dispute.OpenParams{
			ID:          s.newID(),
			ProjectID:   p.ID,
			OpenerID:    req.Actor.ID,
			Description: req.Description,
			Files:       req.Files,
		}
		if err := dispute.ValidateOpen(params); err != nil {
			return err
		}
		open, err := s.deps.Disputes.HasOpen(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if open {
			return dispute.ErrAlreadyOpen
		}

		d, err := s.deps.Disputes.Create(ctx, tx, params)
		if err != nil {
			return err
		}
		c.result.Dispute = &d
		if err := s.setStatus(ctx, tx, c, p, project.StatusDisputed); err != nil {
			return err
		}
		c.payload = map[string]any{"disputeId": d.ID, "files": len(d.Files)}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventDisputeOpened,
			Message:   "Dispute opened",
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventDisputeOpened,
			UserIDs: parties(p),
			Admins:  true,
			Title:   "Dispute opened",
			Body:    fmt.Sprintf("A dispute was opened on %q and awaits arbitration.", p.Title),
		}
		return nil
	})
}

// Arbitrate settles an OPEN dispute as RELEASE, REFUND or SPLIT.
func (s *Service) Arbitrate(ctx context.Context, req ArbitrateRequest) (Result, error) {
	projectID := req.ProjectID
	if projectID == "" && req.DisputeID != "" {
		d, err := s.deps.Disputes.Get(ctx, req.DisputeID)
		if err != nil {
			if errors.Is(err, dispute.ErrNotFound) {
				return Result{}, fault.NotFound("dispute not found", err)
			}
			return Result{}, fault.New(fault.KindInternal, "load dispute", err)
		}
		projectID = d.ProjectID
	}
	return s.run(ctx, TransitionArbitrate, projectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireAdmin(req.Actor); err != nil {
			return err
		}
		ruling, err := dispute.NewRuling(req.Decision, req.ClientPercent, req.CompanyPercent)
		if err != nil {
			return fault.Preconditionf(err, "%s", err.Error())
		}
		d, err := s.deps.Disputes.LockForUpdate(ctx, tx, req.DisputeID)
		if err != nil {
			return err
		}
		if d.ProjectID != p.ID {
			return fault.NotFound("dispute not found", dispute.ErrNotFound)
		}
		if d.Status != dispute.StatusOpen {
			return dispute.ErrBadStatus
		}
		if err := requireEscrow(p); err != nil {
			return err
		}
		if err := requireFundsMovable(p); err != nil {
			return err
		}
		if err := s.verifyStepUp(ctx, tx, req.Actor.ID, stepup.PurposeArbitrateDispute, req.StepUpCode); err != nil {
			return err
		}

		held, err := s.deps.Payments.HeldAmount(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var (
			status project.Status
			typ    payment.Type
			op     settlement.Op
			call   func(context.Context) (settlement.Receipt, error)
		)
		ref := p.EscrowRefValue()
		switch ruling.Decision {
		case dispute.DecisionRelease:
			status, typ, op = project.StatusReleased, payment.TypeRelease, settlement.OpRelease
			call = func(cctx context.Context) (settlement.Receipt, error) { return s.deps.Adapter.Release(cctx, ref) }
		case dispute.DecisionRefund:
			status, typ, op = project.StatusRefunded, payment.TypeRefund, settlement.OpRefund
			call = func(cctx context.Context) (settlement.Receipt, error) { return s.deps.Adapter.Refund(cctx, ref) }
		default:
			status, typ, op = project.StatusResolved, payment.TypeSplit, settlement.OpSplit
			pct := *ruling.ClientPercent
			call = func(cctx context.Context) (settlement.Receipt, error) { return s.deps.Adapter.Split(cctx, ref, pct) }
		}

		rc, err := settle(ctx, s, c, op, call)
		if err != nil {
			return err
		}
		c.receipt = rc
		c.payload = map[string]any{"disputeId": d.ID, "decision": string(ruling.Decision), "amount": held.StringFixed(2)}
		if ruling.ClientPercent != nil {
			c.payload["clientPercent"] = *ruling.ClientPercent
			c.payload["companyPercent"] = *ruling.CompanyPercent
		}

		arbitrated, err := s.deps.Disputes.MarkArbitrated(ctx, tx, dispute.ArbitrateParams{
			DisputeID: d.ID,
			DeciderID: req.Actor.ID,
			Ruling:    ruling,
			At:        s.now().UTC(),
		})
		if err != nil {
			return err
		}
		c.result.Dispute = &arbitrated
		if err := s.recordPayment(ctx, tx, c, p, typ, held); err != nil {
			return err
		}
		if err := s.setStatus(ctx, tx, c, p, status); err != nil {
			return err
		}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventDisputeArbitrated,
			Message:   arbitrationMessage(ruling),
			ChainID:   deref(p.ChainID),
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventDisputeArbitrated,
			UserIDs: parties(p),
			Title:   "Dispute arbitrated",
			Body:    fmt.Sprintf("The dispute on %q was decided: %s.", p.Title, arbitrationMessage(ruling)),
		}
		return nil
	})
}

func arbitrationMessage(r dispute.Ruling) string {
	if r.Decision == dispute.DecisionSplit && r.ClientPercent != nil {
		return fmt.Sprintf("Split %d%% to client, %d%% to company", *r.ClientPercent, 100-*r.ClientPercent)
	}
	return fmt.Sprintf("Decision %s", r.Decision)
}

// Release pays the held funds out to the designer side.
func (s *Service) Release(ctx context.Context, req AuthorityRequest) (Result, error) {
	return s.run(ctx, TransitionRelease, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireAdmin(req.Actor); err != nil {
			return err
		}
		if err := requireStatus(p, project.StatusApproved); err != nil {
			return err
		}
		if err := requireFundsMovable(p); err != nil {
			return err
		}
		if err := requireEscrow(p); err != nil {
			return err
		}
		return s.payout(ctx, tx, p, c, req, payout{
			purpose: stepup.PurposeReleaseFunds,
			op:      settlement.OpRelease,
			typ:     payment.TypeRelease,
			status:  project.StatusReleased,
			event:   proof.EventFundsReleased,
			title:   "Funds released",
			call:    s.deps.Adapter.Release,
		})
	})
}

// Refund returns the held funds to the client from any non-terminal status. An
// open dispute must be settled through Arbitrate instead.
func (s *Service) Refund(ctx context.Context, req AuthorityRequest) (Result, error) {
	return s.run(ctx, TransitionRefund, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireAdmin(req.Actor); err != nil {
			return err
		}
		if err := requireFundsMovable(p); err != nil {
			return err
		}
		if err := requireEscrow(p); err != nil {
			return err
		}
		open, err := s.deps.Disputes.HasOpen(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if open {
			return fault.Preconditionf(dispute.ErrAlreadyOpen, "project has an open dispute; arbitrate it with a REFUND decision")
		}
		return s.payout(ctx, tx, p, c, req, payout{
			purpose: stepup.PurposeRefundFunds,
			op:      settlement.OpRefund,
			typ:     payment.TypeRefund,
			status:  project.StatusRefunded,
			event:   proof.EventFundsRefunded,
			title:   "Funds refunded",
			call:    s.deps.Adapter.Refund,
		})
	})
}

type payout struct {
	purpose stepup.Purpose
	op      settlement.Op
	typ     payment.Type
	status  project.Status
	event   string
	title   string
	call    func(ctx context.Context, escrowRef string) (settlement.Receipt, error)
}

func (s *Service) payout(ctx context.Context, tx pgx.Tx, p project.Project, c *change, req AuthorityRequest, po payout) error {
	if err := s.verifyStepUp(ctx, tx, req.Actor.ID, po.purpose, req.StepUpCode); err != nil {
		return err
	}
	held, err := s.deps.Payments.HeldAmount(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	ref := p.EscrowRefValue()
	rc, err := settle(ctx, s, c, po.op, func(cctx context.Context) (settlement.Receipt, error) {
		return po.call(cctx, ref)
	})
	if err != nil {
		return err
	}
	c.receipt = rc
	c.payload = map[string]any{"amount": held.StringFixed(2), "from": string(p.Status)}

	if err := s.recordPayment(ctx, tx, c, p, po.typ, held); err != nil {
		return err
	}
	if err := s.setStatus(ctx, tx, c, p, po.status); err != nil {
		return err
	}
	if err := s.timeline(ctx, tx, c, proof.AppendParams{
		ProjectID: p.ID,
		ActorID:   req.Actor.ID,
		Type:      po.event,
		Message:   fmt.Sprintf("%s: %s", po.title, held.StringFixed(2)),
		ChainID:   deref(p.ChainID),
	}); err != nil {
		return err
	}
	c.notify = &notify.Message{
		Event:   po.event,
		UserIDs: parties(p),
		Title:   po.title,
		Body:    fmt.Sprintf("%s for %q: %s.", po.title, p.Title, held.StringFixed(2)),
	}
	return nil
}

// Pause freezes every fund-moving transition on the project.
func (s *Service) Pause(ctx context.Context, req AuthorityRequest) (Result, error) {
	return s.togglePause(ctx, req, true)
}

// Resume lifts a pause.
func (s *Service) Resume(ctx context.Context, req AuthorityRequest) (Result, error) {
	return s.togglePause(ctx, req, false)
}

func (s *Service) togglePause(ctx context.Context, req AuthorityRequest, paused bool) (Result, error) {
	name, purpose, op, event, title := TransitionResume, stepup.PurposeResumeEscrow, settlement.OpUnpause, proof.EventEscrowResumed, "Escrow resumed"
	if paused {
		name, purpose, op, event, title = TransitionPause, stepup.PurposePauseEscrow, settlement.OpPause, proof.EventEscrowPaused, "Escrow paused"
	}
	return s.run(ctx, name, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if err := requireAdmin(req.Actor); err != nil {
			return err
		}
		if err := requireEscrow(p); err != nil {
			return err
		}
		if paused && p.Paused {
			return fault.Precondition("escrow is already paused")
		}
		if !paused && !p.Paused {
			return fault.Precondition("escrow is not paused")
		}
		if err := s.verifyStepUp(ctx, tx, req.Actor.ID, purpose, req.StepUpCode); err != nil {
			return err
		}

		ref := p.EscrowRefValue()
		rc, err := settle(ctx, s, c, op, func(cctx context.Context) (settlement.Receipt, error) {
			if paused {
				return s.deps.Adapter.Pause(cctx, ref)
			}
			return s.deps.Adapter.Unpause(cctx, ref)
		})
		if err != nil {
			return err
		}
		c.receipt = rc
		c.payload = map[string]any{"paused": paused}

		if err := s.deps.Projects.SetPaused(ctx, tx, p.ID, paused); err != nil {
			return err
		}
		c.result.Project.Paused = paused
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      event,
			Message:   title,
			ChainID:   deref(p.ChainID),
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   event,
			UserIDs: parties(p),
			Title:   title,
			Body:    fmt.Sprintf("%s for %q.", title, p.Title),
		}
		return nil
	})
}

// Cancel abandons a project before any funds were collected.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (Result, error) {
	return s.run(ctx, TransitionCancel, req.ProjectID, req.IdempotencyKey, func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error {
		if !req.Actor.IsAdmin() {
			if err := requireOwningClient(req.Actor, p); err != nil {
				return fault.Precondition("only the project's client or an admin can cancel")
			}
		}
		if err := requireStatus(p, project.StatusDraft); err != nil {
			return err
		}
		if err := s.setStatus(ctx, tx, c, p, project.StatusCancelled); err != nil {
			return err
		}
		c.payload = map[string]any{}
		if req.Reason != "" {
			c.payload["reason"] = req.Reason
		}
		if err := s.timeline(ctx, tx, c, proof.AppendParams{
			ProjectID: p.ID,
			ActorID:   req.Actor.ID,
			Type:      proof.EventProjectCancelled,
			Message:   "Project cancelled",
		}); err != nil {
			return err
		}
		c.notify = &notify.Message{
			Event:   proof.EventProjectCancelled,
			UserIDs: parties(p),
			Title:   "Project cancelled",
			Body:    fmt.Sprintf("%q was cancelled.", p.Title),
		}
		return nil
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
