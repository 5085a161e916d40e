// Package escrow is the project lifecycle state machine. Every transition locks
// the project row, re-validates role, status and pause flag, calls the
// settlement adapter, and commits status, payment, proof and notification
// writes as one transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/fault"
	"escrowflow/metrics"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/settlement"
	"escrowflow/stepup"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Projects interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (project.Project, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, u project.StatusUpdate) error
	SetPaused(ctx context.Context, tx pgx.Tx, id string, paused bool) error
	SetEscrow(ctx context.Context, tx pgx.Tx, id, ref, chainID string) error
}

type Payments interface {
	Record(ctx context.Context, tx pgx.Tx, p payment.RecordParams) (payment.Record, error)
	HeldAmount(ctx context.Context, tx pgx.Tx, projectID string) (decimal.Decimal, error)
	Collected(ctx context.Context, tx pgx.Tx, projectID string, typ payment.Type) (bool, error)
}

type Proofs interface {
	AppendTimeline(ctx context.Context, tx pgx.Tx, p proof.AppendParams) error
	AppendChainEvent(ctx context.Context, tx pgx.Tx, p proof.AppendParams) error
}

type Disputes interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
	HasOpen(ctx context.Context, tx pgx.Tx, projectID string) (bool, error)
	Create(ctx context.Context, tx pgx.Tx, p dispute.OpenParams) (dispute.Record, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error)
	MarkArbitrated(ctx context.Context, tx pgx.Tx, p dispute.ArbitrateParams) (dispute.Record, error)
}

type Drafts interface {
	Create(ctx context.Context, tx pgx.Tx, p draft.CreateParams) (draft.Draft, error)
}

type StepUp interface {
	VerifyTx(ctx context.Context, tx pgx.Tx, actorID string, purpose stepup.Purpose, code string) error
}

type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, m notify.Message) error
}

// Deps are the collaborators of the state machine.
type Deps struct {
	Projects        Projects
	Payments        Payments
	Proofs          Proofs
	Disputes        Disputes
	Drafts          Drafts
	StepUp          StepUp
	Notifier        Notifier
	Idempotency     IdempotencyStore
	Reconciliations ReconciliationStore
	Adapter         settlement.Adapter
}

func (d Deps) validate() error {
	switch {
	case d.Projects == nil:
		return errors.New("escrow: missing project repository")
	case d.Payments == nil:
		return errors.New("escrow: missing payment ledger")
	case d.Proofs == nil:
		return errors.New("escrow: missing proof ledger")
	case d.Disputes == nil:
		return errors.New("escrow: missing dispute repository")
	case d.Drafts == nil:
		return errors.New("escrow: missing draft repository")
	case d.StepUp == nil:
		return errors.New("escrow: missing step-up guard")
	case d.Idempotency == nil:
		return errors.New("escrow: missing idempotency store")
	case d.Reconciliations == nil:
		return errors.New("escrow: missing reconciliation store")
	case d.Adapter == nil:
		return errors.New("escrow: missing settlement adapter")
	}
	return nil
}

const (
	defaultAdapterTimeout = 15 * time.Second
	defaultReviewWindow   = 7 * 24 * time.Hour
)

type Service struct {
	pool           TxBeginner
	deps           Deps
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	adapterTimeout time.Duration
	reviewWindow   time.Duration
}

func NewService(pool TxBeginner, deps Deps) (*Service, error) {
	if pool == nil {
		return nil, errors.New("escrow: missing pool")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Service{
		pool:           pool,
		deps:           deps,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         slog.Default(),
		adapterTimeout: defaultAdapterTimeout,
		reviewWindow:   defaultReviewWindow,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(newID func() string) *Service {
	s.newID = newID
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Service) WithAdapterTimeout(d time.Duration) *Service {
	if d > 0 {
		s.adapterTimeout = d
	}
	return s
}

func (s *Service) WithReviewWindow(d time.Duration) *Service {
	if d > 0 {
		s.reviewWindow = d
	}
	return s
}

// Result is what a committed (or replayed) transition returns.
type Result struct {
	Project      project.Project
	Payment      *payment.Record
	Dispute      *dispute.Record
	Draft        *draft.Draft
	ExternalTxID string
	Replayed     bool
}

// change accumulates the effects of one transition while its tx is open.
type change struct {
	result  Result
	receipt settlement.Receipt
	called  bool
	notify  *notify.Message
	payload map[string]any
}

type applyFunc func(ctx context.Context, tx pgx.Tx, p project.Project, c *change) error

// run executes one transition under the project row lock. The idempotency key is
// checked before apply and reserved in the same commit.
func (s *Service) run(ctx context.Context, name, projectID, key string, apply applyFunc) (Result, error) {
	res, err := s.runTx(ctx, name, projectID, key, apply)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = strings.ToLower(string(fault.KindOf(err)))
	case res.Replayed:
		outcome = "replayed"
	}
	metrics.Escrow().ObserveTransition(name, outcome)
	return res, err
}

func (s *Service) runTx(ctx context.Context, name, projectID, key string, apply applyFunc) (Result, error) {
	if strings.TrimSpace(projectID) == "" {
		return Result{}, fault.Invalid("project id is required")
	}
	key = strings.TrimSpace(key)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fault.New(fault.KindInternal, "begin transaction", fmt.Errorf("escrow: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	p, err := s.deps.Projects.LockForUpdate(ctx, tx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return Result{}, fault.NotFound("project not found", err)
		}
		return Result{}, fault.New(fault.KindInternal, "load project", err)
	}

	if key != "" {
		prior, found, err := s.deps.Idempotency.Lookup(ctx, tx, key)
		if err != nil {
			return Result{}, fault.New(fault.KindInternal, "check idempotency key", err)
		}
		if found {
			if prior.ProjectID != p.ID || prior.Transition != name {
				return Result{}, fault.New(fault.KindConflict, "idempotency key already used for another request", ErrIdempotencyMismatch)
			}
			s.logger.Info("transition replayed", "transition", name, "project_id", p.ID, "idempotency_key", key)
			return Result{Project: p, Replayed: true}, nil
		}
	}

	c := &change{result: Result{Project: p}}
	// Once the adapter has acted, every abort below leaves an external effect
	// without a local record.
	abort := func(err error) (Result, error) {
		if c.called {
			s.flagReconciliation(ctx, name, p.ID, c, err)
		}
		return Result{}, err
	}
	if err := apply(ctx, tx, p, c); err != nil {
		return abort(s.classify(name, p.ID, err))
	}

	if key != "" {
		if err := s.deps.Idempotency.Reserve(ctx, tx, key, p.ID, name); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return abort(fault.New(fault.KindConflict, "idempotency key already used for another request", err))
			}
			return abort(fault.New(fault.KindInternal, "reserve idempotency key", err))
		}
	}
	if c.notify != nil && s.deps.Notifier != nil {
		msg := *c.notify
		msg.ProjectID = p.ID
		msg.CreatedAt = s.now().UTC()
		if err := s.deps.Notifier.Enqueue(ctx, tx, msg); err != nil {
			return abort(fault.New(fault.KindInternal, "enqueue notification", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return abort(fault.New(fault.KindInternal, "commit transition", fmt.Errorf("escrow: commit %s: %w", name, err)))
	}

	c.result.ExternalTxID = c.receipt.ExternalRef()
	s.logger.Info("transition committed",
		"transition", name,
		"project_id", p.ID,
		"status", c.result.Project.Status,
		"paused", c.result.Project.Paused,
		"external_tx_id", c.result.ExternalTxID)
	return c.result, nil
}

// classify maps repository sentinels to fault kinds. Errors that already carry a
// kind pass through.
func (s *Service) classify(name, projectID string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fault.KindAuthorization:
			s.logger.Warn("transition rejected: step-up failed",
				"transition", name, "project_id", projectID, "reason", stepup.Reason(fe.Err))
		case fault.KindExternal:
			s.logger.Warn("transition aborted: settlement call failed",
				"transition", name, "project_id", projectID, "error", fe.Err)
		case fault.KindInternal:
			s.logger.Error("transition failed", "transition", name, "project_id", projectID, "error", err)
		}
		return err
	}
	switch {
	case errors.Is(err, dispute.ErrAlreadyOpen):
		return fault.Preconditionf(err, "project already has an open dispute")
	case errors.Is(err, dispute.ErrNotFound):
		return fault.NotFound("dispute not found", err)
	case errors.Is(err, dispute.ErrBadStatus):
		return fault.Preconditionf(err, "dispute is not open")
	case errors.Is(err, payment.ErrDuplicateCollection):
		return fault.Preconditionf(err, "payment already collected")
	case errors.Is(err, draft.ErrInvalidDraft),
		errors.Is(err, dispute.ErrDescriptionTooShort),
		errors.Is(err, dispute.ErrInvalidInput):
		return fault.New(fault.KindInvalid, err.Error(), err)
	}
	s.logger.Error("transition failed", "transition", name, "project_id", projectID, "error", err)
	return fault.New(fault.KindInternal, "transition failed", err)
}

// settle calls the adapter with the per-call timeout and records metrics.
func settle[T any](ctx context.Context, s *Service, c *change, op settlement.Op, call func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	defer cancel()

	start := time.Now()
	out, err := call(cctx)
	metrics.Escrow().ObserveAdapterCall(string(op), err, time.Since(start))
	if err != nil {
		var partial *settlement.PartialEffectError
		if errors.As(err, &partial) {
			c.called = true
			c.receipt = settlement.Receipt{ChargeID: partial.ChargeID}
		}
		var zero T
		return zero, fault.External(string(op), err)
	}
	c.called = true
	return out, nil
}

// flagReconciliation records an external effect whose transition did not
// commit. It writes outside the transition's tx, which is about to roll back.
func (s *Service) flagReconciliation(ctx context.Context, name, projectID string, c *change, cause error) {
	ref := c.receipt.ExternalRef()
	s.logger.Error("reconciliation required: settlement effect has no committed record",
		"transition", name,
		"project_id", projectID,
		"external_tx_id", ref,
		"error", cause)
	metrics.Escrow().IncReconciliationMarker()
	if ref == "" {
		return
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	marker := Marker{
		ID:           s.newID(),
		ProjectID:    projectID,
		Transition:   name,
		ExternalTxID: ref,
		Payload:      c.payload,
		Cause:        cause.Error(),
		Status:       MarkerPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.deps.Reconciliations.Mark(mctx, marker); err != nil {
		s.logger.Error("failed to persist reconciliation marker",
			"transition", name, "project_id", projectID, "external_tx_id", ref, "error", err)
	}
}

// verifyStepUp consumes the code inside the transition's tx.
func (s *Service) verifyStepUp(ctx context.Context, tx pgx.Tx, actorID string, purpose stepup.Purpose, code string) error {
	err := s.deps.StepUp.VerifyTx(ctx, tx, actorID, purpose, code)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, stepup.ErrExpired),
		errors.Is(err, stepup.ErrConsumed),
		errors.Is(err, stepup.ErrPurposeMismatch),
		errors.Is(err, stepup.ErrNotFound):
		return fault.Authorization(err)
	}
	return fault.New(fault.KindInternal, "verify step-up code", err)
}

// timeline appends the timeline entry and, when a ledger tx exists, the chain event.
func (s *Service) timeline(ctx context.Context, tx pgx.Tx, c *change, p proof.AppendParams) error {
	p.Payload = c.payload
	p.TxRef = c.receipt.ExternalRef()
	if err := s.deps.Proofs.AppendTimeline(ctx, tx, p); err != nil {
		return err
	}
	if c.receipt.TxID == "" {
		return nil
	}
	p.TxRef = c.receipt.TxID
	return s.deps.Proofs.AppendChainEvent(ctx, tx, p)
}
