// Package intake turns approved client briefs into DRAFT projects.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/auth"
	"escrowflow/fault"
	"escrowflow/notify"
	"escrowflow/project"
	"escrowflow/proof"
)

const (
	maxTitleLength = 200
	minBriefLength = 20
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ProjectInserter interface {
	Insert(ctx context.Context, tx pgx.Tx, p project.Project) (project.Project, error)
}

type TimelineWriter interface {
	AppendTimeline(ctx context.Context, tx pgx.Tx, p proof.AppendParams) error
}

type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, m notify.Message) error
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	projects    ProjectInserter
	timeline    TimelineWriter
	notifier    Notifier
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, projects ProjectInserter, timeline TimelineWriter, notifier Notifier) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		projects:    projects,
		timeline:    timeline,
		notifier:    notifier,
		idGenerator: uuid.NewString,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

type SubmitParams struct {
	Actor auth.Actor
	Title string
	Brief string
}

func (s *Service) Submit(ctx context.Context, params SubmitParams) (Request, error) {
	if params.Actor.Role != auth.RoleClient {
		return Request{}, fault.Precondition("only clients can submit an intake request")
	}
	title := strings.TrimSpace(params.Title)
	brief := strings.TrimSpace(params.Brief)
	if title == "" || len(title) > maxTitleLength {
		return Request{}, fault.Invalid(fmt.Sprintf("title must be 1-%d characters", maxTitleLength))
	}
	if len([]rune(brief)) < minBriefLength {
		return Request{}, fault.Invalid(fmt.Sprintf("brief must be at least %d characters", minBriefLength))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("intake: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Request{
		ID:       s.idGenerator(),
		ClientID: params.Actor.ID,
		Title:    title,
		Brief:    brief,
		Status:   StatusPending,
	})
	if err != nil {
		return Request{}, err
	}
	if s.notifier != nil {
		if err := s.notifier.Enqueue(ctx, tx, notify.Message{
			Event:     "INTAKE_SUBMITTED",
			Admins:    true,
			Title:     "New intake request",
			Body:      fmt.Sprintf("%q is waiting for a quote.", created.Title),
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return Request{}, fmt.Errorf("intake: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("intake: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, filters Filters) ([]Request, int, error) {
	if !actor.IsAdmin() {
		filters.ClientID = actor.ID
	}
	return s.repo.List(ctx, filters)
}

type ApproveParams struct {
	Actor      auth.Actor
	RequestID  string
	Quoted     string
	DesignerID string
}

// Approve prices the request and creates its project in DRAFT.
func (s *Service) Approve(ctx context.Context, params ApproveParams) (project.Project, error) {
	if !params.Actor.IsAdmin() {
		return project.Project{}, fault.Precondition("only an admin can approve intake requests")
	}
	if strings.TrimSpace(params.DesignerID) == "" {
		return project.Project{}, fault.Invalid("a designer must be assigned")
	}
	quoted, err := project.ParseAmount(params.Quoted)
	if err != nil {
		return project.Project{}, fault.New(fault.KindInvalid, "quoted amount must be positive with at most two decimals", err)
	}
	deposit, balance, err := project.SplitQuote(quoted)
	if err != nil {
		return project.Project{}, fault.New(fault.KindInvalid, "invalid quoted amount", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return project.Project{}, fmt.Errorf("intake: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.pending(ctx, tx, params.RequestID)
	if err != nil {
		return project.Project{}, err
	}

	intakeID := req.ID
	p, err := s.projects.Insert(ctx, tx, project.Project{
		ID:         s.idGenerator(),
		IntakeID:   &intakeID,
		Title:      req.Title,
		ClientID:   req.ClientID,
		DesignerID: params.DesignerID,
		Quoted:     quoted,
		Deposit:    deposit,
		Balance:    balance,
		Status:     project.StatusDraft,
	})
	if err != nil {
		return project.Project{}, err
	}
	if _, err := s.repo.Decide(ctx, tx, Decision{
		ID:        req.ID,
		Status:    StatusApproved,
		ProjectID: p.ID,
		DecidedBy: params.Actor.ID,
	}); err != nil {
		return project.Project{}, err
	}
	if err := s.timeline.AppendTimeline(ctx, tx, proof.AppendParams{
		ProjectID: p.ID,
		ActorID:   params.Actor.ID,
		Type:      proof.EventProjectCreated,
		Message:   fmt.Sprintf("Project created with quote %s", quoted.StringFixed(2)),
		Payload: map[string]any{
			"intakeId": req.ID,
			"quoted":   quoted.StringFixed(2),
			"deposit":  deposit.StringFixed(2),
			"balance":  balance.StringFixed(2),
		},
	}); err != nil {
		return project.Project{}, fmt.Errorf("intake: append timeline: %w", err)
	}
	if s.notifier != nil {
		if err := s.notifier.Enqueue(ctx, tx, notify.Message{
			ProjectID: p.ID,
			Event:     proof.EventProjectCreated,
			UserIDs:   []string{p.ClientID, p.DesignerID},
			Title:     "Project created",
			Body:      fmt.Sprintf("%q was approved with a quote of %s.", p.Title, quoted.StringFixed(2)),
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return project.Project{}, fmt.Errorf("intake: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return project.Project{}, fmt.Errorf("intake: approve commit: %w", err)
	}
	s.logger.Info("intake approved", "intake_id", req.ID, "project_id", p.ID, "quoted", quoted.StringFixed(2))
	return p, nil
}

type RejectParams struct {
	Actor     auth.Actor
	RequestID string
	Reason    string
}

func (s *Service) Reject(ctx context.Context, params RejectParams) (Request, error) {
	if !params.Actor.IsAdmin() {
		return Request{}, fault.Precondition("only an admin can reject intake requests")
	}
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Request{}, fault.Invalid("a rejection reason is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("intake: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.pending(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	updated, err := s.repo.Decide(ctx, tx, Decision{
		ID:        req.ID,
		Status:    StatusRejected,
		DecidedBy: params.Actor.ID,
		Reason:    reason,
	})
	if err != nil {
		return Request{}, err
	}
	if s.notifier != nil {
		if err := s.notifier.Enqueue(ctx, tx, notify.Message{
			Event:     "INTAKE_REJECTED",
			UserIDs:   []string{req.ClientID},
			Title:     "Intake request declined",
			Body:      reason,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return Request{}, fmt.Errorf("intake: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("intake: reject commit: %w", err)
	}
	return updated, nil
}

func (s *Service) pending(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Request{}, fault.NotFound("intake request not found", err)
		}
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, fault.Precondition(fmt.Sprintf("intake request is already %s", req.Status))
	}
	return req, nil
}
