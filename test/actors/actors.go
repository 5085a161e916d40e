package actors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/notify"
	"escrowflow/project"
	"escrowflow/stepup"
)

// Env is what every actor shares for one run.
type Env struct {
	Pool     *pgxpool.Pool
	Escrow   *escrow.Service
	Guard    *stepup.Guard
	Projects *project.Repository
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// race runs fns at once and reports how many returned nil.
func race(fns ...func() error) int {
	var wg sync.WaitGroup
	errs := make([]error, len(fns))
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn()
		}()
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	return wins
}

func digest(rng *rand.Rand) string {
	buf := make([]byte, 32)
	rng.Read(buf)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Lifecycle walks projects from DRAFT to a terminal status, racing the transitions
// that compete for the same project. Lost races and injected faults are expected;
// two winners of an exclusive race are not.
func Lifecycle(ctx context.Context, env *Env, worker int, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	l := &lifecycle{
		env:      env,
		rng:      rng,
		client:   auth.Actor{ID: fmt.Sprintf("client-%d", worker), Role: auth.RoleClient},
		designer: auth.Actor{ID: fmt.Sprintf("designer-%d", worker), Role: auth.RoleDesigner},
		admin:    auth.Actor{ID: fmt.Sprintf("admin-%d", worker), Role: auth.RoleAdmin},
		arbiter:  auth.Actor{ID: fmt.Sprintf("arbiter-%d", worker), Role: auth.RoleAdmin},
	}
	for !stopped(ctx, stop) {
		if err := l.play(ctx); err != nil {
			return err
		}
	}
	return nil
}

type lifecycle struct {
	env                     *Env
	rng                     *rand.Rand
	client, designer, admin auth.Actor
	arbiter                 auth.Actor
}

func (l *lifecycle) req(a auth.Actor, projectID string) escrow.Request {
	return escrow.Request{Actor: a, ProjectID: projectID, IdempotencyKey: uuid.NewString()}
}

func (l *lifecycle) play(ctx context.Context) error {
	p, err := l.newProject(ctx)
	if err != nil {
		return nil
	}
	if _, err := l.env.Escrow.DeployEscrow(ctx, escrow.DeployRequest{Request: l.req(l.admin, p.ID)}); err != nil {
		return nil
	}
	if err := l.fund(ctx, p.ID); err != nil {
		return err
	}
	if _, err := l.env.Escrow.SubmitDraft(ctx, escrow.SubmitDraftRequest{
		Request:  l.req(l.designer, p.ID),
		FileName: "draft.pdf",
		FileURL:  fmt.Sprintf("https://drafts.example.com/%s/draft.pdf", p.ID),
		SHA256:   digest(l.rng),
	}); err != nil {
		return nil
	}

	var disputeID string
	race(
		func() error {
			_, err := l.env.Escrow.ApproveAndPay(ctx, escrow.CollectRequest{Request: l.req(l.client, p.ID), Method: "card:visa"})
			return err
		},
		func() error {
			res, err := l.env.Escrow.OpenDispute(ctx, escrow.OpenDisputeRequest{
				Request:     l.req(l.client, p.ID),
				Description: "The delivered draft does not match the agreed brief.",
			})
			if err == nil && res.Dispute != nil {
				disputeID = res.Dispute.ID
			}
			return err
		},
	)

	current, err := l.env.Projects.Get(ctx, p.ID)
	if err != nil {
		return nil
	}
	switch current.Status {
	case project.StatusApproved:
		return l.payout(ctx, p.ID)
	case project.StatusDisputed:
		return l.arbitrate(ctx, p.ID, disputeID)
	}
	return nil
}

func (l *lifecycle) newProject(ctx context.Context) (project.Project, error) {
	quoted := decimal.NewFromInt(int64(100 + l.rng.Intn(5000)))
	deposit, balance, err := project.SplitQuote(quoted)
	if err != nil {
		return project.Project{}, err
	}
	tx, err := l.env.Pool.Begin(ctx)
	if err != nil {
		return project.Project{}, err
	}
	defer tx.Rollback(ctx)

	p, err := l.env.Projects.Insert(ctx, tx, project.Project{
		ID:         uuid.NewString(),
		Title:      "Stress brand kit",
		ClientID:   l.client.ID,
		DesignerID: l.designer.ID,
		Quoted:     quoted,
		Deposit:    deposit,
		Balance:    balance,
		Status:     project.StatusDraft,
	})
	if err != nil {
		return project.Project{}, err
	}
	return p, tx.Commit(ctx)
}

// fund races two deposits with distinct keys, then replays the winner's key.
func (l *lifecycle) fund(ctx context.Context, projectID string) error {
	keys := []string{uuid.NewString(), uuid.NewString()}
	won := make([]bool, len(keys))
	calls := make([]func() error, len(keys))
	for i, key := range keys {
		calls[i] = func() error {
			_, err := l.env.Escrow.FundDeposit(ctx, escrow.CollectRequest{
				Request: escrow.Request{Actor: l.client, ProjectID: projectID, IdempotencyKey: key},
				Method:  "card:visa",
			})
			won[i] = err == nil
			return err
		}
	}
	if wins := race(calls...); wins > 1 {
		return fmt.Errorf("project %s: deposit collected %d times", projectID, wins)
	}
	for i, key := range keys {
		if !won[i] {
			continue
		}
		res, err := l.env.Escrow.FundDeposit(ctx, escrow.CollectRequest{
			Request: escrow.Request{Actor: l.client, ProjectID: projectID, IdempotencyKey: key},
			Method:  "card:visa",
		})
		if err == nil && !res.Replayed {
			return fmt.Errorf("project %s: replayed deposit key %s ran again", projectID, key)
		}
	}
	return nil
}

// payout optionally proves a pause blocks release, then races release against refund.
func (l *lifecycle) payout(ctx context.Context, projectID string) error {
	if l.rng.Intn(4) == 0 {
		if err := l.pausedRelease(ctx, projectID); err != nil {
			return err
		}
	}
	release, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposeReleaseFunds)
	if err != nil {
		return nil
	}
	refund, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposeRefundFunds)
	if err != nil {
		return nil
	}
	wins := race(
		func() error {
			_, err := l.env.Escrow.Release(ctx, escrow.AuthorityRequest{Request: l.req(l.admin, projectID), StepUpCode: release.Code})
			return err
		},
		func() error {
			_, err := l.env.Escrow.Refund(ctx, escrow.AuthorityRequest{Request: l.req(l.admin, projectID), StepUpCode: refund.Code})
			return err
		},
	)
	if wins > 1 {
		return fmt.Errorf("project %s: released and refunded", projectID)
	}
	return nil
}

func (l *lifecycle) pausedRelease(ctx context.Context, projectID string) error {
	code, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposePauseEscrow)
	if err != nil {
		return nil
	}
	if _, err := l.env.Escrow.Pause(ctx, escrow.AuthorityRequest{Request: l.req(l.admin, projectID), StepUpCode: code.Code}); err != nil {
		return nil
	}
	release, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposeReleaseFunds)
	if err == nil {
		if _, err := l.env.Escrow.Release(ctx, escrow.AuthorityRequest{Request: l.req(l.admin, projectID), StepUpCode: release.Code}); err == nil {
			return fmt.Errorf("project %s: released while paused", projectID)
		}
	}
	resume, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposeResumeEscrow)
	if err != nil {
		return nil
	}
	_, _ = l.env.Escrow.Resume(ctx, escrow.AuthorityRequest{Request: l.req(l.admin, projectID), StepUpCode: resume.Code})
	return nil
}

// arbitrate races two arbiters with different rulings against a plain refund,
// which the open dispute must turn away.
func (l *lifecycle) arbitrate(ctx context.Context, projectID, disputeID string) error {
	if disputeID == "" {
		return nil
	}
	first, err := l.env.Guard.Issue(ctx, l.admin.ID, stepup.PurposeArbitrateDispute)
	if err != nil {
		return nil
	}
	second, err := l.env.Guard.Issue(ctx, l.arbiter.ID, stepup.PurposeArbitrateDispute)
	if err != nil {
		return nil
	}
	refund, err := l.env.Guard.Issue(ctx, l.arbiter.ID, stepup.PurposeRefundFunds)
	if err != nil {
		return nil
	}
	pct := l.rng.Intn(101)
	var refunded bool
	wins := race(
		func() error {
			_, err := l.env.Escrow.Arbitrate(ctx, escrow.ArbitrateRequest{
				Request:    l.req(l.admin, projectID),
				DisputeID:  disputeID,
				Decision:   dispute.DecisionRelease,
				StepUpCode: first.Code,
			})
			return err
		},
		func() error {
			_, err := l.env.Escrow.Arbitrate(ctx, escrow.ArbitrateRequest{
				Request:       l.req(l.arbiter, projectID),
				DisputeID:     disputeID,
				Decision:      dispute.DecisionSplit,
				ClientPercent: &pct,
				StepUpCode:    second.Code,
			})
			return err
		},
		func() error {
			_, err := l.env.Escrow.Refund(ctx, escrow.AuthorityRequest{Request: l.req(l.arbiter, projectID), StepUpCode: refund.Code})
			refunded = err == nil
			return err
		},
	)
	if refunded {
		return fmt.Errorf("project %s: refunded around open dispute %s", projectID, disputeID)
	}
	if wins > 1 {
		return fmt.Errorf("project %s: dispute %s settled %d times", projectID, disputeID, wins)
	}
	return nil
}

// CodeReplayer verifies one step-up code from several goroutines at once. At most
// one verification may consume it.
func CodeReplayer(ctx context.Context, env *Env, worker int, stop <-chan struct{}) error {
	actorID := fmt.Sprintf("replayer-%d", worker)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
		}
		issued, err := env.Guard.Issue(ctx, actorID, stepup.PurposePauseEscrow)
		if err != nil {
			continue
		}
		verify := func() error { return env.Guard.Verify(ctx, actorID, stepup.PurposePauseEscrow, issued.Code) }
		if wins := race(verify, verify, verify, verify); wins > 1 {
			return fmt.Errorf("step-up code for %s consumed %d times", actorID, wins)
		}
	}
}

// flakyDeliverer drops a share of notifications so the relay exercises retries.
type flakyDeliverer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var errDropped = errors.New("delivery dropped")

func (d *flakyDeliverer) Deliver(ctx context.Context, m notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rng.Intn(4) == 0 {
		return errDropped
	}
	return nil
}

// OutboxWorker drains the notification outbox. Concurrent workers must not claim
// the same rows.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	relay := notify.NewRelay(pool, notify.NewPGQueue(), &flakyDeliverer{rng: rand.New(rand.NewSource(seed))}, notify.RelayOptions{
		BatchSize:   10,
		MaxAttempts: 3,
	})
	for !stopped(ctx, stop) {
		n, err := relay.ProcessBatch(ctx)
		if err != nil || n == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return nil
}

// Reconciler resolves the markers left by commits that failed after the ledger moved.
func Reconciler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	admin := auth.Actor{ID: "reconciler", Role: auth.RoleAdmin}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
		}
		markers, err := env.Escrow.PendingReconciliations(ctx, admin, 20)
		if err != nil {
			continue
		}
		for _, m := range markers {
			_, _ = env.Escrow.ResolveReconciliation(ctx, admin, m.ID, "checked against mock ledger")
		}
	}
}
