// Package stepup issues and verifies short-lived, single-use, purpose-bound codes
// that gate irreversible admin actions.
package stepup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"escrowflow/metrics"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Options struct {
	TTL        time.Duration
	Digits     int
	BcryptCost int
	// IssuePerMinute caps codes requested per actor; zero disables the limit.
	IssuePerMinute int
	IssueBurst     int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.Digits <= 0 {
		o.Digits = 6
	}
	if o.BcryptCost == 0 {
		o.BcryptCost = bcrypt.DefaultCost
	}
	if o.IssueBurst <= 0 {
		o.IssueBurst = 3
	}
	return o
}

type Guard struct {
	pool   TxBeginner
	store  Store
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastPrune time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewGuard(pool TxBeginner, store Store, opts Options) *Guard {
	if store == nil {
		store = NewPGStore()
	}
	return &Guard{
		pool:     pool,
		store:    store,
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   slog.Default(),
		limiters: make(map[string]*limiterEntry),
	}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) WithLogger(l *slog.Logger) *Guard {
	if l != nil {
		g.logger = l
	}
	return g
}

// Issue creates a new code for (actor, purpose), superseding any unconsumed one.
// The clear code is returned once for delivery and never persisted.
func (g *Guard) Issue(ctx context.Context, actorID string, purpose Purpose) (Issued, error) {
	return g.IssueAndDeliver(ctx, actorID, purpose, nil)
}

// IssueAndDeliver is Issue with deliver called before the new code commits. A
// delivery error rolls the issue back, so the code the actor already holds stays
// live.
func (g *Guard) IssueAndDeliver(ctx context.Context, actorID string, purpose Purpose, deliver func(context.Context, Issued) error) (Issued, error) {
	if actorID == "" {
		return Issued{}, fmt.Errorf("stepup: missing actor id")
	}
	if !purpose.Valid() {
		return Issued{}, fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	if !g.allow(actorID) {
		return Issued{}, ErrRateLimited
	}

	code, err := generateCode(g.opts.Digits)
	if err != nil {
		return Issued{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.opts.BcryptCost)
	if err != nil {
		return Issued{}, fmt.Errorf("stepup: hash code: %w", err)
	}

	now := g.now().UTC()
	rec := Code{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Purpose:   purpose,
		Hash:      string(hash),
		IssuedAt:  now,
		ExpiresAt: now.Add(g.opts.TTL),
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("stepup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := g.store.Supersede(ctx, tx, actorID, purpose, now); err != nil {
		return Issued{}, err
	}
	if err := g.store.Insert(ctx, tx, rec); err != nil {
		return Issued{}, err
	}
	issued := Issued{Code: code, Purpose: purpose, ExpiresAt: rec.ExpiresAt}
	if deliver != nil {
		if err := deliver(ctx, issued); err != nil {
			return Issued{}, fmt.Errorf("%w: %w", ErrUndelivered, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Issued{}, fmt.Errorf("stepup: commit issue: %w", err)
	}

	g.logger.Info("step-up code issued", "actor_id", actorID, "purpose", purpose, "expires_at", rec.ExpiresAt)
	return issued, nil
}

// Verify checks and consumes a code in its own transaction.
func (g *Guard) Verify(ctx context.Context, actorID string, purpose Purpose, code string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stepup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := g.VerifyTx(ctx, tx, actorID, purpose, code); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stepup: commit verify: %w", err)
	}
	return nil
}

// VerifyTx checks and consumes a code inside the caller's transaction, so the
// consumption commits or rolls back with the action it authorizes.
func (g *Guard) VerifyTx(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose, code string) error {
	err := g.verify(ctx, tx, actorID, purpose, code)
	metrics.Escrow().ObserveStepUp(Reason(err))
	if err != nil {
		g.logger.Warn("step-up verification failed", "actor_id", actorID, "purpose", purpose, "reason", Reason(err))
	}
	return err
}

func (g *Guard) verify(ctx context.Context, tx pgx.Tx, actorID string, purpose Purpose, code string) error {
	if !purpose.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	code = strings.TrimSpace(code)
	if actorID == "" || code == "" {
		return ErrNotFound
	}

	latest, err := g.store.LatestForUpdate(ctx, tx, actorID, purpose)
	switch {
	case err == nil:
		if matches(latest.Hash, code) {
			if latest.ConsumedAt != nil {
				return ErrConsumed
			}
			now := g.now().UTC()
			if !now.Before(latest.ExpiresAt) {
				return ErrExpired
			}
			return g.store.Consume(ctx, tx, latest.ID, now)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	others, err := g.store.LiveOthers(ctx, tx, actorID, purpose)
	if err != nil {
		return err
	}
	for _, c := range others {
		if matches(c.Hash, code) {
			return ErrPurposeMismatch
		}
	}
	return ErrNotFound
}

func (g *Guard) allow(actorID string) bool {
	if g.opts.IssuePerMinute <= 0 {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLimiters(now)
	e, ok := g.limiters[actorID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(g.issueInterval()), g.opts.IssueBurst)}
		g.limiters[actorID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (g *Guard) issueInterval() time.Duration {
	return time.Minute / time.Duration(g.opts.IssuePerMinute)
}

// pruneLimiters drops limiters idle long enough to refill their burst; a new
// limiter behaves identically. Callers hold g.mu.
func (g *Guard) pruneLimiters(now time.Time) {
	idle := g.issueInterval() * time.Duration(g.opts.IssueBurst)
	if now.Sub(g.lastPrune) < idle {
		return
	}
	g.lastPrune = now
	for id, e := range g.limiters {
		if now.Sub(e.lastSeen) >= idle {
			delete(g.limiters, id)
		}
	}
}

// matches compares through bcrypt, which is constant-time over the digest.
func matches(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

func generateCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("stepup: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
