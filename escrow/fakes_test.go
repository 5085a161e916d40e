package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/stepup"
	"escrowflow/testutil"
)

// world is an in-memory database. Writes are staged on the FakeTx and only land
// on commit, so aborted transitions leave it untouched.
type world struct {
	mu       sync.Mutex
	projects map[string]project.Project
	payments []payment.Record
	timeline []proof.AppendParams
	chain    []proof.AppendParams
	disputes map[string]dispute.Record
	drafts   []draft.Draft
	idem     map[string]IdempotencyRecord
	markers  []Marker
	outbox   []notify.Message
	markErr  error

	// recordErr fails the next payment insert once.
	recordErr error
}

func newWorld() *world {
	return &world{
		projects: make(map[string]project.Project),
		disputes: make(map[string]dispute.Record),
		idem:     make(map[string]IdempotencyRecord),
	}
}

func (w *world) addProject(p project.Project) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projects[p.ID] = p
}

func (w *world) project(id string) project.Project {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projects[id]
}

func (w *world) paymentsOf(projectID string) []payment.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []payment.Record
	for _, r := range w.payments {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

func (w *world) timelineOf(projectID, typ string) []proof.AppendParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filterEntries(w.timeline, projectID, typ)
}

func (w *world) chainOf(projectID, typ string) []proof.AppendParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filterEntries(w.chain, projectID, typ)
}

func filterEntries(in []proof.AppendParams, projectID, typ string) []proof.AppendParams {
	var out []proof.AppendParams
	for _, e := range in {
		if e.ProjectID == projectID && (typ == "" || e.Type == typ) {
			out = append(out, e)
		}
	}
	return out
}

func (w *world) disputesOf(projectID string) []dispute.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []dispute.Record
	for _, d := range w.disputes {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out
}

func (w *world) messages() []notify.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]notify.Message(nil), w.outbox...)
}

func (w *world) deps() (fakeProjects, fakePayments, fakeProofs, fakeDisputes, fakeDrafts, fakeIdempotency, fakeReconciliations, fakeNotifier) {
	return fakeProjects{w}, fakePayments{w}, fakeProofs{w}, fakeDisputes{w}, fakeDrafts{w},
		fakeIdempotency{w}, fakeReconciliations{w}, fakeNotifier{w}
}

type fakeProjects struct{ w *world }

func (f fakeProjects) LockForUpdate(_ context.Context, _ pgx.Tx, id string) (project.Project, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	p, ok := f.w.projects[id]
	if !ok {
		return project.Project{}, project.ErrNotFound
	}
	return p, nil
}

func (f fakeProjects) UpdateStatus(_ context.Context, tx pgx.Tx, u project.StatusUpdate) error {
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		p := f.w.projects[u.ID]
		p.Status = u.Status
		if u.ReviewDueAt != nil {
			p.ReviewDueAt = u.ReviewDueAt
		}
		f.w.projects[u.ID] = p
	})
	return nil
}

func (f fakeProjects) SetPaused(_ context.Context, tx pgx.Tx, id string, paused bool) error {
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		p := f.w.projects[id]
		p.Paused = paused
		f.w.projects[id] = p
	})
	return nil
}

func (f fakeProjects) SetEscrow(_ context.Context, tx pgx.Tx, id, ref, chainID string) error {
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		p := f.w.projects[id]
		p.EscrowRef = &ref
		p.ChainID = &chainID
		f.w.projects[id] = p
	})
	return nil
}

type fakePayments struct{ w *world }

func (f fakePayments) Record(_ context.Context, tx pgx.Tx, p payment.RecordParams) (payment.Record, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if err := f.w.recordErr; err != nil {
		f.w.recordErr = nil
		return payment.Record{}, err
	}
	if p.Type.Collection() {
		for _, r := range f.w.payments {
			if r.ProjectID == p.ProjectID && r.Type == p.Type {
				return payment.Record{}, payment.ErrDuplicateCollection
			}
		}
	}
	rec := payment.Record{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Type:      p.Type,
		Status:    payment.StatusCompleted,
		Amount:    p.Amount,
		Gateway:   p.Gateway,
	}
	if p.ExternalRef != "" {
		ref := p.ExternalRef
		rec.ExternalRef = &ref
	}
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.payments = append(f.w.payments, rec)
	})
	return rec, nil
}

func (f fakePayments) HeldAmount(_ context.Context, _ pgx.Tx, projectID string) (decimal.Decimal, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	sum := decimal.Zero
	for _, r := range f.w.payments {
		if r.ProjectID == projectID && r.Type.Collection() {
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

func (f fakePayments) Collected(_ context.Context, _ pgx.Tx, projectID string, typ payment.Type) (bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, r := range f.w.payments {
		if r.ProjectID == projectID && r.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

type fakeProofs struct{ w *world }

func (f fakeProofs) AppendTimeline(_ context.Context, tx pgx.Tx, p proof.AppendParams) error {
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.timeline = append(f.w.timeline, p)
	})
	return nil
}

func (f fakeProofs) AppendChainEvent(_ context.Context, tx pgx.Tx, p proof.AppendParams) error {
	if p.TxRef == "" {
		return fmt.Errorf("proof: chain event requires an external tx reference")
	}
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.chain = append(f.w.chain, p)
	})
	return nil
}

type fakeDisputes struct{ w *world }

func (f fakeDisputes) Get(_ context.Context, id string) (dispute.Record, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	d, ok := f.w.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return d, nil
}

func (f fakeDisputes) HasOpen(_ context.Context, _ pgx.Tx, projectID string) (bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, d := range f.w.disputes {
		if d.ProjectID == projectID && d.Status == dispute.StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeDisputes) Create(_ context.Context, tx pgx.Tx, p dispute.OpenParams) (dispute.Record, error) {
	rec := dispute.Record{
		ID:          p.ID,
		ProjectID:   p.ProjectID,
		OpenerID:    p.OpenerID,
		Description: p.Description,
		Status:      dispute.StatusOpen,
	}
	for i, fr := range p.Files {
		rec.Files = append(rec.Files, dispute.File{
			ID:        fmt.Sprintf("%s-file-%d", p.ID, i+1),
			DisputeID: p.ID,
			FileName:  fr.FileName,
			FileURL:   fr.FileURL,
			SHA256:    fr.SHA256,
		})
	}
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.disputes[rec.ID] = rec
	})
	return rec, nil
}

func (f fakeDisputes) LockForUpdate(ctx context.Context, _ pgx.Tx, id string) (dispute.Record, error) {
	return f.Get(ctx, id)
}

func (f fakeDisputes) MarkArbitrated(_ context.Context, tx pgx.Tx, p dispute.ArbitrateParams) (dispute.Record, error) {
	f.w.mu.Lock()
	rec, ok := f.w.disputes[p.DisputeID]
	f.w.mu.Unlock()
	if !ok || rec.Status != dispute.StatusOpen {
		return dispute.Record{}, dispute.ErrBadStatus
	}
	decision := p.Ruling.Decision
	decider := p.DeciderID
	at := p.At
	rec.Status = dispute.StatusArbitrated
	rec.Decision = &decision
	rec.ClientPercent = p.Ruling.ClientPercent
	rec.CompanyPercent = p.Ruling.CompanyPercent
	rec.DeciderID = &decider
	rec.ArbitratedAt = &at
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.disputes[rec.ID] = rec
	})
	return rec, nil
}

type fakeDrafts struct{ w *world }

func (f fakeDrafts) Create(_ context.Context, tx pgx.Tx, p draft.CreateParams) (draft.Draft, error) {
	f.w.mu.Lock()
	version := 1
	for _, d := range f.w.drafts {
		if d.ProjectID == p.ProjectID {
			version++
		}
	}
	f.w.mu.Unlock()
	d := draft.Draft{
		ID:         p.ID,
		ProjectID:  p.ProjectID,
		Version:    version,
		UploaderID: p.UploaderID,
		FileName:   p.FileName,
		FileURL:    p.FileURL,
		SHA256:     p.SHA256,
	}
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.drafts = append(f.w.drafts, d)
	})
	return d, nil
}

type fakeIdempotency struct{ w *world }

func (f fakeIdempotency) Lookup(_ context.Context, _ pgx.Tx, key string) (IdempotencyRecord, bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	rec, ok := f.w.idem[key]
	return rec, ok, nil
}

func (f fakeIdempotency) Reserve(_ context.Context, tx pgx.Tx, key, projectID, transition string) error {
	f.w.mu.Lock()
	_, taken := f.w.idem[key]
	f.w.mu.Unlock()
	if taken {
		return ErrDuplicateKey
	}
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.idem[key] = IdempotencyRecord{Key: key, ProjectID: projectID, Transition: transition}
	})
	return nil
}

type fakeReconciliations struct{ w *world }

func (f fakeReconciliations) Mark(_ context.Context, m Marker) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.markErr != nil {
		return f.w.markErr
	}
	for _, existing := range f.w.markers {
		if existing.ExternalTxID == m.ExternalTxID {
			return nil
		}
	}
	f.w.markers = append(f.w.markers, m)
	return nil
}

func (f fakeReconciliations) ListPending(_ context.Context, _ int) ([]Marker, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []Marker
	for _, m := range f.w.markers {
		if m.Status == MarkerPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f fakeReconciliations) Resolve(_ context.Context, id, resolvedBy, note string, at time.Time) (Marker, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for i, m := range f.w.markers {
		if m.ID == id && m.Status == MarkerPending {
			m.Status = MarkerResolved
			m.ResolvedBy = &resolvedBy
			m.Note = &note
			m.ResolvedAt = &at
			f.w.markers[i] = m
			return m, nil
		}
	}
	return Marker{}, ErrMarkerNotFound
}

type fakeNotifier struct{ w *world }

func (f fakeNotifier) Enqueue(_ context.Context, tx pgx.Tx, m notify.Message) error {
	testutil.Stage(tx, func() {
		f.w.mu.Lock()
		defer f.w.mu.Unlock()
		f.w.outbox = append(f.w.outbox, m)
	})
	return nil
}

type issuedCode struct {
	actorID  string
	purpose  stepup.Purpose
	issuedAt time.Time
	consumed bool
}

// fakeStepUp follows the guard's contract: ten minute codes, single use, purpose bound.
type fakeStepUp struct {
	mu    sync.Mutex
	now   func() time.Time
	codes map[string]*issuedCode
	seq   int
}

func newFakeStepUp(now func() time.Time) *fakeStepUp {
	return &fakeStepUp{now: now, codes: make(map[string]*issuedCode)}
}

func (f *fakeStepUp) issue(actorID string, purpose stepup.Purpose) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	code := fmt.Sprintf("%06d", 100000+f.seq)
	f.codes[code] = &issuedCode{actorID: actorID, purpose: purpose, issuedAt: f.now()}
	return code
}

func (f *fakeStepUp) VerifyTx(_ context.Context, tx pgx.Tx, actorID string, purpose stepup.Purpose, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[code]
	switch {
	case !ok || c.actorID != actorID:
		return stepup.ErrNotFound
	case c.purpose != purpose:
		return stepup.ErrPurposeMismatch
	case c.consumed:
		return stepup.ErrConsumed
	case !f.now().Before(c.issuedAt.Add(10 * time.Minute)):
		return stepup.ErrExpired
	}
	testutil.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		c.consumed = true
	})
	return nil
}
