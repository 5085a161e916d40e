// Package testutil holds fakes shared by service tests: a pgx pool whose
// transactions stage writes until commit, and a controllable clock.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakePool hands out FakeTx values. Transactions are serialized: Begin blocks until
// the previous transaction commits or rolls back, which stands in for row locks.
type FakePool struct {
	mu sync.Mutex

	statsMu    sync.Mutex
	BeginErr   error
	CommitErr  error
	Begun      int
	Committed  int
	RolledBack int
	Last       *FakeTx
}

func NewFakePool() *FakePool {
	return &FakePool{}
}

func (p *FakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.statsMu.Lock()
	beginErr := p.BeginErr
	p.statsMu.Unlock()
	if beginErr != nil {
		return nil, beginErr
	}
	p.mu.Lock()
	tx := &FakeTx{pool: p}
	p.statsMu.Lock()
	p.Begun++
	p.Last = tx
	p.statsMu.Unlock()
	return tx, nil
}

// FailNextCommits makes every following commit fail with err until reset with nil.
func (p *FakePool) FailNextCommits(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.CommitErr = err
}

func (p *FakePool) Stats() (begun, committed, rolledBack int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.Begun, p.Committed, p.RolledBack
}

// FakeTx records staged writes and applies them only on a successful commit.
type FakeTx struct {
	pool      *FakePool
	staged    []func()
	done      bool
	Committed bool
	Rolled    bool
}

// Stage queues fn until commit. Outside a FakeTx it runs immediately.
func Stage(tx pgx.Tx, fn func()) {
	if ft, ok := tx.(*FakeTx); ok && ft != nil {
		ft.staged = append(ft.staged, fn)
		return
	}
	fn()
}

func (f *FakeTx) finish() {
	if f.done {
		return
	}
	f.done = true
	f.pool.mu.Unlock()
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("FakeTx does not support nested transactions")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.pool.statsMu.Lock()
	commitErr := f.pool.CommitErr
	f.pool.statsMu.Unlock()
	if commitErr != nil {
		f.staged = nil
		f.pool.statsMu.Lock()
		f.pool.RolledBack++
		f.pool.statsMu.Unlock()
		f.finish()
		return commitErr
	}
	for _, fn := range f.staged {
		fn()
	}
	f.staged = nil
	f.Committed = true
	f.pool.statsMu.Lock()
	f.pool.Committed++
	f.pool.statsMu.Unlock()
	f.finish()
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.staged = nil
	f.Rolled = true
	f.pool.statsMu.Lock()
	f.pool.RolledBack++
	f.pool.statsMu.Unlock()
	f.finish()
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *FakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}
