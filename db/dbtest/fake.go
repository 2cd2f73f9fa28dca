// Package dbtest provides a pgx.Tx stand-in for unit tests whose repositories
// are faked and never touch the transaction.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out Tx values and remembers them.
type Pool struct {
	mu       sync.Mutex
	Txs      []*Tx
	BeginErr error
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Committed counts committed transactions.
func (p *Pool) Committed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

type Tx struct {
	Rolled    bool
	Committed bool
	CommitErr error
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions not supported")
}

func (f *Tx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = true
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	if !f.Committed {
		f.Rolled = true
	}
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}
