package testutils

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/dialect"
)

// ErrPoolClosed is returned by a FakePool after Close.
var ErrPoolClosed = errors.New("pool is closed")

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

// FakePool is a backend.Pool that speaks one dialect: its detection query
// and liveness queries succeed, every other dialect's detection query fails.
type FakePool struct {
	dialect dialect.Dialect

	mu       sync.Mutex
	openErr  error
	execErr  error
	panicMsg string
	hang     chan struct{}
	queries  []string

	opens  atomic.Int32
	closed atomic.Bool
}

func NewFakePool(d dialect.Dialect) *FakePool {
	return &FakePool{dialect: d}
}

// SetOpenError makes OpenConnection fail with err; nil clears it.
func (p *FakePool) SetOpenError(err error) {
	p.mu.Lock()
	p.openErr = err
	p.mu.Unlock()
}

// SetExecError makes every statement fail with err; nil clears it.
func (p *FakePool) SetExecError(err error) {
	p.mu.Lock()
	p.execErr = err
	p.mu.Unlock()
}

// SetPanic makes OpenConnection panic with msg; "" clears it.
func (p *FakePool) SetPanic(msg string) {
	p.mu.Lock()
	p.panicMsg = msg
	p.mu.Unlock()
}

// Hang makes OpenConnection block, ignoring its context, until Release.
func (p *FakePool) Hang() {
	p.mu.Lock()
	if p.hang == nil {
		p.hang = make(chan struct{})
	}
	p.mu.Unlock()
}

// Release unblocks hanging OpenConnection calls.
func (p *FakePool) Release() {
	p.mu.Lock()
	if p.hang != nil {
		close(p.hang)
		p.hang = nil
	}
	p.mu.Unlock()
}

// Recover clears every scripted failure.
func (p *FakePool) Recover() {
	p.SetOpenError(nil)
	p.SetExecError(nil)
	p.SetPanic("")
	p.Release()
}

func (p *FakePool) OpenConnection(ctx context.Context) (backend.Conn, error) {
	p.opens.Add(1)

	p.mu.Lock()
	hang, openErr, panicMsg := p.hang, p.openErr, p.panicMsg
	p.mu.Unlock()

	if hang != nil {
		<-hang
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if openErr != nil {
		return nil, openErr
	}
	return &FakeConn{pool: p}, nil
}

func (p *FakePool) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *FakePool) Closed() bool { return p.closed.Load() }

// Opens counts OpenConnection calls.
func (p *FakePool) Opens() int { return int(p.opens.Load()) }

// Queries returns every statement executed so far.
func (p *FakePool) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// FakeConn is a connection of a FakePool.
type FakeConn struct {
	pool   *FakePool
	closed atomic.Bool
}

func (c *FakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	p := c.pool
	p.mu.Lock()
	p.queries = append(p.queries, query)
	execErr := p.execErr
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, sql.ErrConnDone
	}
	if execErr != nil {
		return nil, execErr
	}
	for _, d := range dialect.DefaultOrder {
		if query == d.DetectQuery() && d != p.dialect {
			return nil, errors.New("syntax error or unknown function")
		}
	}
	return fakeResult{}, nil
}

func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// FakeFactory builds FakePools. Failures can be scripted per backend name.
type FakeFactory struct {
	dialect dialect.Dialect

	mu     sync.Mutex
	errs   map[string]error
	next   map[string]*FakePool
	built  map[string][]*FakePool
	builds map[string]int
}

func NewFakeFactory(d dialect.Dialect) *FakeFactory {
	return &FakeFactory{
		dialect: d,
		errs:    make(map[string]error),
		next:    make(map[string]*FakePool),
		built:   make(map[string][]*FakePool),
		builds:  make(map[string]int),
	}
}

// SetError makes builds of name fail with err; nil clears it.
func (f *FakeFactory) SetError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, name)
		return
	}
	f.errs[name] = err
}

// SetNextPool makes the next successful build of name return p.
func (f *FakeFactory) SetNextPool(name string, p *FakePool) {
	f.mu.Lock()
	f.next[name] = p
	f.mu.Unlock()
}

func (f *FakeFactory) Build(ctx context.Context, name string, cfg config.BackendConfig) (backend.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.builds[name]++
	if err, ok := f.errs[name]; ok {
		return nil, backend.NewConfigurationError(name, err)
	}

	p, ok := f.next[name]
	if ok {
		delete(f.next, name)
	} else {
		d := f.dialect
		if cfg.Dialect != "" {
			if parsed, err := dialect.Parse(cfg.Dialect); err == nil {
				d = parsed
			}
		}
		p = NewFakePool(d)
	}
	f.built[name] = append(f.built[name], p)
	return p, nil
}

// Builds counts Build calls for name, failed ones included.
func (f *FakeFactory) Builds(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[name]
}

// LastPool returns the most recent pool built for name.
func (f *FakeFactory) LastPool(name string) *FakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	pools := f.built[name]
	if len(pools) == 0 {
		return nil
	}
	return pools[len(pools)-1]
}
