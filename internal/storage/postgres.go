package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderLockID is the advisory lock key shared by every scheduler instance.
const LeaderLockID int64 = 42

var ErrNotConnected = errors.New("data store is not connected")

// Postgres is a pgx pool managed by the worker orchestrator. It also
// provides scheduler leader election through a session advisory lock.
type Postgres struct {
	dsn  string
	lock int64

	mu     sync.Mutex
	pool   *pgxpool.Pool
	leader *pgxpool.Conn
}

func NewPostgres(dsn string) *Postgres {
	return &Postgres{dsn: dsn, lock: LeaderLockID}
}

func (p *Postgres) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	p.pool = pool
	return nil
}

// Disconnect gives up leadership and closes the pool.
func (p *Postgres) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader != nil {
		p.leader.Release()
		p.leader = nil
	}
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return ErrNotConnected
	}
	return pool.Ping(ctx)
}

func (p *Postgres) Pool() *pgxpool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool
}

// TryLead reports whether this process holds the scheduler lock. The lock
// lives on one pooled connection which is kept until Disconnect or until
// it breaks.
func (p *Postgres) TryLead(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		return false, ErrNotConnected
	}
	if p.leader != nil {
		if err := p.leader.Ping(ctx); err == nil {
			return true, nil
		}
		// session gone, and the lock with it
		p.leader.Release()
		p.leader = nil
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", p.lock).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	p.leader = conn
	return true, nil
}
