// Package pool provides a bounded, recyclable pool of session gateway
// handles so many agents can be polled without overwhelming tmux.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

var (
	// ErrAcquireTimeout is returned when no handle becomes available
	// within the acquisition timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("pool: closed")
)

// Factory creates a fresh gateway handle.
type Factory func() (tmux.Gateway, error)

// Conn wraps one pooled gateway handle with its recycling metadata.
type Conn struct {
	Gateway   tmux.Gateway
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
}

// Age returns how long the handle has existed.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// UseCount returns how many times the handle has been acquired.
func (c *Conn) UseCount() int { return c.useCount }

// Stats are the pool's counters.
type Stats struct {
	Created  int
	Recycled int
	Acquires int
	Timeouts int
	InUse    int
	Idle     int
}

// Pool is a fixed [min,max] gateway pool. Acquisition blocks on a counting
// semaphore bounded by max; released handles older than MaxAge are
// discarded and replaced asynchronously rather than returned.
type Pool struct {
	factory        Factory
	min, max       int
	maxAge         time.Duration
	acquireTimeout time.Duration

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Conn
	stats  Stats
	closed bool

	log *logging.Logger
}

// Options configure a Pool.
type Options struct {
	Min            int
	Max            int
	MaxAge         time.Duration
	AcquireTimeout time.Duration
}

// New creates a Pool and warms it with Min handles. A factory failure
// during warm-up is returned; the pool still creates lazily afterwards.
func New(factory Factory, opts Options) (*Pool, error) {
	if opts.Max <= 0 {
		opts.Max = 10
	}
	if opts.Min < 0 {
		opts.Min = 0
	}
	if opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}

	p := &Pool{
		factory:        factory,
		min:            opts.Min,
		max:            opts.Max,
		maxAge:         opts.MaxAge,
		acquireTimeout: opts.AcquireTimeout,
		sem:            semaphore.NewWeighted(int64(opts.Max)),
		log:            logging.WithComponent("pool"),
	}

	var warmErr error
	for i := 0; i < p.min; i++ {
		conn, err := p.newConn()
		if err != nil {
			warmErr = err
			break
		}
		p.idle = append(p.idle, conn)
	}
	return p, warmErr
}

// Acquire returns a pooled handle, creating one lazily up to max if the
// idle queue is empty. It blocks at most the acquisition timeout (or less
// if ctx expires first) and reports ErrAcquireTimeout on expiry.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.stats.Acquires++
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrAcquireTimeout
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.stats.InUse++
		conn.useCount++
		conn.lastUsed = time.Now()
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.newConn()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.stats.InUse++
	conn.useCount++
	conn.lastUsed = time.Now()
	p.mu.Unlock()
	return conn, nil
}

// Release returns a handle to the pool. Handles past MaxAge are recycled:
// discarded here and replaced in the background, not repaired.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.stats.InUse > 0 {
		p.stats.InUse--
	}
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}

	if time.Since(conn.createdAt) > p.maxAge {
		p.stats.Recycled++
		p.mu.Unlock()
		p.sem.Release(1)
		go p.replace()
		return
	}

	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.sem.Release(1)
}

// replace creates a fresh handle for the idle queue, keeping the pool
// warmed after a recycle. Creation failures are logged only; the next
// Acquire will retry lazily.
func (p *Pool) replace() {
	conn, err := p.newConn()
	if err != nil {
		p.log.WithError(err).Warn("failed to replace recycled connection")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.max {
		return
	}
	p.idle = append(p.idle, conn)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	return s
}

// Close discards all idle handles and fails further acquisitions.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.idle = nil
}

func (p *Pool) newConn() (*Conn, error) {
	gw, err := p.factory()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()

	now := time.Now()
	return &Conn{Gateway: gw, createdAt: now, lastUsed: now}, nil
}
