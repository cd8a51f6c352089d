// Package pool provides per-attachment connection pools with idle
// eviction, health probes and reset-on-acquire.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/auth"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// Defaults for pool tuning options.
const (
	DefaultMaxSize        = 8
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second

	// drainBound caps how long a release spends draining an abandoned
	// response before discarding the connection.
	drainBound = 5 * time.Second

	// probeTimeout bounds the health probe round trip.
	probeTimeout = 3 * time.Second
)

// Conn is the pool's view of a connection. *tds.Conn implements it.
type Conn interface {
	ID() uint64
	State() tds.State
	LastUsed() time.Time
	BumpEpoch()
	RequestReset()
	Ping(ctx context.Context) error
	DrainCurrent(bound time.Duration) error
	Fail()
	Close() error
}

// Dialer establishes a new connection with the given pool-unique id.
type Dialer func(ctx context.Context, id uint64) (Conn, error)

// Config tunes a pool.
type Config struct {
	MaxSize        int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	ResetOnAcquire bool

	// SkipHealthProbe turns off the acquire-time probe; used by tests
	// against scripted servers.
	SkipHealthProbe bool
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// Pool holds idle and active connections for one attachment. The
// invariant |idle| + |active| <= MaxSize holds at every observation
// point; establishment in progress counts against the limit.
type Pool struct {
	name     string
	cfg      Config
	dial     Dialer
	strategy auth.Strategy

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []Conn // most-recently-used first
	active  map[uint64]Conn
	pending int // connections being established
	nextID  uint64
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	logger  *log.CategoryLogger
	metrics *Metrics
}

// New creates a pool that dials info with the given strategy.
func New(name string, info tds.ConnectionInfo, strategy auth.Strategy, cfg Config, logger *log.Logger, metrics *Metrics) *Pool {
	dial := func(ctx context.Context, id uint64) (Conn, error) {
		return tds.Connect(ctx, id, info, strategy, logger)
	}
	return NewWithDialer(name, dial, strategy, cfg, logger, metrics)
}

// NewWithDialer creates a pool around a custom dialer, used by tests.
func NewWithDialer(name string, dial Dialer, strategy auth.Strategy, cfg Config, logger *log.Logger, metrics *Metrics) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil, name)
	}
	p := &Pool{
		name:      name,
		cfg:       cfg.withDefaults(),
		dial:      dial,
		strategy:  strategy,
		active:    make(map[uint64]Conn),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		logger:    logger.ForCategory(log.CategoryPool).WithField("attachment", name),
		metrics:   metrics,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweeper()
	return p
}

// Stats reports the current idle and active counts.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.active) + p.pending
}

// Acquire returns a healthy connection, creating one when the pool has
// room, or waiting for a release until the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	// Token expiry and refresh happen before any pool bookkeeping, so
	// an expired manual token fails fast and a refreshable one renews.
	if p.strategy != nil {
		if _, err := p.strategy.Token(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Wake waiters when the context is cancelled.
	cancelWatch := make(chan struct{})
	defer close(cancelWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-cancelWatch:
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Newf(errors.ErrCodePoolClosed, "pool %q is closed", p.name)
		}

		// Most-recently-used idle connection first.
		if len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			p.active[conn.ID()] = conn
			p.mu.Unlock()
			p.metrics.Idle.Dec()
			p.metrics.Active.Inc()

			if !p.cfg.SkipHealthProbe && !p.probe(ctx, conn) {
				p.discard(conn)
				continue
			}
			if p.cfg.ResetOnAcquire {
				conn.RequestReset()
			}
			conn.BumpEpoch()
			p.metrics.Acquires.Inc()
			return conn, nil
		}

		// Room for a new connection.
		if len(p.active)+p.pending < p.cfg.MaxSize {
			p.pending++
			p.nextID++
			id := p.nextID
			p.mu.Unlock()

			conn, err := p.establish(ctx, id)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			p.active[conn.ID()] = conn
			p.mu.Unlock()

			p.metrics.Active.Inc()
			p.metrics.Acquires.Inc()
			conn.BumpEpoch()
			return conn, nil
		}

		// Wait for a release or the deadline.
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "acquire cancelled")
		}
		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			p.metrics.Timeouts.Inc()
			return nil, errors.Newf(errors.ErrCodePoolTimeout,
				"no connection available in pool %q within %s", p.name, p.cfg.AcquireTimeout).
				WithSuggestion("raise connection_limit or acquire_timeout")
		}

		timer := time.AfterFunc(time.Until(deadline), p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
		p.mu.Unlock()
	}
}

// establish dials a new connection, retrying once on a transient
// socket error.
func (p *Pool) establish(ctx context.Context, id uint64) (Conn, error) {
	p.metrics.Dials.Inc()
	conn, err := p.dial(ctx, id)
	if err == nil {
		return conn, nil
	}
	if !transient(err) || ctx.Err() != nil {
		return nil, err
	}

	p.logger.Warn("connection establishment failed, retrying once", map[string]interface{}{"error": err.Error()})
	p.metrics.Dials.Inc()
	return p.dial(ctx, id)
}

// transient reports whether an establishment error is worth one retry:
// socket-level connect and timeout failures, never auth or protocol
// errors.
func transient(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeIoConnect, errors.ErrCodeIoTimeout, errors.ErrCodeIoUnexpectedEOF:
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// probe runs the health check with a short timeout.
func (p *Pool) probe(ctx context.Context, conn Conn) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := conn.Ping(probeCtx); err != nil {
		p.logger.Warn("health probe failed", map[string]interface{}{
			"conn": conn.ID(), "error": err.Error(),
		})
		return false
	}
	return true
}

// Release returns a connection to the pool. Executing connections are
// drained within a bound first; unhealthy connections are discarded.
func (p *Pool) Release(conn Conn) {
	if conn.State() == tds.StateExecuting {
		if err := conn.DrainCurrent(drainBound); err != nil {
			p.logger.Warn("discarding connection that failed to drain", map[string]interface{}{
				"conn": conn.ID(), "error": err.Error(),
			})
			p.discard(conn)
			return
		}
	}

	state := conn.State()
	if p.cfg.ResetOnAcquire || (state != tds.StateLoggedIn && state != tds.StateIdle) {
		p.discard(conn)
		return
	}

	p.mu.Lock()
	if p.closed {
		delete(p.active, conn.ID())
		p.mu.Unlock()
		conn.Close()
		return
	}
	delete(p.active, conn.ID())
	// Push to the idle head: most-recently-used first.
	p.idle = append([]Conn{conn}, p.idle...)
	p.cond.Signal()
	p.mu.Unlock()

	p.metrics.Active.Dec()
	p.metrics.Idle.Inc()
}

// discard removes a connection from the pool and closes it.
func (p *Pool) discard(conn Conn) {
	p.mu.Lock()
	if _, ok := p.active[conn.ID()]; ok {
		delete(p.active, conn.ID())
		p.metrics.Active.Dec()
	}
	p.cond.Signal()
	p.mu.Unlock()

	conn.Close()
	p.metrics.Discards.Inc()
}

// sweeper periodically evicts connections idle past the idle timeout.
func (p *Pool) sweeper() {
	defer close(p.sweepDone)
	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep closes idle connections whose last use exceeds the idle
// timeout.
func (p *Pool) sweep(now time.Time) {
	var evicted []Conn

	p.mu.Lock()
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if now.Sub(conn.LastUsed()) > p.cfg.IdleTimeout {
			evicted = append(evicted, conn)
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range evicted {
		p.logger.Debug("evicting idle connection", map[string]interface{}{"conn": conn.ID()})
		conn.Close()
		p.metrics.Idle.Dec()
		p.metrics.Discards.Inc()
	}
}

// Close shuts the pool down, closing idle connections. Active
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.sweepStop)
	<-p.sweepDone

	for _, conn := range idle {
		conn.Close()
		p.metrics.Idle.Dec()
	}
}
