package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// fakeConn is an in-memory pool.Conn.
type fakeConn struct {
	id       uint64
	mu       sync.Mutex
	state    tds.State
	lastUsed time.Time
	epoch    uint64

	pingErr    error
	pings      int
	resets     int
	closed     bool
	drainCalls int
}

func newFakeConn(id uint64) *fakeConn {
	return &fakeConn{id: id, state: tds.StateLoggedIn, lastUsed: time.Now()}
}

func (c *fakeConn) ID() uint64 { return c.id }
func (c *fakeConn) State() tds.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
func (c *fakeConn) setState(s tds.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
func (c *fakeConn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}
func (c *fakeConn) setLastUsed(t time.Time) {
	c.mu.Lock()
	c.lastUsed = t
	c.mu.Unlock()
}
func (c *fakeConn) BumpEpoch() {
	c.mu.Lock()
	c.epoch++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}
func (c *fakeConn) RequestReset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}
func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.pingErr != nil {
		c.state = tds.StateFailed
		return c.pingErr
	}
	c.state = tds.StateIdle
	return nil
}
func (c *fakeConn) DrainCurrent(bound time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainCalls++
	if c.state == tds.StateExecuting {
		c.state = tds.StateIdle
	}
	return nil
}
func (c *fakeConn) Fail() { c.setState(tds.StateFailed) }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = tds.StateClosed
	return nil
}

func newTestPool(t *testing.T, cfg Config, dial Dialer) *Pool {
	t.Helper()
	p := NewWithDialer("test", dial, nil, cfg, log.Nop(), nil)
	t.Cleanup(p.Close)
	return p
}

func countingDialer(counter *atomic.Int64) Dialer {
	return func(ctx context.Context, id uint64) (Conn, error) {
		counter.Add(1)
		return newFakeConn(id), nil
	}
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 2}, countingDialer(&dials))
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", dials.Load())
	}

	p.Release(conn)
	idle, active := p.Stats()
	if idle != 1 || active != 0 {
		t.Errorf("stats = %d/%d, want 1 idle 0 active", idle, active)
	}

	again, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again.ID() != conn.ID() {
		t.Error("idle connection not reused")
	}
	if dials.Load() != 1 {
		t.Errorf("dials = %d after reuse, want 1", dials.Load())
	}
	if again.(*fakeConn).pings != 1 {
		t.Errorf("pings = %d, want 1 health probe on reuse", again.(*fakeConn).pings)
	}
}

func TestAcquireRespectsMaxSize(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: 50 * time.Millisecond}, countingDialer(&dials))
	ctx := context.Background()

	c1, _ := p.Acquire(ctx)
	c2, _ := p.Acquire(ctx)
	if c1 == nil || c2 == nil {
		t.Fatal("initial acquisitions failed")
	}

	idle, active := p.Stats()
	if idle+active > 2 {
		t.Errorf("|idle|+|active| = %d exceeds max", idle+active)
	}

	// Third acquisition times out.
	_, err := p.Acquire(ctx)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !errors.IsCode(err, errors.ErrCodePoolTimeout) {
		t.Errorf("error = %v, want PoolTimeout", err)
	}
}

func TestAcquireWakesOnRelease(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 2 * time.Second}, countingDialer(&dials))
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiter Acquire: %v", err)
			return
		}
		acquired <- c
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(conn)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquireCancelledWaiter(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 5 * time.Second}, countingDialer(&dials))

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.IsCode(err, errors.ErrCodeCancelled) {
			t.Errorf("error = %v, want Cancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not wake")
	}
}

func TestHealthProbeDiscardsDeadConnection(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 2}, countingDialer(&dials))
	ctx := context.Background()

	conn, _ := p.Acquire(ctx)
	fc := conn.(*fakeConn)
	p.Release(conn)

	// The idle connection dies while pooled.
	fc.mu.Lock()
	fc.pingErr = errors.New(errors.ErrCodeIoRead, "connection reset")
	fc.mu.Unlock()

	again, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again.ID() == fc.id {
		t.Error("dead connection handed out")
	}
	if !fc.closed {
		t.Error("dead connection not closed")
	}
	if dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", dials.Load())
	}
}

func TestEstablishRetriesOnceOnTransientError(t *testing.T) {
	var attempts atomic.Int64
	dial := func(ctx context.Context, id uint64) (Conn, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New(errors.ErrCodeIoConnect, "connection refused")
		}
		return newFakeConn(id), nil
	}
	p := newTestPool(t, Config{MaxSize: 1}, dial)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after transient failure: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestEstablishDoesNotRetryAuthError(t *testing.T) {
	var attempts atomic.Int64
	dial := func(ctx context.Context, id uint64) (Conn, error) {
		attempts.Add(1)
		return nil, errors.New(errors.ErrCodeAuthMissingCredentials, "login rejected")
	}
	p := newTestPool(t, Config{MaxSize: 1}, dial)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts.Load())
	}
}

func TestReleaseDrainsExecuting(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 1}, countingDialer(&dials))

	conn, _ := p.Acquire(context.Background())
	fc := conn.(*fakeConn)
	fc.setState(tds.StateExecuting)

	p.Release(conn)
	if fc.drainCalls != 1 {
		t.Errorf("drain calls = %d, want 1", fc.drainCalls)
	}
	idle, _ := p.Stats()
	if idle != 1 {
		t.Errorf("idle = %d, want drained connection back in pool", idle)
	}
}

func TestReleaseDiscardsFailed(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 1}, countingDialer(&dials))

	conn, _ := p.Acquire(context.Background())
	conn.Fail()
	p.Release(conn)

	idle, active := p.Stats()
	if idle != 0 || active != 0 {
		t.Errorf("stats = %d/%d after failed release, want 0/0", idle, active)
	}
	if !conn.(*fakeConn).closed {
		t.Error("failed connection not closed")
	}
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 2, IdleTimeout: 10 * time.Millisecond}, countingDialer(&dials))

	conn, _ := p.Acquire(context.Background())
	fc := conn.(*fakeConn)
	p.Release(conn)

	fc.setLastUsed(time.Now().Add(-time.Minute))
	p.sweep(time.Now())

	idle, _ := p.Stats()
	if idle != 0 {
		t.Errorf("idle = %d after sweep, want 0", idle)
	}
	if !fc.closed {
		t.Error("evicted connection not closed")
	}
}

func TestMRUOrdering(t *testing.T) {
	var dials atomic.Int64
	p := newTestPool(t, Config{MaxSize: 2}, countingDialer(&dials))
	ctx := context.Background()

	c1, _ := p.Acquire(ctx)
	c2, _ := p.Acquire(ctx)
	p.Release(c1)
	p.Release(c2) // most recently used

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID() != c2.ID() {
		t.Errorf("acquired %d, want most-recently-used %d", got.ID(), c2.ID())
	}
}

func TestPoolClosed(t *testing.T) {
	var dials atomic.Int64
	p := NewWithDialer("closing", countingDialer(&dials), nil, Config{MaxSize: 1}, log.Nop(), nil)
	p.Close()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("Acquire succeeded on closed pool")
	}
}
