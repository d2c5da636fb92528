// Package pool maintains a bounded pool of authenticated vSphere clients.
// ESXi logins are expensive (full SOAP session handshake), so handles are
// reused until they age out or fail a liveness probe. Validation is lazy:
// a handle is checked only when acquired, never evicted in the background.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/esxigate/esxigate/internal/vsphere"
)

// validateTimeout bounds the liveness probe during acquire.
const validateTimeout = 5 * time.Second

// ReconnectError reports a failure to replace an invalid pooled handle.
type ReconnectError struct {
	Err error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect failed: %v", e.Err)
}

func (e *ReconnectError) Unwrap() error { return e.Err }

// Handle wraps a connected client with pool bookkeeping. A handle is held
// by at most one caller at a time.
type Handle struct {
	Client    vsphere.Client
	createdAt time.Time
	lastUsed  time.Time
}

// Age returns how long ago the handle's connection was established.
func (h *Handle) Age(now time.Time) time.Duration {
	return now.Sub(h.createdAt)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	PoolSize             int `json:"pool_size"`
	AvailableConnections int `json:"available_connections"`
	ActiveConnections    int `json:"active_connections"`
	TotalConnections     int `json:"total_connections"`
	Reconnects           int `json:"reconnects"`
	Errors               int `json:"errors"`
}

// Options tune pool behavior beyond size and TTL.
type Options struct {
	// RequeueStaleHandles restores the legacy behavior of pushing a dead
	// handle back into the pool when its replacement connection cannot be
	// established. The handle then fails validation again on its next
	// acquire. Default (false) discards the handle outright.
	RequeueStaleHandles bool
}

// Pool is a thread-safe, bounded pool of connected clients.
type Pool struct {
	factory vsphere.Factory
	size    int
	ttl     time.Duration
	opts    Options

	idle chan *Handle

	mu      sync.Mutex
	active  int
	total   int
	reconns int
	errors  int

	nowFunc func() time.Time
}

// New creates a Pool that builds clients with factory, holds at most size
// idle handles and replaces any handle older than ttl.
func New(factory vsphere.Factory, size int, ttl time.Duration, opts Options) *Pool {
	return &Pool{
		factory: factory,
		size:    size,
		ttl:     ttl,
		opts:    opts,
		idle:    make(chan *Handle, size),
		nowFunc: time.Now,
	}
}

// Acquire returns a validated handle, creating or replacing connections as
// needed. The caller must pass the handle to Release when done, from every
// exit path.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	var h *Handle
	select {
	case h = <-p.idle:
	default:
		fresh, err := p.connect(ctx)
		if err != nil {
			p.mu.Lock()
			p.errors++
			p.mu.Unlock()
			return nil, err
		}
		h = fresh
		p.mu.Lock()
		p.total++
		p.mu.Unlock()
	}

	if !p.valid(ctx, h) {
		// Tear down and replace transparently.
		h.Client.Disconnect(ctx)

		fresh, err := p.connect(ctx)
		if err != nil {
			p.mu.Lock()
			p.errors++
			p.mu.Unlock()
			if p.opts.RequeueStaleHandles {
				// Legacy behavior: keep the dead handle in pool
				// bookkeeping; it will fail validation again on the
				// next acquire.
				select {
				case p.idle <- h:
				default:
				}
			}
			return nil, &ReconnectError{Err: err}
		}
		h = fresh
		p.mu.Lock()
		p.reconns++
		p.mu.Unlock()
	}

	h.lastUsed = p.nowFunc()
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return h, nil
}

// Release returns a handle to the pool, or disconnects it when the pool is
// already full.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	h.lastUsed = p.nowFunc()
	select {
	case p.idle <- h:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
		defer cancel()
		if err := h.Client.Disconnect(ctx); err != nil {
			log.Printf("pool: disconnect surplus handle: %v", err)
		}
	}
}

// With acquires a handle, runs fn and releases the handle on every path.
func (p *Pool) With(ctx context.Context, fn func(vsphere.Client) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.Client)
}

func (p *Pool) connect(ctx context.Context) (*Handle, error) {
	c := p.factory()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	now := p.nowFunc()
	return &Handle{Client: c, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) valid(ctx context.Context, h *Handle) bool {
	if h.Age(p.nowFunc()) > p.ttl {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return h.Client.Live(probeCtx) == nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolSize:             p.size,
		AvailableConnections: len(p.idle),
		ActiveConnections:    p.active,
		TotalConnections:     p.total,
		Reconnects:           p.reconns,
		Errors:               p.errors,
	}
}

// Shutdown disconnects every idle handle. Held handles are disconnected as
// they are released once the pool has been abandoned.
func (p *Pool) Shutdown(ctx context.Context) {
	for {
		select {
		case h := <-p.idle:
			if err := h.Client.Disconnect(ctx); err != nil {
				log.Printf("pool: shutdown disconnect: %v", err)
			}
		default:
			return
		}
	}
}
