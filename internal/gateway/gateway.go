// Package gateway is the protected path to the hypervisors. Every call runs
// through the shared admission queue, then through the target's circuit
// breaker, then borrows a pooled connection, so concurrency limits, pacing
// and failure isolation apply uniformly no matter which handler or worker
// initiates the call.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/esxigate/esxigate/internal/breaker"
	"github.com/esxigate/esxigate/internal/pool"
	"github.com/esxigate/esxigate/internal/queue"
	"github.com/esxigate/esxigate/internal/vsphere"
)

// ServerSource resolves a server ID to connection parameters.
type ServerSource interface {
	Lookup(id string) (vsphere.Config, error)
}

// Options carries the per-target protection settings.
type Options struct {
	PoolSize            int
	ConnectionTTL       time.Duration
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	RequeueStaleHandles bool
}

// endpoint is the breaker + pool pair guarding one ESXi host.
type endpoint struct {
	pool    *pool.Pool
	breaker *breaker.Breaker
}

// Gateway multiplexes calls to registered ESXi hosts.
type Gateway struct {
	queue  *queue.RequestQueue
	source ServerSource
	opts   Options

	// newClient is swapped out in tests.
	newClient func(vsphere.Config) vsphere.Client

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// New creates a Gateway. Endpoints are built lazily on first use per server.
func New(q *queue.RequestQueue, source ServerSource, opts Options) *Gateway {
	return &Gateway{
		queue:     q,
		source:    source,
		opts:      opts,
		newClient: vsphere.NewClient,
		endpoints: make(map[string]*endpoint),
	}
}

func (g *Gateway) endpoint(serverID string) (*endpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ep, ok := g.endpoints[serverID]; ok {
		return ep, nil
	}

	cfg, err := g.source.Lookup(serverID)
	if err != nil {
		return nil, err
	}

	factory := func() vsphere.Client { return g.newClient(cfg) }
	ep := &endpoint{
		pool: pool.New(factory, g.opts.PoolSize, g.opts.ConnectionTTL, pool.Options{
			RequeueStaleHandles: g.opts.RequeueStaleHandles,
		}),
		breaker: breaker.New(g.opts.FailureThreshold, g.opts.RecoveryTimeout, g.opts.SuccessThreshold),
	}
	g.endpoints[serverID] = ep
	return ep, nil
}

// call runs fn against serverID under admission, breaker and pool control.
func (g *Gateway) call(ctx context.Context, serverID string, prio queue.Priority, fn func(vsphere.Client) error) error {
	ep, err := g.endpoint(serverID)
	if err != nil {
		return err
	}
	return g.queue.Execute(ctx, prio, func() error {
		return ep.breaker.Call(func() error {
			return ep.pool.With(ctx, fn)
		})
	})
}

// ListVMs returns the current VM inventory of a server.
func (g *Gateway) ListVMs(ctx context.Context, serverID string, prio queue.Priority) ([]vsphere.VM, error) {
	var vms []vsphere.VM
	err := g.call(ctx, serverID, prio, func(c vsphere.Client) error {
		var err error
		vms, err = c.ListVMs(ctx)
		return err
	})
	return vms, err
}

// VMByID returns one VM by managed object ID.
func (g *Gateway) VMByID(ctx context.Context, serverID, moid string, prio queue.Priority) (*vsphere.VM, error) {
	var vm *vsphere.VM
	err := g.call(ctx, serverID, prio, func(c vsphere.Client) error {
		var err error
		vm, err = c.VMByID(ctx, moid)
		return err
	})
	return vm, err
}

// HostStats returns the server's resource utilization.
func (g *Gateway) HostStats(ctx context.Context, serverID string, prio queue.Priority) (*vsphere.HostStats, error) {
	var stats *vsphere.HostStats
	err := g.call(ctx, serverID, prio, func(c vsphere.Client) error {
		var err error
		stats, err = c.HostStats(ctx)
		return err
	})
	return stats, err
}

// Screenshot captures the console of a VM. Returns nil data for powered-off
// VMs.
func (g *Gateway) Screenshot(ctx context.Context, serverID, moid string, prio queue.Priority) ([]byte, error) {
	var img []byte
	err := g.call(ctx, serverID, prio, func(c vsphere.Client) error {
		var err error
		img, err = c.Screenshot(ctx, moid)
		return err
	})
	return img, err
}

// ConsoleTicket acquires a WebMKS ticket. Console access is interactive, so
// it always runs at critical priority.
func (g *Gateway) ConsoleTicket(ctx context.Context, serverID, moid string) (*vsphere.ConsoleTicket, error) {
	var ticket *vsphere.ConsoleTicket
	err := g.call(ctx, serverID, queue.Critical, func(c vsphere.Client) error {
		var err error
		ticket, err = c.AcquireConsoleTicket(ctx, moid)
		return err
	})
	return ticket, err
}

// TestConnection verifies credentials by connecting directly, outside any
// registered endpoint, and returns the VM count on success.
func (g *Gateway) TestConnection(ctx context.Context, cfg vsphere.Config) (int, error) {
	c := g.newClient(cfg)
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	defer c.Disconnect(ctx)

	vms, err := c.ListVMs(ctx)
	if err != nil {
		return 0, err
	}
	return len(vms), nil
}

// BreakerState returns the breaker snapshot for a server, if its endpoint
// exists yet.
func (g *Gateway) BreakerState(serverID string) (breaker.Snapshot, bool) {
	g.mu.Lock()
	ep, ok := g.endpoints[serverID]
	g.mu.Unlock()
	if !ok {
		return breaker.Snapshot{}, false
	}
	return ep.breaker.State(), true
}

// ResetBreaker manually closes a server's breaker.
func (g *Gateway) ResetBreaker(serverID string) bool {
	g.mu.Lock()
	ep, ok := g.endpoints[serverID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	ep.breaker.Reset()
	return true
}

// PoolStats returns connection pool counters for a server.
func (g *Gateway) PoolStats(serverID string) (pool.Stats, bool) {
	g.mu.Lock()
	ep, ok := g.endpoints[serverID]
	g.mu.Unlock()
	if !ok {
		return pool.Stats{}, false
	}
	return ep.pool.Stats(), true
}

// DropServer tears down the endpoint for a server, e.g. after its
// credentials changed or it was deleted. The next call rebuilds it.
func (g *Gateway) DropServer(ctx context.Context, serverID string) {
	g.mu.Lock()
	ep, ok := g.endpoints[serverID]
	delete(g.endpoints, serverID)
	g.mu.Unlock()
	if ok {
		ep.pool.Shutdown(ctx)
	}
}

// Shutdown tears down every endpoint.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	eps := make([]*endpoint, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		eps = append(eps, ep)
	}
	g.endpoints = make(map[string]*endpoint)
	g.mu.Unlock()

	for _, ep := range eps {
		ep.pool.Shutdown(ctx)
	}
}

// BackgroundFetcher adapts the gateway to the refresh workers, running all
// fetches at background priority so interactive traffic wins contention.
type BackgroundFetcher struct {
	Gateway *Gateway
}

func (f BackgroundFetcher) Instances(ctx context.Context, targetID string) ([]vsphere.VM, error) {
	return f.Gateway.ListVMs(ctx, targetID, queue.Low)
}

func (f BackgroundFetcher) HostStats(ctx context.Context, targetID string) (*vsphere.HostStats, error) {
	return f.Gateway.HostStats(ctx, targetID, queue.Low)
}

func (f BackgroundFetcher) Screenshot(ctx context.Context, targetID, moid string) ([]byte, error) {
	return f.Gateway.Screenshot(ctx, targetID, moid, queue.Low)
}
