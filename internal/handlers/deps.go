// deps.go declares the shared services handlers use. main assigns them
// during startup, before the router is mounted.
package handlers

import (
	"context"

	"github.com/esxigate/esxigate/internal/breaker"
	"github.com/esxigate/esxigate/internal/pool"
	"github.com/esxigate/esxigate/internal/queue"
	"github.com/esxigate/esxigate/internal/refresh"
	"github.com/esxigate/esxigate/internal/relay"
	"github.com/esxigate/esxigate/internal/thumbnail"
	"github.com/esxigate/esxigate/internal/vsphere"
)

// Hypervisor is the gateway surface handlers call into.
type Hypervisor interface {
	ListVMs(ctx context.Context, serverID string, prio queue.Priority) ([]vsphere.VM, error)
	HostStats(ctx context.Context, serverID string, prio queue.Priority) (*vsphere.HostStats, error)
	ConsoleTicket(ctx context.Context, serverID, moid string) (*vsphere.ConsoleTicket, error)
	TestConnection(ctx context.Context, cfg vsphere.Config) (int, error)
	BreakerState(serverID string) (breaker.Snapshot, bool)
	ResetBreaker(serverID string) bool
	PoolStats(serverID string) (pool.Stats, bool)
	DropServer(ctx context.Context, serverID string)
}

var (
	Gw        Hypervisor
	Refresher *refresh.Scheduler
	Thumbs    *thumbnail.Cache
	Sessions  *relay.Store
	Queue     *queue.RequestQueue
)
