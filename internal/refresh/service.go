// Package refresh runs one background worker per registered ESXi target,
// keeping an in-memory cache of inventory, host stats and console
// screenshots warm so API reads never wait on the hypervisor. Fetch failures
// leave previous values in place; the worker paces screenshot batches with
// an adaptive per-target throttle.
package refresh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/esxigate/esxigate/internal/vsphere"
)

// minScreenshotSize guards against caching truncated PNG responses.
const minScreenshotSize = 100

// Fetcher performs the actual hypervisor reads on behalf of a worker.
type Fetcher interface {
	Instances(ctx context.Context, targetID string) ([]vsphere.VM, error)
	HostStats(ctx context.Context, targetID string) (*vsphere.HostStats, error)
	Screenshot(ctx context.Context, targetID, moid string) ([]byte, error)
}

// ScreenSink receives freshly captured screenshots.
type ScreenSink interface {
	Store(targetID, moid string, img []byte)
}

// Config holds the refresh cadence knobs.
type Config struct {
	CycleDelay    time.Duration
	BatchSize     int
	BatchDelayMin time.Duration
	BatchDelayMax time.Duration
}

// InstanceSnapshot is the cached VM list for one target.
type InstanceSnapshot struct {
	VMs      []vsphere.VM `json:"vms"`
	CacheAge float64      `json:"cache_age"`
	Error    string       `json:"error,omitempty"`
}

// StatsSnapshot is the cached host stats for one target.
type StatsSnapshot struct {
	Stats    *vsphere.HostStats `json:"stats,omitempty"`
	CacheAge float64            `json:"cache_age"`
	Error    string             `json:"error,omitempty"`
}

// TargetStats reports per-worker progress counters.
type TargetStats struct {
	Running           bool    `json:"running"`
	Cycles            int     `json:"cycles"`
	Refreshed         int     `json:"refreshed"`
	Errors            int     `json:"errors"`
	LastCycleAt       string  `json:"last_cycle_at,omitempty"`
	LastCycleSeconds  float64 `json:"last_cycle_seconds"`
	CurrentDelay      float64 `json:"current_delay"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
}

// target carries the cache and worker state for one ESXi host. The cache
// outlives the worker: stopping a target keeps its last known data.
type target struct {
	id       string
	throttle *Throttle

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	vms       []vsphere.VM
	vmsValid  bool
	stats     *vsphere.HostStats
	updatedAt time.Time
	lastError string

	cycles       int
	refreshed    int
	errors       int
	lastCycleAt  time.Time
	lastCycleDur time.Duration
}

func (t *target) running() bool { return t.cancel != nil }

// poweredOn returns the cached VMs currently worth screenshotting.
func (t *target) poweredOn() []vsphere.VM {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []vsphere.VM
	for _, vm := range t.vms {
		if vm.PoweredOn() {
			out = append(out, vm)
		}
	}
	return out
}

// Scheduler owns all refresh workers and their caches.
type Scheduler struct {
	cfg     Config
	fetcher Fetcher
	sink    ScreenSink

	mu      sync.Mutex
	targets map[string]*target

	nowFunc func() time.Time
}

// New creates a Scheduler. Workers start via StartTarget.
func New(cfg Config, fetcher Fetcher, sink ScreenSink) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		targets: make(map[string]*target),
		nowFunc: time.Now,
	}
}

// StartTarget launches the refresh worker for id. Starting an already
// running target is a no-op.
func (s *Scheduler) StartTarget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.targets[id]
	if t == nil {
		t = &target{
			id:       id,
			throttle: newThrottle(s.cfg.BatchDelayMin, s.cfg.BatchDelayMax),
		}
		s.targets[id] = t
	}
	if t.running() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go s.run(ctx, t)
	log.Printf("refresh: worker started for target %s", id)
}

// StopTarget stops the worker for id and waits for it to exit. The cached
// data for the target is kept.
func (s *Scheduler) StopTarget(id string) {
	s.mu.Lock()
	t := s.targets[id]
	var done chan struct{}
	if t != nil && t.running() {
		t.cancel()
		t.cancel = nil
		done = t.done
	}
	s.mu.Unlock()

	if done != nil {
		<-done
		log.Printf("refresh: worker stopped for target %s", id)
	}
}

// StopAll stops every worker, for shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopTarget(id)
	}
}

// Invalidate clears the cached data for one target without touching its
// worker.
func (s *Scheduler) Invalidate(id string) {
	s.mu.Lock()
	t := s.targets[id]
	s.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	t.vms = nil
	t.vmsValid = false
	t.stats = nil
	t.updatedAt = time.Time{}
	t.lastError = ""
	t.mu.Unlock()
}

// InvalidateAll clears every target's cache.
func (s *Scheduler) InvalidateAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Invalidate(id)
	}
}

// CachedInstances returns the cached VM list for a target. ok is false when
// the target has never completed a fetch attempt.
func (s *Scheduler) CachedInstances(id string) (*InstanceSnapshot, bool) {
	s.mu.Lock()
	t := s.targets[id]
	s.mu.Unlock()
	if t == nil {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.vmsValid && t.lastError == "" {
		return nil, false
	}

	snap := &InstanceSnapshot{
		VMs:   append([]vsphere.VM(nil), t.vms...),
		Error: t.lastError,
	}
	if !t.updatedAt.IsZero() {
		snap.CacheAge = s.nowFunc().Sub(t.updatedAt).Seconds()
	}
	return snap, true
}

// CachedStats returns the cached host stats for a target.
func (s *Scheduler) CachedStats(id string) (*StatsSnapshot, bool) {
	s.mu.Lock()
	t := s.targets[id]
	s.mu.Unlock()
	if t == nil {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats == nil && t.lastError == "" {
		return nil, false
	}

	snap := &StatsSnapshot{
		Stats: t.stats,
		Error: t.lastError,
	}
	if !t.updatedAt.IsZero() {
		snap.CacheAge = s.nowFunc().Sub(t.updatedAt).Seconds()
	}
	return snap, true
}

// Stats reports per-target worker counters.
func (s *Scheduler) Stats() map[string]TargetStats {
	type entry struct {
		t       *target
		running bool
	}
	s.mu.Lock()
	entries := make([]entry, 0, len(s.targets))
	for _, t := range s.targets {
		entries = append(entries, entry{t: t, running: t.running()})
	}
	s.mu.Unlock()

	out := make(map[string]TargetStats, len(entries))
	for _, e := range entries {
		t := e.t
		t.mu.Lock()
		ts := TargetStats{
			Running:           e.running,
			Cycles:            t.cycles,
			Refreshed:         t.refreshed,
			Errors:            t.errors,
			LastCycleSeconds:  t.lastCycleDur.Seconds(),
			CurrentDelay:      t.throttle.Delay().Seconds(),
			ConsecutiveErrors: t.throttle.ConsecutiveErrors(),
		}
		if !t.lastCycleAt.IsZero() {
			ts.LastCycleAt = t.lastCycleAt.UTC().Format(time.RFC3339)
		}
		id := t.id
		t.mu.Unlock()
		out[id] = ts
	}
	return out
}

// run is the per-target worker loop.
func (s *Scheduler) run(ctx context.Context, t *target) {
	defer close(t.done)

	for {
		if ctx.Err() != nil {
			return
		}

		start := s.nowFunc()
		s.refreshInventory(ctx, t)

		if vms := t.poweredOn(); len(vms) > 0 {
			if !s.refreshScreens(ctx, t, vms) {
				return
			}
		}

		t.mu.Lock()
		t.cycles++
		t.lastCycleAt = start
		t.lastCycleDur = s.nowFunc().Sub(start)
		t.mu.Unlock()

		if !sleepCtx(ctx, s.cfg.CycleDelay) {
			return
		}
	}
}

// refreshInventory fetches the VM list and host stats independently, so a
// failure in one does not discard fresh data from the other.
func (s *Scheduler) refreshInventory(ctx context.Context, t *target) {
	vms, vmErr := s.fetcher.Instances(ctx, t.id)
	stats, stErr := s.fetcher.HostStats(ctx, t.id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if vmErr == nil {
		t.vms = vms
		t.vmsValid = true
	} else {
		t.errors++
	}
	if stErr == nil {
		t.stats = stats
	} else {
		t.errors++
	}
	if vmErr == nil || stErr == nil {
		t.updatedAt = s.nowFunc()
	}

	switch {
	case vmErr != nil && stErr != nil:
		t.lastError = fmt.Sprintf("VMs: %v; Stats: %v", vmErr, stErr)
	case vmErr != nil:
		t.lastError = fmt.Sprintf("VMs: %v", vmErr)
	case stErr != nil:
		t.lastError = fmt.Sprintf("Stats: %v", stErr)
	default:
		t.lastError = ""
	}
	if t.lastError != "" && ctx.Err() == nil {
		log.Printf("refresh: target %s inventory: %s", t.id, t.lastError)
	}
}

// refreshScreens captures screenshots for vms in batches, pacing batches
// with the target's adaptive delay. Returns false when the worker should
// exit.
func (s *Scheduler) refreshScreens(ctx context.Context, t *target, vms []vsphere.VM) bool {
	batch := s.cfg.BatchSize
	if batch < 1 {
		batch = 1
	}

	for i := 0; i < len(vms); i += batch {
		end := min(i+batch, len(vms))
		for _, vm := range vms[i:end] {
			if ctx.Err() != nil {
				return false
			}

			t.throttle.Track()
			img, err := s.fetcher.Screenshot(ctx, t.id, vm.MOID)
			if err != nil {
				t.mu.Lock()
				t.errors++
				t.mu.Unlock()
				if vsphere.IsOverload(err) {
					t.throttle.AdjustOnError(err.Error())
				} else if ctx.Err() == nil {
					log.Printf("refresh: screenshot %s/%s: %v", t.id, vm.MOID, err)
				}
				continue
			}

			t.throttle.AdjustOnSuccess()
			if len(img) > minScreenshotSize {
				s.sink.Store(t.id, vm.MOID, img)
				t.mu.Lock()
				t.refreshed++
				t.mu.Unlock()
			}
		}

		if end < len(vms) {
			if !sleepCtx(ctx, t.throttle.Delay()) {
				return false
			}
		}
	}
	return true
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
