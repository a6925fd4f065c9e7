// Package pool implements the Instance Pool & Concurrency Manager
// (spec.md §4.4/§5): per-plugin pools of warm isolation.Instance values,
// acquired and released under a scoped handle, auto-scaled against
// observed utilization.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
)

// Factory creates Instances for one plugin. The Pool calls New to
// pre-warm and to grow on demand; it never constructs an
// isolation.Instance itself, and it closes instances directly.
type Factory interface {
	New(ctx context.Context) (isolation.Instance, error)
}

// Config bounds one plugin's pool.
type Config struct {
	MinWarm         int
	MaxTotal        int
	AcquireTimeout  time.Duration
	IdleTTL         time.Duration // an idle instance older than this is torn down on the next sweep
}

type entry struct {
	inst      isolation.Instance
	lastUsed  time.Time
}

// perPlugin is the pool state for a single plugin.
type perPlugin struct {
	mu       sync.Mutex
	cfg      Config
	factory  Factory
	free     []*entry // FIFO free queue: append to push, take index 0 to pop
	total    int
	waiters  int
	// EWMA-smoothed utilization in [0,1], updated on every acquire/release,
	// consulted by the auto-scaler (spec.md §4.4 "scale up/down on observed
	// utilization, not instantaneous snapshots").
	utilization float64
}

// Pool is the runtime-wide Instance Pool, holding one perPlugin pool for
// every plugin that has been loaded.
type Pool struct {
	log *zap.Logger

	mu      sync.RWMutex
	plugins map[ids.PluginId]*perPlugin

	scaleUpThreshold   float64
	scaleDownThreshold float64
	ewmaAlpha          float64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs an empty Pool. scaleUpThreshold/scaleDownThreshold are
// the utilization bounds the auto-scaler reacts to (e.g. 0.8 and 0.2);
// ewmaAlpha is the smoothing factor for the utilization estimate.
func New(log *zap.Logger, scaleUpThreshold, scaleDownThreshold, ewmaAlpha float64) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:                log,
		plugins:            make(map[ids.PluginId]*perPlugin),
		scaleUpThreshold:   scaleUpThreshold,
		scaleDownThreshold: scaleDownThreshold,
		ewmaAlpha:          ewmaAlpha,
		stopSweep:          make(chan struct{}),
	}
}

// Register creates the pool for plugin and pre-warms it to cfg.MinWarm
// instances.
func (p *Pool) Register(ctx context.Context, plugin ids.PluginId, cfg Config, factory Factory) error {
	pp := &perPlugin{cfg: cfg, factory: factory}

	p.mu.Lock()
	p.plugins[plugin] = pp
	p.mu.Unlock()

	for i := 0; i < cfg.MinWarm; i++ {
		inst, err := factory.New(ctx)
		if err != nil {
			return errs.WrapDetail(errs.FamilyConcurrency, errs.ConcurrencyInstanceCreateFailed, "Pool.Register", plugin.String(), err)
		}
		pp.mu.Lock()
		pp.free = append(pp.free, &entry{inst: inst, lastUsed: time.Now()})
		pp.total++
		pp.mu.Unlock()
	}
	return nil
}

// Unregister tears down every instance of plugin's pool and removes it.
func (p *Pool) Unregister(ctx context.Context, plugin ids.PluginId) {
	p.mu.Lock()
	pp, ok := p.plugins[plugin]
	delete(p.plugins, plugin)
	p.mu.Unlock()
	if !ok {
		return
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for _, e := range pp.free {
		_ = e.inst.Close(ctx)
	}
	pp.free = nil
	pp.total = 0
}

// Handle is a scoped borrow of an Instance. Callers must call Release
// exactly once; a typical call site defers it immediately after Acquire
// succeeds.
type Handle struct {
	pool   *Pool
	plugin ids.PluginId
	entry  *entry
	failed bool
}

// Instance returns the borrowed isolation.Instance.
func (h *Handle) Instance() isolation.Instance { return h.entry.inst }

// MarkFailed flags the instance as unhealthy so Release tears it down
// instead of returning it to the free queue.
func (h *Handle) MarkFailed() { h.failed = true }

// Release returns the instance to its pool's free queue, or tears it
// down if MarkFailed was called. A failed instance is not replaced; the
// next Acquire creates a new one on demand.
func (h *Handle) Release(ctx context.Context) {
	h.pool.release(ctx, h.plugin, h.entry, h.failed)
}

// Acquire borrows a warm instance for plugin, blocking up to the
// plugin's AcquireTimeout (spec.md §8 "acquisition blocks up to a
// configured timeout, then fails with a pool-exhausted error").
func (p *Pool) Acquire(ctx context.Context, plugin ids.PluginId) (*Handle, error) {
	p.mu.RLock()
	pp, ok := p.plugins[plugin]
	p.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.FamilyConcurrency, errs.ConcurrencyNoAvailable, "Pool.Acquire", plugin.String())
	}

	deadline := time.Now().Add(pp.cfg.AcquireTimeout)
	if pp.cfg.AcquireTimeout <= 0 {
		deadline = time.Time{}
	}

	for {
		pp.mu.Lock()
		if len(pp.free) > 0 {
			e := pp.free[0]
			pp.free = pp.free[1:]
			pp.updateUtilizationLocked(p.ewmaAlpha, true)
			pp.mu.Unlock()
			e.lastUsed = time.Now()
			return &Handle{pool: p, plugin: plugin, entry: e}, nil
		}
		if pp.total < pp.cfg.MaxTotal {
			pp.total++
			pp.mu.Unlock()
			inst, err := pp.factory.New(ctx)
			if err != nil {
				pp.mu.Lock()
				pp.total--
				pp.mu.Unlock()
				return nil, errs.WrapDetail(errs.FamilyConcurrency, errs.ConcurrencyInstanceCreateFailed, "Pool.Acquire", plugin.String(), err)
			}
			pp.mu.Lock()
			pp.updateUtilizationLocked(p.ewmaAlpha, true)
			pp.mu.Unlock()
			return &Handle{pool: p, plugin: plugin, entry: &entry{inst: inst, lastUsed: time.Now()}}, nil
		}
		pp.waiters++
		pp.mu.Unlock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			pp.mu.Lock()
			pp.waiters--
			pp.mu.Unlock()
			return nil, errs.New(errs.FamilyConcurrency, errs.ConcurrencyAcquisitionTimeout, "Pool.Acquire", plugin.String())
		}

		select {
		case <-ctx.Done():
			pp.mu.Lock()
			pp.waiters--
			pp.mu.Unlock()
			return nil, errs.WrapDetail(errs.FamilyConcurrency, errs.ConcurrencyAcquisitionTimeout, "Pool.Acquire", plugin.String(), ctx.Err())
		case <-time.After(pollInterval(deadline)):
			pp.mu.Lock()
			pp.waiters--
			pp.mu.Unlock()
		}
	}
}

func pollInterval(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 20 * time.Millisecond
	}
	remaining := time.Until(deadline)
	if remaining < 20*time.Millisecond {
		if remaining <= 0 {
			return time.Millisecond
		}
		return remaining
	}
	return 20 * time.Millisecond
}

func (p *Pool) release(ctx context.Context, plugin ids.PluginId, e *entry, failed bool) {
	p.mu.RLock()
	pp, ok := p.plugins[plugin]
	p.mu.RUnlock()
	if !ok {
		_ = e.inst.Close(ctx)
		return
	}

	pp.mu.Lock()
	pp.updateUtilizationLocked(p.ewmaAlpha, false)
	if failed {
		pp.total--
		pp.mu.Unlock()
		_ = e.inst.Close(ctx)
		return
	}
	e.lastUsed = time.Now()
	pp.free = append(pp.free, e)
	pp.mu.Unlock()
}

// updateUtilizationLocked recomputes the EWMA utilization estimate.
// Called with pp.mu held. observed is 1.0 on an acquire (instance went
// busy) and 0.0 on a release.
func (pp *perPlugin) updateUtilizationLocked(alpha float64, busy bool) {
	sample := 0.0
	if busy {
		sample = 1.0
	}
	pp.utilization = alpha*sample + (1-alpha)*pp.utilization
}

// CallFunction is the convenience wrapper spec.md §4.4 calls for:
// acquire, call, release — even on error — in one step.
func (p *Pool) CallFunction(ctx context.Context, plugin ids.PluginId, function string, args ...uint64) ([]uint64, error) {
	h, err := p.Acquire(ctx, plugin)
	if err != nil {
		return nil, err
	}
	results, callErr := h.Instance().Call(ctx, function, args...)
	if callErr != nil {
		h.MarkFailed()
	}
	h.Release(ctx)
	return results, callErr
}
