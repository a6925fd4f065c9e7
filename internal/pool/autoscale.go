package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/ids"
)

// StartSweeper launches a background goroutine that, every interval:
//   - tears down free instances idle longer than their plugin's IdleTTL,
//     down to MinWarm (spec.md §4.4 "idle cleanup never drops below the
//     configured minimum");
//   - pre-warms plugins whose EWMA utilization exceeds scaleUpThreshold
//     and whose total is below MaxTotal;
//   - tears down idle instances of plugins whose utilization has fallen
//     below scaleDownThreshold, down to MinWarm.
//
// Call the returned stop function to end the sweeper; it is safe to call
// more than once.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	}()
	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	p.mu.RLock()
	snapshot := make(map[ids.PluginId]*perPlugin, len(p.plugins))
	for id, pp := range p.plugins {
		snapshot[id] = pp
	}
	p.mu.RUnlock()

	for plugin, pp := range snapshot {
		p.sweepOne(ctx, plugin, pp)
	}
}

func (p *Pool) sweepOne(ctx context.Context, plugin ids.PluginId, pp *perPlugin) {
	pp.mu.Lock()
	now := time.Now()
	util := pp.utilization
	ttl := pp.cfg.IdleTTL
	minWarm := pp.cfg.MinWarm

	var toClose []*entry
	if ttl > 0 {
		kept := pp.free[:0]
		for _, e := range pp.free {
			if pp.total > minWarm && now.Sub(e.lastUsed) > ttl {
				toClose = append(toClose, e)
				pp.total--
				continue
			}
			kept = append(kept, e)
		}
		pp.free = kept
	}
	if util < p.scaleDownThreshold {
		kept := pp.free[:0]
		for _, e := range pp.free {
			if pp.total > minWarm {
				toClose = append(toClose, e)
				pp.total--
				continue
			}
			kept = append(kept, e)
		}
		pp.free = kept
	}

	shouldWarm := util > p.scaleUpThreshold && pp.total < pp.cfg.MaxTotal
	pp.mu.Unlock()

	for _, e := range toClose {
		_ = e.inst.Close(ctx)
	}

	if shouldWarm {
		inst, err := pp.factory.New(ctx)
		if err != nil {
			p.log.Warn("autoscale: failed to pre-warm instance",
				zap.String("plugin", plugin.String()), zap.Error(err))
			return
		}
		pp.mu.Lock()
		if pp.total < pp.cfg.MaxTotal {
			pp.free = append(pp.free, &entry{inst: inst, lastUsed: time.Now()})
			pp.total++
			pp.mu.Unlock()
		} else {
			pp.mu.Unlock()
			_ = inst.Close(ctx)
		}
	}
}

// Stats is a point-in-time view of one plugin's pool, exposed for
// metrics and the "status" CLI surface.
type Stats struct {
	Total       int
	Free        int
	Waiters     int
	Utilization float64
}

// StatsFor returns the current Stats for plugin, or the zero Stats if
// the plugin has no registered pool.
func (p *Pool) StatsFor(plugin ids.PluginId) Stats {
	p.mu.RLock()
	pp, ok := p.plugins[plugin]
	p.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return Stats{Total: pp.total, Free: len(pp.free), Waiters: pp.waiters, Utilization: pp.utilization}
}
