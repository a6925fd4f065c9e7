package policy

import (
	"sync"
	"time"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

// ResourceKind names a metered resource a plugin draws against. The set
// is open — a contrib-registered component may check a ResourceKind the
// runtime doesn't interpret itself, the same way CustomCapability lets a
// capability kind be opaque to the Kernel.
type ResourceKind string

const (
	ResourceCPUTimeMicros ResourceKind = "cpu_time_micros"
	ResourceMemoryBytes   ResourceKind = "memory_bytes"
	ResourceInstanceCount ResourceKind = "instance_count"
	ResourceWorkflowNodes ResourceKind = "workflow_nodes"
)

// ResourceRequest asks to draw Amount units of Resource against plugin's
// ceiling.
type ResourceRequest struct {
	Resource ResourceKind
	Amount   uint64
}

// bucket is a token bucket: Capacity tokens refilled at RatePerSecond,
// the same token-bucket-ceiling idiom the runtime's predecessor used for
// per-process budget enforcement.
type bucket struct {
	capacity float64
	rate     float64 // tokens added per second
	tokens   float64
	lastFill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastFill = now
}

func (b *bucket) consume(now time.Time, amount float64) bool {
	b.refill(now)
	if b.tokens < amount {
		return false
	}
	b.tokens -= amount
	return true
}

// Ceiling configures the bucket for one ResourceKind: Capacity is the
// maximum burst, RatePerSecond is the steady-state refill rate.
type Ceiling struct {
	Capacity      float64
	RatePerSecond float64
}

// QuotaTracker enforces per-plugin, per-ResourceKind token-bucket
// ceilings. A ResourceKind with no configured Ceiling is unmetered and
// always allowed — matching EvaluateResource's default-open contract.
type QuotaTracker struct {
	mu       sync.Mutex
	ceilings map[ResourceKind]Ceiling
	buckets  map[ids.PluginId]map[ResourceKind]*bucket
	now      func() time.Time
}

// NewQuotaTracker constructs a tracker with the given per-resource
// ceilings. Resources absent from ceilings are never throttled.
func NewQuotaTracker(ceilings map[ResourceKind]Ceiling) *QuotaTracker {
	return &QuotaTracker{
		ceilings: ceilings,
		buckets:  make(map[ids.PluginId]map[ResourceKind]*bucket),
		now:      time.Now,
	}
}

// Consume attempts to draw req.Amount units of req.Resource for plugin,
// returning Deny if doing so would exceed the configured ceiling.
func (q *QuotaTracker) Consume(plugin ids.PluginId, req ResourceRequest) capability.Decision {
	ceiling, metered := q.ceilings[req.Resource]
	if !metered {
		return capability.Allow()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	plugBuckets, ok := q.buckets[plugin]
	if !ok {
		plugBuckets = make(map[ResourceKind]*bucket)
		q.buckets[plugin] = plugBuckets
	}
	b, ok := plugBuckets[req.Resource]
	if !ok {
		b = &bucket{capacity: ceiling.Capacity, rate: ceiling.RatePerSecond, tokens: ceiling.Capacity, lastFill: q.now()}
		plugBuckets[req.Resource] = b
	}

	if b.consume(q.now(), float64(req.Amount)) {
		return capability.Allow()
	}
	return capability.Deny("resource quota exceeded for " + string(req.Resource))
}
