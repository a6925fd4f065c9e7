// Package observability — metrics.go
//
// Prometheus metrics for the plugin runtime.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: plugink_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - PluginId is NOT used as a label (unbounded cardinality); counters
//     are aggregated across plugins before recording.
//   - State/outcome labels use small closed string sets (capability
//     Kind, policy action, node state, event family).
package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the runtime.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Capability Kernel (C3) ──────────────────────────────────────────────

	// CapabilityChecksTotal counts check() calls, by allowed/denied.
	CapabilityChecksTotal *prometheus.CounterVec

	// CapabilityGrantsTotal counts grant() calls.
	CapabilityGrantsTotal prometheus.Counter

	// CapabilityRevokesTotal counts revoke()/partial_revoke() calls, by kind.
	// Labels: kind (full, partial)
	CapabilityRevokesTotal *prometheus.CounterVec

	// ─── Policy Engine (C4) ──────────────────────────────────────────────────

	// PolicyEvaluationsTotal counts rule evaluations, by resulting action.
	// Labels: action (allow, deny, log)
	PolicyEvaluationsTotal *prometheus.CounterVec

	// ─── Isolation Backend (C5) ──────────────────────────────────────────────

	// IsolationInstancesCreatedTotal counts instance() creations, by plugin type.
	IsolationInstancesCreatedTotal *prometheus.CounterVec

	// IsolationModuleCacheHitsTotal / MissesTotal count the compiled-module cache.
	IsolationModuleCacheHitsTotal   prometheus.Counter
	IsolationModuleCacheMissesTotal prometheus.Counter

	// IsolationHostCallLatency records host-call ABI dispatch latency.
	IsolationHostCallLatency *prometheus.HistogramVec

	// ─── Instance Pool (C6) ──────────────────────────────────────────────────

	// PoolInstancesCurrent is the current instance count, by state.
	// Labels: state (idle, in_use)
	PoolInstancesCurrent *prometheus.GaugeVec

	// PoolAcquireLatency records acquire() wait time.
	PoolAcquireLatency prometheus.Histogram

	// PoolAcquireTimeoutsTotal counts acquisition timeouts.
	PoolAcquireTimeoutsTotal prometheus.Counter

	// ─── Message Bus (C7) ────────────────────────────────────────────────────

	// BusMessagesTotal counts messages sent, by outcome (delivered, dropped).
	BusMessagesTotal *prometheus.CounterVec

	// ─── Workflow Executor (C9) ──────────────────────────────────────────────

	// WorkflowExecutionsTotal counts completed executions, by final state.
	WorkflowExecutionsTotal *prometheus.CounterVec

	// WorkflowNodeDuration records per-node execution latency.
	WorkflowNodeDuration prometheus.Histogram

	// ─── Event Orchestrator (C10) ────────────────────────────────────────────

	// EventsProcessedTotal counts orchestrator events, by family and outcome.
	EventsProcessedTotal *prometheus.CounterVec

	// EventQueueDepth is the current inbound event queue depth.
	EventQueueDepth prometheus.Gauge

	// ─── Runtime ──────────────────────────────────────────────────────────────

	// RuntimeUptimeSeconds is the number of seconds since the daemon started.
	RuntimeUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all plugin-runtime Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CapabilityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "capability",
			Name:      "checks_total",
			Help:      "Total capability check() calls, by allowed/denied.",
		}, []string{"allowed"}),

		CapabilityGrantsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "capability",
			Name:      "grants_total",
			Help:      "Total capability grant() calls.",
		}),

		CapabilityRevokesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "capability",
			Name:      "revokes_total",
			Help:      "Total capability revoke() calls, by kind (full, partial).",
		}, []string{"kind"}),

		PolicyEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "policy",
			Name:      "evaluations_total",
			Help:      "Total policy rule evaluations, by resulting action.",
		}, []string{"action"}),

		IsolationInstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "isolation",
			Name:      "instances_created_total",
			Help:      "Total sandboxed instances created, by plugin type.",
		}, []string{"plugin_type"}),

		IsolationModuleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "isolation",
			Name:      "module_cache_hits_total",
			Help:      "Total compiled-module cache hits.",
		}),

		IsolationModuleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "isolation",
			Name:      "module_cache_misses_total",
			Help:      "Total compiled-module cache misses requiring recompilation.",
		}),

		IsolationHostCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plugink",
			Subsystem: "isolation",
			Name:      "host_call_latency_seconds",
			Help:      "Host-call ABI dispatch latency, by import name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"import"}),

		PoolInstancesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plugink",
			Subsystem: "pool",
			Name:      "instances_current",
			Help:      "Current pooled instance count, by state (idle, in_use).",
		}, []string{"state"}),

		PoolAcquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plugink",
			Subsystem: "pool",
			Name:      "acquire_latency_seconds",
			Help:      "Instance acquisition wait time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		PoolAcquireTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "pool",
			Name:      "acquire_timeouts_total",
			Help:      "Total instance acquisition timeouts.",
		}),

		BusMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Total messages handled by the message bus, by outcome.",
		}, []string{"outcome"}),

		WorkflowExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Total completed workflow executions, by final state.",
		}, []string{"state"}),

		WorkflowNodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plugink",
			Subsystem: "workflow",
			Name:      "node_duration_seconds",
			Help:      "Per-node execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugink",
			Subsystem: "event",
			Name:      "processed_total",
			Help:      "Total orchestrator events processed, by family and outcome.",
		}, []string{"family", "outcome"}),

		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugink",
			Subsystem: "event",
			Name:      "queue_depth",
			Help:      "Current depth of the orchestrator's inbound event queue.",
		}),

		RuntimeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plugink",
			Subsystem: "runtime",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.CapabilityChecksTotal,
		m.CapabilityGrantsTotal,
		m.CapabilityRevokesTotal,
		m.PolicyEvaluationsTotal,
		m.IsolationInstancesCreatedTotal,
		m.IsolationModuleCacheHitsTotal,
		m.IsolationModuleCacheMissesTotal,
		m.IsolationHostCallLatency,
		m.PoolInstancesCurrent,
		m.PoolAcquireLatency,
		m.PoolAcquireTimeoutsTotal,
		m.BusMessagesTotal,
		m.WorkflowExecutionsTotal,
		m.WorkflowNodeDuration,
		m.EventsProcessedTotal,
		m.EventQueueDepth,
		m.RuntimeUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error if addr is not a loopback address, or if the server
// fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("metrics address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("metrics address %q is not a loopback address", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the RuntimeUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RuntimeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
