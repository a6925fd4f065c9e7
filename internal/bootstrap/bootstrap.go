// Package bootstrap wires the runtime's components together in the
// phased order spec.md §4.8 describes for C3-C10: Capability Kernel,
// Policy Engine, Isolation Backend, Instance Pool, plugin manager,
// Message Bus, Workflow Executor, Event Orchestrator, then the
// observability and control surfaces on top. Teardown (Runtime.Shutdown)
// stops the control socket and metrics server, then closes the isolation
// backend and storage; the other components have no teardown step.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/audit"
	"github.com/plugink/plugink/internal/bus"
	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/config"
	"github.com/plugink/plugink/internal/control"
	"github.com/plugink/plugink/internal/event"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
	"github.com/plugink/plugink/internal/isolation/remote"
	"github.com/plugink/plugink/internal/observability"
	"github.com/plugink/plugink/internal/plugin"
	"github.com/plugink/plugink/internal/pool"
	"github.com/plugink/plugink/internal/policy"
	"github.com/plugink/plugink/internal/storage"
	"github.com/plugink/plugink/internal/workflow"

	"github.com/plugink/plugink/contrib"
)

// Runtime holds every top-level component the daemon owns, so main.go has
// one handle to shut down in reverse dependency order.
type Runtime struct {
	log *zap.Logger
	cfg *config.Config

	db      *storage.DB
	ledger  *audit.Ledger
	kernel  *capability.Kernel
	quota   *policy.QuotaTracker
	policy  *policy.Engine
	gate    *isolation.Gate
	backend isolation.Backend

	Pool     *pool.Pool
	Manager  *plugin.Manager
	Bus      *bus.Bus
	Executor *workflow.Executor
	Events   *event.Orchestrator
	Metrics  *observability.Metrics
	Control  *control.Server

	metricsCancel context.CancelFunc
	controlCancel context.CancelFunc
}

// policyAuthorizer adapts *policy.Engine's Authorize method to the
// isolation.Authorizer interface, whose method is named Evaluate — the
// two packages were written against slightly different naming
// conventions (policy speaks of "authorizing" a request, isolation's Gate
// of "evaluating" one) and a direct method-value satisfies neither.
type policyAuthorizer struct {
	eng *policy.Engine
}

func (p policyAuthorizer) Evaluate(pluginID ids.PluginId, req capability.Request) (bool, string) {
	return p.eng.Authorize(pluginID, req)
}

// pluginInvokerAdapter satisfies event.PluginInvoker over *plugin.Manager.
type pluginInvokerAdapter struct {
	manager *plugin.Manager
}

func (a pluginInvokerAdapter) Invoke(ctx context.Context, payload event.PluginPayload) ([]byte, error) {
	return a.manager.InvokeBytes(ctx, payload.Plugin, payload.Function, payload.Input)
}

// Bootstrap constructs every runtime component in dependency order and
// starts its background goroutines (metrics server, control socket).
// Callers must call Shutdown when done, even on a partial failure this
// function itself did not already unwind.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runtime{log: log, cfg: cfg}

	// Phase 1: persistent storage.
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: storage.Open: %w", err)
	}
	r.db = db
	if pruned, err := db.PruneOldAuditEntries(); err != nil {
		log.Warn("audit pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("audit entries pruned", zap.Int("deleted", pruned))
	}

	// Phase 2: audit ledger, backed by BoltDB.
	r.ledger = audit.NewLedger(log, 100_000, 5_000, audit.WithPersist(db.AppendAudit))

	// Phase 3: Capability Kernel (spec.md §4.1).
	r.kernel = capability.NewKernel(log, r.ledger)

	// Phase 4: Policy Engine + quota tracker (spec.md §4.2).
	r.quota = policy.NewQuotaTracker(defaultCeilings())
	r.policy = policy.NewEngine(log, r.ledger, r.quota)

	// Phase 5: the shared host-call gate every Isolation Backend uses.
	r.gate = isolation.NewGate(r.kernel, policyAuthorizer{eng: r.policy})

	// Phase 6: Instance Pool (spec.md §4.5) and plugin manager, wired to
	// whichever Isolation Backend(s) the config selects.
	r.Pool = pool.New(log, 0.75, 0.25, 0.3)

	backends := make(map[string]isolation.Backend)
	for _, name := range contrib.ListBackends() {
		b, err := contrib.GetBackend(name)
		if err != nil {
			continue
		}
		backends[name] = b
	}

	// handlers is constructed with no Bus/Manager yet — both depend on the
	// backend existing first (the pool's instance factory needs a
	// backend, and the bus is independent but built alongside it below),
	// while the backend itself needs handlers to wire host calls. handlers
	// is a bootstrap-owned struct, not one the Backend interface exposes,
	// so its fields are filled in directly once Bus and Manager exist.
	handlers := newHostCallHandlers(log, nil, nil)

	switch cfg.Isolation.Backend {
	case "remote":
		rb, err := remote.NewBackend(log, cfg.Isolation.RemoteNATSURL, cfg.Isolation.RemoteTimeout)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: remote.NewBackend: %w", err)
		}
		r.backend = rb
		backends["remote"] = rb
	default:
		wb, err := isolation.NewWazeroBackend(ctx, log, cfg.Isolation.MemoryByteBudget, r.gate, handlers)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: isolation.NewWazeroBackend: %w", err)
		}
		r.backend = wb
		backends["wasm"] = wb
	}

	poolCfg := pool.Config{
		MinWarm:        cfg.Pool.MinWarm,
		MaxTotal:       cfg.Pool.MaxTotal,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		IdleTTL:        cfg.Pool.IdleTTL,
	}
	limits := isolation.ResourceLimits{
		MaxMemoryBytes: uint64(cfg.Isolation.MemoryByteBudget),
		CallTimeout:    cfg.Pool.AcquireTimeout,
	}
	r.Manager = plugin.NewManager(log, r.Pool, r.kernel, backends, poolCfg, limits)

	// Phase 7: Message Bus (spec.md §4.4), then the late wiring handlers
	// was waiting on: now that both Bus and Manager exist, host calls that
	// publish, send, or call across plugins can actually run.
	r.Bus = bus.New(log, bus.Config{
		PerPluginQueueCapacity: cfg.Bus.PerPluginQueueCapacity,
		TopicRetention:         cfg.Bus.TopicRetention,
		DefaultTTL:             cfg.Bus.DefaultTTL,
	})
	handlers.bus = r.Bus
	handlers.manager = r.Manager

	// Phase 8: Workflow Executor (spec.md §4.6).
	acquirer := workflow.NewPoolAcquirer(func(ctx context.Context, pluginID ids.PluginId) (workflow.InstanceHandle, error) {
		return r.Pool.Acquire(ctx, pluginID)
	})
	r.Executor = workflow.New(log, acquirer, r.kernel, r.db, r.ledger, workflow.Config{
		MaxParallelNodes:   cfg.Runtime.MaxParallelNodes,
		UseCheckpoints:     cfg.Runtime.UseCheckpoints,
		CheckpointInterval: cfg.Runtime.CheckpointInterval,
		WorkflowTimeout:    cfg.Runtime.WorkflowTimeout,
	})

	// Phase 9: Event Orchestrator (spec.md §4.7). No AgentDriver is wired
	// in this daemon build; an Agent-kind event submitted without one
	// completes as an error event rather than panicking (event.New's
	// documented nil-handler contract).
	r.Events = event.New(log, pluginInvokerAdapter{manager: r.Manager}, nil, event.Config{
		InboundCapacity:    cfg.Event.InboundCapacity,
		SubscriberCapacity: cfg.Event.SubscriberCapacity,
		LogCapacity:        cfg.Event.LogCapacity,
	})

	// Phase 10: observability.
	r.Metrics = observability.NewMetrics()
	metricsCtx, metricsCancel := context.WithCancel(ctx)
	r.metricsCancel = metricsCancel
	go func() {
		if err := r.Metrics.ServeMetrics(metricsCtx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// Phase 11: control surface.
	if cfg.Control.Enabled {
		r.Control = control.New(cfg.Control.SocketPath, log, r.Manager, r.Executor, r.kernel, r.ledger)
		controlCtx, controlCancel := context.WithCancel(ctx)
		r.controlCancel = controlCancel
		go func() {
			if err := r.Control.ListenAndServe(controlCtx); err != nil {
				log.Error("control server error", zap.Error(err))
			}
		}()
	}

	log.Info("runtime bootstrap complete",
		zap.String("isolation_backend", cfg.Isolation.Backend),
		zap.String("node_id", cfg.NodeID))
	return r, nil
}

// Shutdown cancels the control socket and metrics server, closes the
// isolation backend, then closes storage, all under one context bounded
// by timeout. The instance pool, message bus, workflow executor and event
// orchestrator are not torn down. Errors are logged, not returned, so one stuck component
// never prevents the rest of shutdown from proceeding.
func (r *Runtime) Shutdown(ctx context.Context, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.controlCancel != nil {
		r.controlCancel()
	}
	if r.metricsCancel != nil {
		r.metricsCancel()
	}
	if r.backend != nil {
		if err := r.backend.Close(shutdownCtx); err != nil {
			r.log.Warn("isolation backend close failed", zap.Error(err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("storage close failed", zap.Error(err))
		}
	}
	r.log.Info("runtime shutdown complete")
}

func defaultCeilings() map[policy.ResourceKind]policy.Ceiling {
	return map[policy.ResourceKind]policy.Ceiling{
		policy.ResourceCPUTimeMicros: {Capacity: 5_000_000, RatePerSecond: 1_000_000},
		policy.ResourceMemoryBytes:   {Capacity: 512 * 1024 * 1024, RatePerSecond: 64 * 1024 * 1024},
		policy.ResourceInstanceCount: {Capacity: 256, RatePerSecond: 32},
		policy.ResourceWorkflowNodes: {Capacity: 10_000, RatePerSecond: 1_000},
	}
}
