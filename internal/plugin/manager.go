// Package plugin implements the plugin manager: the sole writer of
// ids.Plugin records (spec.md §3 "the plugin manager exclusively owns
// the plugin record; all other components hold a borrow identified by
// PluginId"). It drives loading a manifest through compilation
// (Isolation Backend), pool registration (Instance Pool), and initial
// capability grants (Capability Kernel), and exposes the load/list/
// invoke/remove surface the Event Orchestrator's plugin handler and the
// control server both call through.
package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
	"github.com/plugink/plugink/internal/manifest"
	"github.com/plugink/plugink/internal/pool"
)

// instanceFactory adapts one plugin's compiled module + backend into a
// pool.Factory.
type instanceFactory struct {
	ctx     context.Context
	backend isolation.Backend
	plugin  ids.PluginId
	cm      *isolation.CompiledModule
	limits  isolation.ResourceLimits
}

func (f instanceFactory) New(ctx context.Context) (isolation.Instance, error) {
	return f.backend.Instantiate(ctx, f.plugin, f.cm, f.limits)
}

// Manager owns every loaded plugin's record and coordinates its
// lifecycle across the Isolation Backend, Instance Pool, and Capability
// Kernel.
type Manager struct {
	log *zap.Logger

	backends map[string]isolation.Backend
	pool     *pool.Pool
	kernel   *capability.Kernel

	poolCfg pool.Config
	limits  isolation.ResourceLimits

	mu      sync.RWMutex
	plugins map[ids.PluginId]*ids.Plugin
	byName  map[string]ids.PluginId
}

// NewManager constructs a Manager. backends maps a manifest's
// plugin_type string to the Isolation Backend that serves it (e.g.
// "wasm" -> *isolation.WazeroBackend, "remote" -> *remote.Backend, or
// anything contrib.GetBackend resolved).
func NewManager(log *zap.Logger, p *pool.Pool, kernel *capability.Kernel, backends map[string]isolation.Backend, poolCfg pool.Config, limits isolation.ResourceLimits) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		backends: backends,
		pool:     p,
		kernel:   kernel,
		poolCfg:  poolCfg,
		limits:   limits,
		plugins:  make(map[ids.PluginId]*ids.Plugin),
		byName:   make(map[string]ids.PluginId),
	}
}

// Load compiles source per man's plugin_type, registers its pool, grants
// its requested capabilities, and transitions its record Created ->
// Ready. Returns the minted PluginId.
func (m *Manager) Load(ctx context.Context, man manifest.Manifest, source []byte) (ids.PluginId, error) {
	if err := man.Validate(); err != nil {
		return ids.PluginId{}, errs.WrapDetail(errs.FamilyPlugin, errs.PluginInitFailed, "Manager.Load", man.Name, err)
	}

	backend, ok := m.backends[man.PluginType]
	if !ok {
		return ids.PluginId{}, errs.New(errs.FamilyPlugin, errs.PluginInitFailed, "Manager.Load",
			fmt.Sprintf("no isolation backend registered for plugin_type %q", man.PluginType))
	}

	sum := sha256.Sum256(source)
	key := isolation.ModuleKey(hex.EncodeToString(sum[:]))
	cm, err := backend.Compile(ctx, key, source)
	if err != nil {
		return ids.PluginId{}, errs.WrapDetail(errs.FamilyPlugin, errs.PluginInitFailed, "Manager.Load", man.Name, err)
	}

	id := ids.NewPluginId()
	now := time.Now().UTC()
	rec := &ids.Plugin{
		ID:          id,
		Name:        man.Name,
		Version:     man.Version,
		Description: man.Description,
		Type:        pluginTypeOf(man.PluginType),
		State:       ids.PluginCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Functions:   man.Functions,
		Config:      man.Config,
	}

	factory := instanceFactory{ctx: ctx, backend: backend, plugin: id, cm: cm, limits: m.limits}
	if err := m.pool.Register(ctx, id, m.poolCfg, factory); err != nil {
		return ids.PluginId{}, errs.WrapDetail(errs.FamilyPlugin, errs.PluginInitFailed, "Manager.Load", man.Name, err)
	}

	m.mu.Lock()
	m.plugins[id] = rec
	m.byName[man.Name] = id
	m.mu.Unlock()

	for _, spec := range man.Capabilities {
		cap, err := spec.ToCapability(m.resolveByName)
		if err != nil {
			m.log.Warn("plugin: skipping unresolved manifest capability",
				zap.String("plugin", man.Name), zap.Error(err))
			continue
		}
		m.kernel.Grant(id, cap)
	}

	if err := m.transition(id, ids.PluginReady); err != nil {
		return id, err
	}

	m.log.Info("plugin: loaded", zap.String("name", man.Name), zap.String("id", id.String()))
	return id, nil
}

// resolveByName looks a loaded plugin's id up by manifest name, for
// plugin_call capability specs that reference another plugin.
func (m *Manager) resolveByName(name string) (ids.PluginId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	return id, ok
}

// Get returns a copy of the plugin record for id.
func (m *Manager) Get(id ids.PluginId) (ids.Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	if !ok {
		return ids.Plugin{}, false
	}
	return *rec, true
}

// List returns a copy of every loaded plugin's record.
func (m *Manager) List() []ids.Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ids.Plugin, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, *rec)
	}
	return out
}

// Invoke acquires a warm instance for id and calls function. The first
// Invoke on a freshly loaded plugin moves its record Ready -> Running;
// the record stays Running across every subsequent call, since the
// lifecycle graph has no Running -> Ready edge — only Pause/Resume drive
// the Running <-> Paused half (spec.md §3).
func (m *Manager) Invoke(ctx context.Context, id ids.PluginId, function string, args ...uint64) ([]uint64, error) {
	rec, ok := m.Get(id)
	if !ok {
		return nil, errs.New(errs.FamilyPlugin, errs.PluginNotFound, "Manager.Invoke", id.String())
	}
	if rec.State == ids.PluginReady {
		if err := m.transition(id, ids.PluginRunning); err != nil {
			return nil, err
		}
	} else if rec.State != ids.PluginRunning {
		return nil, errs.New(errs.FamilyPlugin, errs.PluginInvalidState, "Manager.Invoke",
			fmt.Sprintf("%s: cannot invoke from state %s", id, rec.State))
	}
	return m.pool.CallFunction(ctx, id, function, args...)
}

// InvokeBytes is the byte-oriented counterpart to Invoke, used by a
// plugin_call host call (one plugin reaching into another mid-execution,
// rather than the workflow DAG driving it): it acquires target, allocates
// and writes input as its guest argument, calls function with the same
// (inPtr, inLen, outPtr) marshaling convention the workflow executor uses
// for PluginCall nodes, and reads back the (ptr, len) result descriptor.
func (m *Manager) InvokeBytes(ctx context.Context, target ids.PluginId, function string, input []byte) ([]byte, error) {
	if _, ok := m.Get(target); !ok {
		return nil, errs.New(errs.FamilyPlugin, errs.PluginNotFound, "Manager.InvokeBytes", target.String())
	}
	h, err := m.pool.Acquire(ctx, target)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyPlugin, errs.PluginExecutionError, "Manager.InvokeBytes", target.String(), err)
	}
	defer h.Release(ctx)
	inst := h.Instance()

	outPtr, err := inst.Allocate(ctx, 8)
	if err != nil {
		h.MarkFailed()
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "Manager.InvokeBytes", "allocate out descriptor", err)
	}

	var inPtr uint32
	if len(input) > 0 {
		inPtr, err = inst.Allocate(ctx, uint32(len(input)))
		if err != nil {
			h.MarkFailed()
			return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "Manager.InvokeBytes", "allocate input", err)
		}
		if err := inst.WriteMemory(inPtr, input); err != nil {
			h.MarkFailed()
			return nil, err
		}
	}

	results, err := inst.Call(ctx, function, uint64(inPtr), uint64(len(input)), uint64(outPtr))
	if err != nil {
		h.MarkFailed()
		return nil, err
	}
	if len(results) == 0 || int32(results[0]) != isolation.StatusOK {
		h.MarkFailed()
		return nil, errs.New(errs.FamilyPlugin, errs.PluginExecutionError, "Manager.InvokeBytes", function)
	}

	desc, err := inst.ReadMemory(outPtr, 8)
	if err != nil {
		return nil, err
	}
	dataPtr := binary.LittleEndian.Uint32(desc[0:4])
	dataLen := binary.LittleEndian.Uint32(desc[4:8])
	if dataLen == 0 {
		return nil, nil
	}
	return inst.ReadMemory(dataPtr, dataLen)
}

// Pause and Resume drive the Running<->Paused half of the lifecycle
// graph for plugins whose execution model supports suspension (hot
// reload prep, operator intervention).
func (m *Manager) Pause(id ids.PluginId) error  { return m.transition(id, ids.PluginPaused) }
func (m *Manager) Resume(id ids.PluginId) error { return m.transition(id, ids.PluginRunning) }

// Remove unregisters id's pool (tearing down every pooled instance) and
// transitions its record to Terminated, a terminal state — the caller
// must Load again under a new PluginId to get the plugin back.
func (m *Manager) Remove(ctx context.Context, id ids.PluginId) error {
	rec, ok := m.Get(id)
	if !ok {
		return errs.New(errs.FamilyPlugin, errs.PluginNotFound, "Manager.Remove", id.String())
	}
	if rec.State.IsTerminal() {
		return errs.New(errs.FamilyPlugin, errs.PluginInvalidState, "Manager.Remove", fmt.Sprintf("%s: already %s", id, rec.State))
	}
	m.pool.Unregister(ctx, id)
	return m.transition(id, ids.PluginTerminated)
}

// transition validates and applies a lifecycle edge, rejecting illegal
// moves rather than silently clamping them (spec.md §3's transition
// graph is a structural invariant, not a suggestion).
func (m *Manager) transition(id ids.PluginId, next ids.PluginState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return errs.New(errs.FamilyPlugin, errs.PluginNotFound, "Manager.transition", id.String())
	}
	if rec.State == next {
		return nil
	}
	if !rec.State.CanTransition(next) {
		return errs.New(errs.FamilyPlugin, errs.PluginInvalidState, "Manager.transition",
			fmt.Sprintf("%s: %s -> %s is not a legal transition", id, rec.State, next))
	}
	rec.State = next
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func pluginTypeOf(name string) ids.PluginType {
	switch name {
	case "wasm":
		return ids.PluginWasm
	case "native":
		return ids.PluginNative
	case "js":
		return ids.PluginJS
	case "remote":
		return ids.PluginRemote
	default:
		return ids.PluginWasm
	}
}
