// Package isolation implements the Isolation Backend (spec.md §4.3): the
// component that compiles, caches, and runs plugin code inside a
// sandbox with hard resource ceilings, and exposes the fixed host-call
// ABI plugins use to reach back into the kernel (spec.md §6).
//
// Backend is implemented twice in this tree: a local, in-process backend
// built on wazero (wazero_backend.go) for plugin_type "wasm", and an
// out-of-process backend built on NATS request/reply
// (internal/isolation/remote) for plugin_type "remote". The Instance
// Pool depends only on the Backend interface, never on either concrete
// type, so new isolation technologies can be added by registering
// another Backend with contrib — the same extension idiom contrib uses
// for every other pluggable component in this tree.
package isolation

import (
	"context"
	"time"

	"github.com/plugink/plugink/internal/ids"
)

// ModuleKey identifies a compiled module in the Backend's cache. It is
// the content hash of the module's source bytes, so two plugins shipping
// byte-identical WASM never pay compilation twice (spec.md §4.3 "the
// module store is keyed by content hash").
type ModuleKey string

// CompiledModule is an opaque, backend-owned handle to a compiled
// module. Callers pass it back into Instantiate; they never inspect its
// fields.
type CompiledModule struct {
	Key       ModuleKey
	SizeBytes int64
	CompiledAt time.Time
	native    any // backend-private compiled representation
}

// ResourceLimits bounds what a single Instance may consume. The wazero
// backend enforces only CallTimeout, as a deadline on each Call; a zero
// CallTimeout adds no deadline beyond the caller's ctx. It does not
// enforce MaxMemoryBytes, MaxCPUTime or MaxStackBytes. The remote backend
// forwards all four fields to its runner in the instantiate request.
type ResourceLimits struct {
	MaxMemoryBytes  uint64
	MaxCPUTime      time.Duration
	MaxStackBytes   uint64
	CallTimeout     time.Duration
}

// Instance is one running sandbox for a compiled module. The Instance
// Pool acquires, calls, and releases Instances; it never reaches into
// backend internals.
type Instance interface {
	// Call invokes the named exported function with args and returns its
	// results, or a wrapped errs.IsolationTrap / errs.PluginTimeout on
	// failure.
	Call(ctx context.Context, function string, args ...uint64) ([]uint64, error)

	// Usage returns a point-in-time resource usage snapshot.
	Usage() ids.ResourceUsage

	// WriteMemory copies data into the instance's linear memory at
	// offset, bounds-checked against the instance's current memory size.
	WriteMemory(offset uint32, data []byte) error

	// ReadMemory copies size bytes out of the instance's linear memory
	// starting at offset, bounds-checked against the instance's current
	// memory size.
	ReadMemory(offset, size uint32) ([]byte, error)

	// Allocate calls the guest's exported "allocate" function to reserve
	// size bytes of guest memory and returns the offset, per the
	// host-call marshaling contract of spec.md §6.
	Allocate(ctx context.Context, size uint32) (uint32, error)

	// Close tears the instance down and releases its resources. It is
	// always safe to call more than once.
	Close(ctx context.Context) error
}

// Backend compiles and instantiates plugin modules for one plugin_type.
type Backend interface {
	// Name identifies the backend, matching a ids.PluginType's String()
	// (e.g. "wasm", "remote") so contrib's registry can dispatch on it.
	Name() string

	// Compile compiles source into a cacheable CompiledModule keyed by
	// key. Implementations should consult and populate their own
	// compiled-module cache; Compile is expected to be cheap on a cache
	// hit.
	Compile(ctx context.Context, key ModuleKey, source []byte) (*CompiledModule, error)

	// Instantiate creates a fresh, isolated Instance of cm owned by
	// plugin, with limits enforced for its entire lifetime.
	Instantiate(ctx context.Context, plugin ids.PluginId, cm *CompiledModule, limits ResourceLimits) (Instance, error)

	// Evict drops the module for key from the backend's compiled-module
	// cache. No runtime component calls it; the wazero backend's LRU
	// evicts entries internally.
	Evict(key ModuleKey)

	// Close releases any backend-wide resources (the wazero runtime, a
	// NATS connection, ...).
	Close(ctx context.Context) error
}
