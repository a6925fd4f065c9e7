// Package contrib — backend.go
//
// Extension points for third-party isolation backends and custom
// capability kinds.
//
// A contrib/ directory is the plugin-of-plugins registry for isolation
// technologies a third party adds. The runtime's built-in "wasm"
// (wazero) and "remote" (NATS) backends do not register here: bootstrap
// constructs them directly and adds them to the same name-keyed backend
// map it fills from this registry, so the plugin manager looks every
// backend up by name rather than switching over known backend names.
//
// Backend registration:
//   Third-party backends register themselves in an init() function using
//   RegisterBackend(). The plugin manager selects a plugin's backend by
//   its manifest's plugin_type field:
//
//     # manifest.yaml
//     plugin_type: wasm   # built-in
//     # plugin_type: remote  # built-in
//     # plugin_type: my-custom-backend  # registered via contrib.RegisterBackend()
//
// Backend contract:
//   - Compile and Instantiate must be goroutine-safe; the Instance Pool
//     calls them concurrently across plugins.
//   - Instantiate must not block indefinitely — honor ctx cancellation.
//   - Close must be idempotent.
//
// Example backend (contrib/backends/firecracker/firecracker.go):
//
//   package firecracker
//
//   import "github.com/plugink/plugink/contrib"
//
//   func init() {
//     contrib.RegisterBackend(&FirecrackerBackend{})
//   }
package contrib

import (
	"fmt"
	"sync"

	"github.com/plugink/plugink/internal/isolation"
)

var (
	backendMu sync.RWMutex
	backends  = make(map[string]isolation.Backend)
)

// RegisterBackend registers a third-party isolation backend under
// backend.Name(). Panics if a backend with the same name is already
// registered. Call from init() functions in contrib backend packages.
func RegisterBackend(backend isolation.Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	name := backend.Name()
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("contrib: backend %q already registered", name))
	}
	backends[name] = backend
}

// GetBackend returns the registered backend for the given plugin_type
// name. Returns an error if none is registered.
func GetBackend(name string) (isolation.Backend, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("contrib: backend %q not registered (available: %v)", name, listBackendNames())
	}
	return b, nil
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return listBackendNames()
}

func listBackendNames() []string {
	names := make([]string, 0, len(backends))
	for k := range backends {
		names = append(names, k)
	}
	return names
}

// ─── Custom capability kind handlers ──────────────────────────────────

// CustomKindHandler interprets a capability.CustomCapability's Tag and
// Params for one custom capability kind, deciding whether a request
// beyond the closed built-in Kind set should be honored. Every built-in
// Kind is handled natively by the Capability Kernel. No runtime
// component looks handlers up in this registry: the Kernel checks
// capability.KindCustom requests with CustomCapability.Permits alone.
type CustomKindHandler interface {
	// Tag is the capability.CustomCapability.Tag this handler answers
	// for; used as the registry key.
	Tag() string

	// Authorize decides whether params (from the granted capability) and
	// requested (from the incoming request) are compatible, beyond the
	// default "every requested key equals a granted key" rule
	// CustomCapability.Permits already applies.
	Authorize(params, requested map[string]any) (bool, string)
}

var (
	kindHandlerMu sync.RWMutex
	kindHandlers  = make(map[string]CustomKindHandler)
)

// RegisterCustomKind registers h under h.Tag(). Call from init()
// functions in contrib kind-handler packages.
func RegisterCustomKind(h CustomKindHandler) {
	kindHandlerMu.Lock()
	defer kindHandlerMu.Unlock()
	if _, exists := kindHandlers[h.Tag()]; exists {
		panic(fmt.Sprintf("contrib: custom capability kind %q already registered", h.Tag()))
	}
	kindHandlers[h.Tag()] = h
}

// GetCustomKind returns the registered handler for tag, if any.
func GetCustomKind(tag string) (CustomKindHandler, bool) {
	kindHandlerMu.RLock()
	defer kindHandlerMu.RUnlock()
	h, ok := kindHandlers[tag]
	return h, ok
}

// ListCustomKinds returns the tags of all registered custom capability
// kind handlers.
func ListCustomKinds() []string {
	kindHandlerMu.RLock()
	defer kindHandlerMu.RUnlock()
	tags := make([]string, 0, len(kindHandlers))
	for t := range kindHandlers {
		tags = append(tags, t)
	}
	return tags
}
