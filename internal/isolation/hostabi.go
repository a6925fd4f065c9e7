package isolation

import (
	"context"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

// HostCallHandlers performs the actual work behind each host-call import
// once the kernel and policy gates have both passed. Implementations are
// supplied by whatever owns the runtime (the filesystem sandbox root,
// the message bus, the plugin manager for cross-plugin calls) — the
// isolation package itself holds no I/O logic, only the ABI plumbing and
// the gate.
type HostCallHandlers interface {
	ReadFile(ctx context.Context, plugin ids.PluginId, path string) ([]byte, error)
	WriteFile(ctx context.Context, plugin ids.PluginId, path string, data []byte) error
	NetworkRequest(ctx context.Context, plugin ids.PluginId, host string, port int, payload []byte) ([]byte, error)
	PublishMessage(ctx context.Context, plugin ids.PluginId, topic string, payload []byte) error
	SendMessage(ctx context.Context, plugin ids.PluginId, target ids.PluginId, payload []byte) error
	CallPlugin(ctx context.Context, plugin ids.PluginId, target ids.PluginId, function string, args []byte) ([]byte, error)
}

// Authorizer is the narrow slice of the Policy Engine the Gate needs,
// expressed as an interface so isolation does not import the concrete
// policy.Engine type and risk a cycle if policy ever needs isolation
// types for richer rule matching.
type Authorizer interface {
	Evaluate(plugin ids.PluginId, req capability.Request) (allowed bool, reason string)
}

// Gate is the two-phase authorization every host call passes through
// before HostCallHandlers runs: first the Capability Kernel ("was this
// ever granted"), then the Policy Engine ("is it allowed right now").
// Both backends share one Gate so the authorization semantics never
// drift between the in-process and remote paths.
type Gate struct {
	kernel *capability.Kernel
	policy Authorizer
}

// NewGate constructs the shared host-call authorization gate.
func NewGate(kernel *capability.Kernel, policy Authorizer) *Gate {
	return &Gate{kernel: kernel, policy: policy}
}

// Check runs the two-phase authorization for req on behalf of plugin. It
// returns the first error reason if denied at either phase, "" if
// permitted.
func (g *Gate) Check(plugin ids.PluginId, req capability.Request) (allowed bool, reason string) {
	if g.kernel != nil {
		d, _ := g.kernel.Check(plugin, req)
		if !d.Allowed {
			return false, d.Reason
		}
	}
	if g.policy != nil {
		if ok, why := g.policy.Evaluate(plugin, req); !ok {
			return false, why
		}
	}
	return true, ""
}

// Status codes returned across the ABI boundary as an i32 result. 0 is
// success; negative values are a fixed, documented error vocabulary so a
// guest's SDK can render a useful message without host-side context.
const (
	StatusOK              int32 = 0
	StatusPermissionDenied int32 = -1
	StatusNotFound         int32 = -2
	StatusInternal         int32 = -3
	StatusInvalidArgument  int32 = -4
)
