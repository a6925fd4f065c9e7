package ids

import (
	"fmt"
	"time"
)

// PluginType selects which isolation backend loads and runs a plugin.
type PluginType uint8

const (
	PluginWasm PluginType = iota
	PluginNative
	PluginJS
	PluginRemote
)

func (t PluginType) String() string {
	switch t {
	case PluginWasm:
		return "wasm"
	case PluginNative:
		return "native"
	case PluginJS:
		return "js"
	case PluginRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PluginState is the lifecycle state of a plugin record.
//
// Transition graph (spec.md §3):
//
//	Created -> Ready -> Running <-> Paused
//	Running -> Failed | Terminated
//	Ready   -> Upgrading -> Ready
//
// validPluginTransitions also accepts Created, Ready, Paused and Upgrading
// -> Failed, Ready and Paused -> Terminated, and Running -> Running.
//
// Terminated and Failed are terminal: once entered, a plugin record never
// leaves that state — a caller who wants the plugin back must load it
// again under a new PluginId.
type PluginState uint8

const (
	PluginCreated PluginState = iota
	PluginReady
	PluginRunning
	PluginPaused
	PluginUpgrading
	PluginFailed
	PluginTerminated
)

func (s PluginState) String() string {
	switch s {
	case PluginCreated:
		return "created"
	case PluginReady:
		return "ready"
	case PluginRunning:
		return "running"
	case PluginPaused:
		return "paused"
	case PluginUpgrading:
		return "upgrading"
	case PluginFailed:
		return "failed"
	case PluginTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsTerminal reports whether the state can never transition again.
func (s PluginState) IsTerminal() bool {
	return s == PluginFailed || s == PluginTerminated
}

// validPluginTransitions enumerates every edge of the lifecycle graph.
var validPluginTransitions = map[PluginState]map[PluginState]bool{
	PluginCreated:   {PluginReady: true, PluginFailed: true},
	PluginReady:     {PluginRunning: true, PluginUpgrading: true, PluginTerminated: true, PluginFailed: true},
	PluginRunning:   {PluginPaused: true, PluginFailed: true, PluginTerminated: true, PluginRunning: true},
	PluginPaused:    {PluginRunning: true, PluginTerminated: true, PluginFailed: true},
	PluginUpgrading: {PluginReady: true, PluginFailed: true},
	PluginFailed:    {},
	PluginTerminated: {},
}

// CanTransition reports whether moving from s to next is a legal edge of
// the plugin lifecycle graph.
func (s PluginState) CanTransition(next PluginState) bool {
	return validPluginTransitions[s][next]
}

// Plugin is the plugin-manager-owned record for a loaded plugin. Every
// other component holds only a borrow identified by the PluginId; the
// plugin manager is the sole writer of this struct.
type Plugin struct {
	ID          PluginId
	Name        string
	Version     string
	Description string
	Type        PluginType
	State       PluginState
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Functions   []string
	Config      map[string]any
}

// ResourceUsage is a point-in-time snapshot of a plugin's metered resource
// consumption, as maintained by the Isolation Backend (spec.md §4.3).
type ResourceUsage struct {
	PluginID          PluginId
	MemoryBytes       uint64
	PeakMemoryBytes   uint64
	CPUTimeMicros     uint64
	FunctionCallCount uint64
	SampledAt         time.Time
}
