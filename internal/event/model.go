// Package event implements the Event Orchestrator (spec.md §4.7): the
// typed pipeline that carries Task, Plugin, and Agent events between the
// outside world and the core, with correlation-id propagation and an
// append-only replay log.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/plugink/plugink/internal/ids"
)

// ID identifies one event or, when used as a correlation id, the event
// that rooted a derivation chain.
type ID string

func newID() ID { return ID(uuid.New().String()) }

// Family is the closed set of event families the orchestrator routes.
type Family uint8

const (
	FamilyTask Family = iota
	FamilyPlugin
	FamilyAgent
)

func (f Family) String() string {
	switch f {
	case FamilyTask:
		return "task"
	case FamilyPlugin:
		return "plugin"
	case FamilyAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Kind is the within-family variant: the initiating action (Submitted /
// Invoked / Spawned, depending on Family), a progress update, a
// completion, or an error (spec.md §3 "Event").
type Kind uint8

const (
	KindStart Kind = iota
	KindProgress
	KindCompleted
	KindError
)

// Variant returns the family-specific name of k, matching spec.md §6's
// event envelope "kind: variant-name" (e.g. "submitted", "invoked",
// "spawned" all share KindStart but print differently per family).
func (f Family) Variant(k Kind) string {
	if k == KindProgress {
		return "progress"
	}
	if k == KindCompleted {
		return "completed"
	}
	if k == KindError {
		return "error"
	}
	switch f {
	case FamilyTask:
		return "submitted"
	case FamilyPlugin:
		return "invoked"
	case FamilyAgent:
		return "spawned"
	default:
		return "unknown"
	}
}

// Metadata is carried by every event (spec.md §3 "EventMetadata").
type Metadata struct {
	EventID       ID
	Timestamp     time.Time
	CorrelationID ID // empty on a root event; see Orchestrator.derive
	Context       json.RawMessage
}

// TaskPayload carries a Task-family event's data.
type TaskPayload struct {
	Name     string
	Input    json.RawMessage
	Result   json.RawMessage
	Err      string
	Progress float64
}

// PluginPayload carries a Plugin-family event's data.
type PluginPayload struct {
	Plugin   ids.PluginId
	Function string
	Input    json.RawMessage
	Result   json.RawMessage
	Err      string
	Progress float64
}

// AgentPayload carries an Agent-family event's data.
type AgentPayload struct {
	AgentID  string
	Goal     string
	Input    json.RawMessage
	Result   json.RawMessage
	Err      string
	Progress float64
}

// SystemEvent is the closed sum type the orchestrator consumes and
// emits: exactly one of Task/Plugin/Agent is populated, selected by
// Family.
type SystemEvent struct {
	Family Family
	Kind   Kind
	Meta   Metadata

	Task   *TaskPayload
	Plugin *PluginPayload
	Agent  *AgentPayload
}
