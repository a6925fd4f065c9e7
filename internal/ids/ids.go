// Package ids defines the typed identifiers shared across every component
// of the runtime.
//
// Each identifier wraps a 128-bit UUID in a distinct named type. The
// underlying bytes of a PluginId and a WorkflowId can be equal without the
// two ever being assignable to one another — the phantom type is the
// named type itself, enforced entirely at compile time with no runtime
// representation cost.
package ids

import (
	"github.com/google/uuid"
)

// PluginId identifies a loaded plugin.
type PluginId struct{ v uuid.UUID }

// CapabilityId identifies a single capability held by a plugin.
type CapabilityId struct{ v uuid.UUID }

// WorkflowId identifies a registered workflow definition.
type WorkflowId struct{ v uuid.UUID }

// NodeId identifies a node within a workflow graph.
type NodeId struct{ v uuid.UUID }

// ExecutionId identifies a single run of a workflow.
type ExecutionId struct{ v uuid.UUID }

// RegionId identifies a shared-memory region exposed by an instance.
type RegionId struct{ v uuid.UUID }

// MessageId identifies a single message on the bus.
type MessageId struct{ v uuid.UUID }

// NewPluginId mints a new random PluginId.
func NewPluginId() PluginId { return PluginId{uuid.New()} }

// NewCapabilityId mints a new random CapabilityId.
func NewCapabilityId() CapabilityId { return CapabilityId{uuid.New()} }

// NewWorkflowId mints a new random WorkflowId.
func NewWorkflowId() WorkflowId { return WorkflowId{uuid.New()} }

// NewNodeId mints a new random NodeId.
func NewNodeId() NodeId { return NodeId{uuid.New()} }

// NewExecutionId mints a new random ExecutionId.
func NewExecutionId() ExecutionId { return ExecutionId{uuid.New()} }

// NewRegionId mints a new random RegionId.
func NewRegionId() RegionId { return RegionId{uuid.New()} }

// NewMessageId mints a new random MessageId.
func NewMessageId() MessageId { return MessageId{uuid.New()} }

func (id PluginId) String() string     { return id.v.String() }
func (id CapabilityId) String() string { return id.v.String() }
func (id WorkflowId) String() string   { return id.v.String() }
func (id NodeId) String() string       { return id.v.String() }
func (id ExecutionId) String() string  { return id.v.String() }
func (id RegionId) String() string     { return id.v.String() }
func (id MessageId) String() string    { return id.v.String() }

func (id PluginId) IsZero() bool     { return id.v == uuid.Nil }
func (id CapabilityId) IsZero() bool { return id.v == uuid.Nil }
func (id WorkflowId) IsZero() bool   { return id.v == uuid.Nil }
func (id NodeId) IsZero() bool       { return id.v == uuid.Nil }
func (id ExecutionId) IsZero() bool  { return id.v == uuid.Nil }
func (id RegionId) IsZero() bool     { return id.v == uuid.Nil }
func (id MessageId) IsZero() bool    { return id.v == uuid.Nil }

// MarshalText implements encoding.TextMarshaler so every id type encodes
// as its plain UUID string both as a JSON struct field and as a JSON map
// key (encoding/json falls back to TextMarshaler for non-string map
// keys), rather than the empty object a struct with only unexported
// fields would otherwise produce.
func (id PluginId) MarshalText() ([]byte, error)     { return []byte(id.v.String()), nil }
func (id CapabilityId) MarshalText() ([]byte, error) { return []byte(id.v.String()), nil }
func (id WorkflowId) MarshalText() ([]byte, error)   { return []byte(id.v.String()), nil }
func (id NodeId) MarshalText() ([]byte, error)       { return []byte(id.v.String()), nil }
func (id ExecutionId) MarshalText() ([]byte, error)  { return []byte(id.v.String()), nil }
func (id RegionId) MarshalText() ([]byte, error)     { return []byte(id.v.String()), nil }
func (id MessageId) MarshalText() ([]byte, error)    { return []byte(id.v.String()), nil }

func (id *PluginId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *CapabilityId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *WorkflowId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *NodeId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *ExecutionId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *RegionId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func (id *MessageId) UnmarshalText(b []byte) error {
	v, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

// ParsePluginId parses a textual UUID into a PluginId.
func ParsePluginId(s string) (PluginId, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return PluginId{}, err
	}
	return PluginId{v}, nil
}

// ParseWorkflowId parses a textual UUID into a WorkflowId.
func ParseWorkflowId(s string) (WorkflowId, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return WorkflowId{}, err
	}
	return WorkflowId{v}, nil
}

// ParseExecutionId parses a textual UUID into an ExecutionId.
func ParseExecutionId(s string) (ExecutionId, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ExecutionId{}, err
	}
	return ExecutionId{v}, nil
}
