// Package workflow implements the Workflow Model (spec.md §3, §4.6): a
// directed acyclic graph of nodes — plugin calls, conditions, subflows,
// and custom steps — composed into a declarative execution graph with
// per-node retry, timeout, and checkpoint-restartable state.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

// NodeKind is the closed set of workflow node variants.
type NodeKind uint8

const (
	NodePluginCall NodeKind = iota
	NodeCondition
	NodeSubflow
	NodeCustom
)

func (k NodeKind) String() string {
	switch k {
	case NodePluginCall:
		return "plugin_call"
	case NodeCondition:
		return "condition"
	case NodeSubflow:
		return "subflow"
	case NodeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ErrorPolicyKind selects how a node's failure is handled.
type ErrorPolicyKind uint8

const (
	ErrorFail ErrorPolicyKind = iota
	ErrorContinue
	ErrorRetry
)

// ErrorPolicy is a node's failure-handling configuration.
type ErrorPolicy struct {
	Kind               ErrorPolicyKind
	MaxRetries         int
	DelayMS            int64
	ExponentialBackoff bool
}

// NodeConfig is the per-node execution configuration shared by every
// node kind (spec.md §3 "Node configuration").
type NodeConfig struct {
	ErrorPolicy    ErrorPolicy
	TimeoutMS      int64
	MaxMemoryBytes uint64
	Extras         map[string]any
}

// CompensationSpec is the saga compensation counterpart a node may
// declare (spec.md §4.6 "each node declares a compensation
// counterpart").
type CompensationSpec struct {
	Plugin       ids.PluginId
	Function     string
	InputMapping map[string]string
}

// Node is one step of a workflow DAG. It is a closed sum type over four
// kinds; only the fields relevant to Kind are populated, the same
// one-struct-many-kinds shape used throughout internal/capability.
type Node struct {
	ID     ids.NodeId
	Kind   NodeKind
	Config NodeConfig

	// PluginCall
	Plugin        ids.PluginId
	Function      string
	InputMapping  map[string]string // param name -> JMESPath expression over context
	OutputMapping map[string]string // context dot-path -> JMESPath expression over the result

	// Condition
	Expression  string
	TrueBranch  ids.NodeId
	FalseBranch ids.NodeId

	// Subflow
	Subflow       ids.WorkflowId
	SubflowInput  map[string]string
	SubflowOutput map[string]string

	// Custom
	Tag    string
	Params map[string]any

	// Compensation is non-nil only for nodes authored as part of a saga.
	Compensation *CompensationSpec

	// Capability, when non-nil, is narrowed via Constrain and granted to
	// Plugin only for the duration of this node's invocation, then
	// revoked — the mechanism by which "capabilities attenuated to just
	// what the node declared" (spec.md §1) is enforced at the workflow
	// layer rather than left to the plugin's own ambient grants.
	Capability           capability.Capability
	CapabilityConstraint capability.Constraint
}

// Workflow is a registered DAG definition (spec.md §3 "Workflow").
type Workflow struct {
	ID         ids.WorkflowId
	Name       string
	Version    int
	Nodes      map[ids.NodeId]*Node
	Edges      map[ids.NodeId]map[ids.NodeId]bool
	EntryNodes []ids.NodeId
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NodeState is the lifecycle of a single node within one execution.
type NodeState uint8

const (
	NodePending NodeState = iota
	NodeReady
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
	NodeCancelled
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeReady:
		return "ready"
	case NodeRunning:
		return "running"
	case NodeCompleted:
		return "completed"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	case NodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s can never transition again.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the execution-scoped status of one node.
type NodeStatus struct {
	State      NodeState
	StartedAt  time.Time
	EndedAt    time.Time
	RetryCount int
	Result     json.RawMessage
	Error      string
}

// ExecState is the lifecycle of an entire workflow execution.
type ExecState uint8

const (
	ExecPending ExecState = iota
	ExecRunning
	ExecCompleted
	ExecFailed
	ExecCancelled
)

func (s ExecState) String() string {
	switch s {
	case ExecPending:
		return "pending"
	case ExecRunning:
		return "running"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExecutionStatus is the full persisted/observable state of one
// workflow run, exactly the document spec.md §4.6 describes a
// checkpoint as holding: "context + per-node status + queue head
// pointer".
type ExecutionStatus struct {
	ID         ids.ExecutionId
	WorkflowID ids.WorkflowId
	State      ExecState
	StartedAt  time.Time
	EndedAt    time.Time
	Context    json.RawMessage
	Nodes      map[ids.NodeId]*NodeStatus
	QueueHead  []ids.NodeId
}
