// Package errs defines the hierarchical error taxonomy shared by every
// component of the runtime (spec.md §7).
//
// Each component raises errors tagged with its own Family and a Kind drawn
// from that family's closed set. Callers inspect an error with errors.As
// against *errs.Error, or with errors.Is against an &errs.Error{Family,
// Kind} target (see Error.Is); Kind values are plain strings, not error
// sentinels. Wrapping follows the convention of
// fmt.Errorf("pkg.Func: context: %w", err) at every layer boundary so that
// %w-unwrapping preserves the full causal chain down to the Kind.
package errs

import (
	"errors"
	"fmt"
)

// Family names the subsystem an error originated in.
type Family string

const (
	FamilyPlugin      Family = "plugin"
	FamilyCapability   Family = "capability"
	FamilyPolicy       Family = "policy"
	FamilyIsolation    Family = "isolation"
	FamilyConcurrency  Family = "concurrency"
	FamilyWorkflow     Family = "workflow"
	FamilyMessaging    Family = "messaging"
	FamilyEvent        Family = "event"
)

// Kind is a specific error within a Family. Kinds are only unique within
// their own family; two families may reuse the same string.
type Kind string

// Plugin family.
const (
	PluginNotFound          Kind = "not_found"
	PluginFunctionNotFound  Kind = "function_not_found"
	PluginExecutionError    Kind = "execution_error"
	PluginInvalidState      Kind = "invalid_state"
	PluginResourceLimit     Kind = "resource_limit_exceeded"
	PluginTimeout           Kind = "timeout"
	PluginInitFailed        Kind = "initialization_failed"
	PluginTerminationFailed Kind = "termination_failed"
	PluginUpgrading         Kind = "upgrading"
)

// Capability family.
const (
	CapabilityNotFound      Kind = "not_found"
	CapabilityNotGranted    Kind = "not_granted"
	CapabilityDenied        Kind = "permission_denied"
	CapabilityInvalid       Kind = "invalid"
	CapabilityRevokeFailed  Kind = "revocation_failed"
	CapabilityConstraintErr Kind = "constraint_error"
	CapabilityCompositionErr Kind = "composition_error"
)

// Policy family.
const (
	PolicyRuleNotFound      Kind = "rule_not_found"
	PolicyViolation         Kind = "violation"
	PolicyEvaluationFailed  Kind = "evaluation_failed"
	PolicyFileViolation     Kind = "file_violation"
	PolicyNetworkViolation  Kind = "network_violation"
	PolicyResourceViolation Kind = "resource_violation"
)

// Isolation family.
const (
	IsolationPluginNotLoaded Kind = "plugin_not_loaded"
	IsolationLoadFailed      Kind = "load_failed"
	IsolationCompileFailed   Kind = "compilation_failed"
	IsolationInstantiateFailed Kind = "instantiation_failed"
	IsolationLinkFailed      Kind = "linking_failed"
	IsolationTrap            Kind = "execution_trap"
	IsolationInvalidModule   Kind = "invalid_module_format"
	IsolationMemoryAccess    Kind = "memory_access_error"
	IsolationRegionNotFound  Kind = "region_not_found"
)

// Concurrency family.
const (
	ConcurrencyInstanceCreateFailed Kind = "instance_creation_failed"
	ConcurrencyNoAvailable          Kind = "no_available_instances"
	ConcurrencyPoolExhausted        Kind = "thread_pool_exhausted"
	ConcurrencyAcquisitionTimeout   Kind = "acquisition_timeout"
	ConcurrencyPoolLimitReached     Kind = "pool_limit_reached"
)

// Workflow family.
const (
	WorkflowNotFound      Kind = "workflow_not_found"
	WorkflowNodeNotFound  Kind = "node_not_found"
	WorkflowDefinitionErr Kind = "definition_error"
	WorkflowNodeFailed    Kind = "node_execution_failed"
	WorkflowExecFailed    Kind = "execution_failed"
	WorkflowTimeout       Kind = "timeout"
	WorkflowCancelled     Kind = "cancelled"
	WorkflowCyclic        Kind = "cyclic_dependency"
	WorkflowExecNotFound  Kind = "execution_not_found"
	WorkflowPersistence   Kind = "persistence_error"
)

// Messaging family.
const (
	MessagingNotFound      Kind = "message_not_found"
	MessagingDeliveryFailed Kind = "delivery_failed"
	MessagingQueueFull      Kind = "queue_full"
	MessagingInvalidRecipient Kind = "invalid_recipient"
	MessagingTimeout        Kind = "timeout"
)

// Event family.
const (
	EventQueueFull       Kind = "queue_full"
	EventQueueClosed     Kind = "queue_closed"
	EventNoHandler       Kind = "no_handler"
	EventEmptyPayload    Kind = "empty_payload"
	EventHandlerFailed   Kind = "handler_failed"
	EventInvalidEvent    Kind = "invalid_event"
)

// Error is the composite root error every component wraps its Kind in.
// Op names the operation that failed (e.g. "capability.Check"); Detail
// carries a user-facing explanation (last-matched rule id, observed
// duration, truncated trap message — spec.md §7 "User-visible failures").
type Error struct {
	Family Family
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %s: %v", e.Op, e.Family, e.Kind, e.Detail, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Family, e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Family, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Family, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Family: ..., Kind: ...}) to match on
// Family+Kind alone, ignoring Op/Detail/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Family != "" && t.Family != e.Family {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// New constructs an Error with no wrapped cause.
func New(family Family, kind Kind, op, detail string) *Error {
	return &Error{Family: family, Kind: kind, Op: op, Detail: detail}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(family Family, kind Kind, op string, err error) *Error {
	return &Error{Family: family, Kind: kind, Op: op, Err: err}
}

// WrapDetail constructs an Error with both a detail string and a cause.
func WrapDetail(family Family, kind Kind, op, detail string, err error) *Error {
	return &Error{Family: family, Kind: kind, Op: op, Detail: detail, Err: err}
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is, or wraps, an *Error of the given family and
// kind.
func Is(err error, family Family, kind Kind) bool {
	return errors.Is(err, &Error{Family: family, Kind: kind})
}
