// Package capability implements the Capability Kernel (spec.md §4.1): an
// unforgeable-token authority model with attenuation, partial revocation,
// and composition over a closed set of capability kinds.
//
// A Capability is never constructed by a plugin; it is only ever issued by
// the Kernel's Grant and handed back by reference as a CapabilityId. There
// is deliberately no exported constructor that takes arbitrary bytes — the
// only way to get a Capability value into a Kernel's store is through
// Grant, which the caller (the plugin manager, on the strength of a parsed
// manifest) controls.
package capability

import "github.com/plugink/plugink/internal/ids"

// Kind is the closed set of capability/request variants.
type Kind uint8

const (
	KindFile Kind = iota
	KindNetwork
	KindMessage
	KindPluginCall
	KindMemory
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindNetwork:
		return "network"
	case KindMessage:
		return "message"
	case KindPluginCall:
		return "plugin_call"
	case KindMemory:
		return "memory"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MemoryOp is the operation requested against a shared memory region.
type MemoryOp uint8

const (
	MemoryRead MemoryOp = iota
	MemoryWrite
	MemoryShare
)

// Request is the sum type over every access a host call may ask the
// Kernel (and then the Policy Engine) to authorize. Exactly the fields
// matching Kind are meaningful; it is a programmer error to read the
// others.
type Request struct {
	Kind Kind

	// File
	FilePath  string
	FileRead  bool
	FileWrite bool

	// Network
	NetworkHost    string
	NetworkPort    int
	NetworkConnect bool
	NetworkListen  bool

	// Message
	MessageTopic   string
	MessagePublish bool
	MessageSend    bool

	// PluginCall
	CallTarget   ids.PluginId
	CallFunction string

	// Memory
	MemoryRegion ids.RegionId
	MemOp        MemoryOp

	// Custom
	CustomTag    string
	CustomParams map[string]any
}

// FileRequest builds a file access Request.
func FileRequest(path string, read, write bool) Request {
	return Request{Kind: KindFile, FilePath: path, FileRead: read, FileWrite: write}
}

// NetworkRequest builds a network access Request.
func NetworkRequest(host string, port int, connect, listen bool) Request {
	return Request{Kind: KindNetwork, NetworkHost: host, NetworkPort: port, NetworkConnect: connect, NetworkListen: listen}
}

// MessageRequest builds a message-bus access Request.
func MessageRequest(topic string, publish, send bool) Request {
	return Request{Kind: KindMessage, MessageTopic: topic, MessagePublish: publish, MessageSend: send}
}

// PluginCallRequest builds a plugin-call access Request.
func PluginCallRequest(target ids.PluginId, function string) Request {
	return Request{Kind: KindPluginCall, CallTarget: target, CallFunction: function}
}

// MemoryRequest builds a shared-memory access Request.
func MemoryRequest(region ids.RegionId, op MemoryOp) Request {
	return Request{Kind: KindMemory, MemoryRegion: region, MemOp: op}
}

// CustomRequest builds a Request for a type-tagged custom capability.
func CustomRequest(tag string, params map[string]any) Request {
	return Request{Kind: KindCustom, CustomTag: tag, CustomParams: params}
}

// Decision is the outcome of Capability.Permits or Kernel.Check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the permitting Decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is the denying Decision, carrying a human-readable reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
