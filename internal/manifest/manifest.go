// Package manifest defines the plugin manifest structure the plugin
// manager consumes to load a plugin. Discovering manifest files on disk
// and parsing their TOML/JSON/YAML source is an external collaborator's
// job; this package only defines the decoded shape and the capability
// requests derived from it.
package manifest

import (
	"fmt"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

// Manifest describes one plugin to be loaded: its identity, where its
// code lives, and the authority it is requesting.
type Manifest struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description" yaml:"description"`
	PluginType   string            `json:"plugin_type" yaml:"plugin_type"` // "wasm" | "native" | "js" | "remote" | contrib-registered
	WasmPath     string            `json:"wasm_path" yaml:"wasm_path"`
	EntryPoint   string            `json:"entry_point" yaml:"entry_point"`
	Functions    []string          `json:"functions" yaml:"functions"`
	Permissions  []PermissionSpec  `json:"permissions" yaml:"permissions"`
	Dependencies []string          `json:"dependencies" yaml:"dependencies"` // names of plugins that must already be loaded
	Capabilities []CapabilitySpec  `json:"capabilities" yaml:"capabilities"`
	Config       map[string]any    `json:"config" yaml:"config"`
}

// PermissionSpec is a coarse-grained permission request a manifest
// author writes by hand, one step above a raw CapabilitySpec — e.g.
// "read-only access under /data" rather than a fully constrained
// FileCapability. The plugin manager does not read Permissions: only
// Capabilities are resolved and granted at load time.
type PermissionSpec struct {
	Kind  string `json:"kind" yaml:"kind"` // "file-read" | "file-write" | "network-connect" | "network-listen"
	Value string `json:"value" yaml:"value"` // path prefix or host[:port]
}

// CapabilitySpec is a manifest-level request for one capability,
// resolved into a concrete capability.Capability by ToCapability.
type CapabilitySpec struct {
	Kind string `json:"kind" yaml:"kind"` // file | network | message | plugin_call | custom

	// file
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`
	Read       bool   `json:"read,omitempty" yaml:"read,omitempty"`
	Write      bool   `json:"write,omitempty" yaml:"write,omitempty"`

	// network
	Host    string `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Connect bool   `json:"connect,omitempty" yaml:"connect,omitempty"`
	Listen  bool   `json:"listen,omitempty" yaml:"listen,omitempty"`

	// message
	Topic   string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Publish bool   `json:"publish,omitempty" yaml:"publish,omitempty"`
	Send    bool   `json:"send,omitempty" yaml:"send,omitempty"`

	// plugin_call — Target is resolved by name at load time, see
	// ToCapability's targetResolver parameter.
	TargetPluginName string `json:"target_plugin_name,omitempty" yaml:"target_plugin_name,omitempty"`
	Function         string `json:"function,omitempty" yaml:"function,omitempty"`

	// custom
	Tag    string         `json:"tag,omitempty" yaml:"tag,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ToCapability resolves one CapabilitySpec into a concrete
// capability.Capability. targetResolver looks a plugin up by the name a
// plugin_call spec references; it is nil-safe (only plugin_call specs
// call it).
func (s CapabilitySpec) ToCapability(targetResolver func(name string) (ids.PluginId, bool)) (capability.Capability, error) {
	switch s.Kind {
	case "file":
		return capability.FileCapability{Paths: []string{s.PathPrefix}, Read: s.Read, Write: s.Write}, nil
	case "network":
		return capability.NetworkCapability{Host: s.Host, Port: s.Port, Connect: s.Connect, Listen: s.Listen}, nil
	case "message":
		return capability.MessageCapability{Topic: s.Topic, Publish: s.Publish, Send: s.Send}, nil
	case "plugin_call":
		if targetResolver == nil {
			return nil, fmt.Errorf("manifest: plugin_call capability %q requires a target resolver", s.TargetPluginName)
		}
		target, ok := targetResolver(s.TargetPluginName)
		if !ok {
			return nil, fmt.Errorf("manifest: plugin_call target %q is not loaded", s.TargetPluginName)
		}
		return capability.PluginCallCapability{Target: target, Function: s.Function}, nil
	case "custom":
		return capability.CustomCapability{Tag: s.Tag, Params: s.Params}, nil
	default:
		return nil, fmt.Errorf("manifest: unknown capability kind %q", s.Kind)
	}
}

// Validate checks the manifest for required fields and internal
// consistency, before it is handed to the plugin manager.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if m.PluginType == "" {
		return fmt.Errorf("manifest: plugin_type is required")
	}
	if m.PluginType != "remote" && m.WasmPath == "" {
		return fmt.Errorf("manifest %s: wasm_path is required for plugin_type %q", m.Name, m.PluginType)
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("manifest %s: entry_point is required", m.Name)
	}
	for i, c := range m.Capabilities {
		if c.Kind == "" {
			return fmt.Errorf("manifest %s: capabilities[%d] missing kind", m.Name, i)
		}
	}
	return nil
}
