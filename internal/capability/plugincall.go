package capability

import "github.com/plugink/plugink/internal/ids"

// PluginCallCapability authorizes calling one function (or, if Function
// is empty, any function) exposed by one target plugin. There is
// deliberately no "call any plugin" wildcard: cross-plugin calls are the
// highest-leverage confused-deputy vector in the runtime, so every grant
// names its target explicitly.
type PluginCallCapability struct {
	Target   ids.PluginId
	Function string // "" means any function on Target
}

func (c PluginCallCapability) Kind() Kind { return KindPluginCall }

func (c PluginCallCapability) Permits(req Request) Decision {
	if req.Kind != KindPluginCall {
		return Deny("capability kind mismatch")
	}
	if req.CallTarget != c.Target {
		return Deny("target plugin not granted")
	}
	if c.Function != "" && req.CallFunction != c.Function {
		return Deny("function not granted")
	}
	return Allow()
}

func (c PluginCallCapability) Constrain(con Constraint) (Capability, error) {
	if con.CallFunction == "" || (c.Function != "" && con.CallFunction != c.Function) {
		return nil, constraintErr(KindPluginCall, "PluginCallCapability.Constrain")
	}
	return PluginCallCapability{Target: c.Target, Function: con.CallFunction}, nil
}

// Split is a no-op: a single-target, single-(or-any)-function grant has
// no smaller meaningful decomposition than narrowing the function via
// Constrain.
func (c PluginCallCapability) Split() []Capability { return []Capability{c} }

func (c PluginCallCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(PluginCallCapability)
	return ok && o.Target == c.Target
}

func (c PluginCallCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("PluginCallCapability.Join", "mismatched target plugin")
	}
	o := other.(PluginCallCapability)
	if c.Function == "" || o.Function == "" {
		return PluginCallCapability{Target: c.Target}, nil
	}
	if c.Function == o.Function {
		return c, nil
	}
	// Different named functions on the same target: the join is the
	// unrestricted grant, since that is the smallest capability whose
	// Permits covers both operands.
	return PluginCallCapability{Target: c.Target}, nil
}
