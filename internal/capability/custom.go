package capability

// CustomCapability is the open-ended escape hatch for capability kinds
// this runtime doesn't know about natively: a type-tagged bag of
// parameters a host-call handler registered via contrib can interpret
// however it needs to. The Kernel treats Tag as opaque; only the
// registered handler gives it meaning.
type CustomCapability struct {
	Tag    string
	Params map[string]any
}

func (c CustomCapability) Kind() Kind { return KindCustom }

func (c CustomCapability) Permits(req Request) Decision {
	if req.Kind != KindCustom || req.CustomTag != c.Tag {
		return Deny("capability kind or tag mismatch")
	}
	for k, want := range req.CustomParams {
		got, ok := c.Params[k]
		if !ok || got != want {
			return Deny("custom parameter not granted: " + k)
		}
	}
	return Allow()
}

func (c CustomCapability) Constrain(con Constraint) (Capability, error) {
	if len(con.CustomParams) == 0 {
		return nil, constraintErr(KindCustom, "CustomCapability.Constrain")
	}
	for k := range con.CustomParams {
		if _, ok := c.Params[k]; !ok {
			return nil, constraintErr(KindCustom, "CustomCapability.Constrain")
		}
	}
	return CustomCapability{Tag: c.Tag, Params: mergeParams(c.Params, con.CustomParams)}, nil
}

// Split has no general decomposition for an opaque parameter bag; a
// caller that needs split semantics for a custom kind registers its own
// Capability implementation instead of using CustomCapability.
func (c CustomCapability) Split() []Capability { return []Capability{c} }

func (c CustomCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(CustomCapability)
	return ok && o.Tag == c.Tag
}

func (c CustomCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("CustomCapability.Join", "mismatched tag")
	}
	o := other.(CustomCapability)
	return CustomCapability{Tag: c.Tag, Params: mergeParams(c.Params, o.Params)}, nil
}
