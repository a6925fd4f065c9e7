package capability

import "github.com/plugink/plugink/internal/ids"

// MemoryCapability authorizes any combination of read, write, and share
// operations against one shared-memory Region exposed by an instance
// (spec.md §4.3 regions).
type MemoryCapability struct {
	Region ids.RegionId
	Read   bool
	Write  bool
	Share  bool
}

func (c MemoryCapability) Kind() Kind { return KindMemory }

func (c MemoryCapability) Permits(req Request) Decision {
	if req.Kind != KindMemory {
		return Deny("capability kind mismatch")
	}
	if req.MemoryRegion != c.Region {
		return Deny("region not granted")
	}
	switch req.MemOp {
	case MemoryRead:
		if !c.Read {
			return Deny("read not granted")
		}
	case MemoryWrite:
		if !c.Write {
			return Deny("write not granted")
		}
	case MemoryShare:
		if !c.Share {
			return Deny("share not granted")
		}
	}
	return Allow()
}

func (c MemoryCapability) Constrain(con Constraint) (Capability, error) {
	if !con.HasMemOp {
		return nil, constraintErr(KindMemory, "MemoryCapability.Constrain")
	}
	next := MemoryCapability{Region: c.Region}
	switch con.MemOp {
	case MemoryRead:
		if !c.Read {
			return nil, constraintErr(KindMemory, "MemoryCapability.Constrain")
		}
		next.Read = true
	case MemoryWrite:
		if !c.Write {
			return nil, constraintErr(KindMemory, "MemoryCapability.Constrain")
		}
		next.Write = true
	case MemoryShare:
		if !c.Share {
			return nil, constraintErr(KindMemory, "MemoryCapability.Constrain")
		}
		next.Share = true
	}
	return next, nil
}

func (c MemoryCapability) Split() []Capability {
	var out []Capability
	if c.Read {
		out = append(out, MemoryCapability{Region: c.Region, Read: true})
	}
	if c.Write {
		out = append(out, MemoryCapability{Region: c.Region, Write: true})
	}
	if c.Share {
		out = append(out, MemoryCapability{Region: c.Region, Share: true})
	}
	if len(out) <= 1 {
		return []Capability{c}
	}
	return out
}

func (c MemoryCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(MemoryCapability)
	return ok && o.Region == c.Region
}

func (c MemoryCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("MemoryCapability.Join", "mismatched region")
	}
	o := other.(MemoryCapability)
	return MemoryCapability{
		Region: c.Region,
		Read:   c.Read || o.Read,
		Write:  c.Write || o.Write,
		Share:  c.Share || o.Share,
	}, nil
}
