package capability

import (
	"fmt"

	"github.com/plugink/plugink/internal/errs"
)

// Capability is the closed interface every capability variant (and the
// FilterCapability/ProxyCapability wrappers) implements. The method set is
// intentionally small and stable — new behavior is added by composing
// existing capabilities, not by growing this interface (spec.md §9
// "prefer composition over deep inheritance").
type Capability interface {
	// Kind reports the variant this capability authorizes.
	Kind() Kind

	// Permits reports whether req is authorized by this capability alone,
	// without consulting the Policy Engine.
	Permits(req Request) Decision

	// Constrain returns a strictly narrower capability, or an
	// errs.CapabilityConstraintErr if c does not narrow anything this
	// capability's Kind understands, or would widen access.
	Constrain(c Constraint) (Capability, error)

	// Split partitions this capability into two or more capabilities whose
	// union Permits exactly what the original did (spec.md §8 "split/join
	// round-trips to the original authority"). A capability that cannot be
	// meaningfully split returns a single-element slice containing itself.
	Split() []Capability

	// CanJoinWith reports whether Join(other) would succeed.
	CanJoinWith(other Capability) bool

	// Join recombines two previously-split capabilities of the same Kind
	// and the same underlying resource into one. It is the inverse of
	// Split.
	Join(other Capability) (Capability, error)
}

func constraintErr(kind Kind, op string) error {
	return errs.New(errs.FamilyCapability, errs.CapabilityConstraintErr, op,
		fmt.Sprintf("constraint does not narrow a %s capability", kind))
}

func compositionErr(op, detail string) error {
	return errs.New(errs.FamilyCapability, errs.CapabilityCompositionErr, op, detail)
}

// boolSubset reports whether a child's wanted operation flag is covered
// by the parent's grant of that flag.
func boolSubset(parentHas, childWants bool) bool {
	// childWants=true requires parentHas=true; childWants=false is always fine.
	return !childWants || parentHas
}
