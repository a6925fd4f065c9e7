// Package policy implements the Policy Engine (spec.md §4.2): an ordered,
// first-match-wins rule set layered on top of the Capability Kernel. The
// Kernel answers "was this ever granted"; the Policy Engine answers "is
// this allowed right now" — it can only narrow what the Kernel already
// permits, never widen it.
package policy

import "github.com/plugink/plugink/internal/capability"

// Action is what a matching Rule does to a request.
type Action uint8

const (
	// ActionAllow terminates evaluation, permitting the request.
	ActionAllow Action = iota
	// ActionDeny terminates evaluation, denying the request.
	ActionDeny
	// ActionLog records the match and continues evaluating subsequent
	// rules — it never itself terminates evaluation.
	ActionLog
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	default:
		return "unknown"
	}
}

// Rule is one ordered entry in the Engine's rule set for a single
// capability.Kind. Matcher reports whether the rule applies to req;
// Engine.Evaluate walks rules in registration order and the first rule
// whose Matcher returns true and whose Action is terminal (Allow or
// Deny) decides the outcome.
type Rule struct {
	ID      string
	Kind    capability.Kind
	Matcher func(capability.Request) bool
	Action  Action
	Reason  string
}

func (r Rule) matches(req capability.Request) bool {
	if r.Kind != req.Kind {
		return false
	}
	if r.Matcher == nil {
		return true
	}
	return r.Matcher(req)
}
