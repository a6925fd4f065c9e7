package policy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

// defaultActionByKind is the fallback Action when no rule for a Kind
// matches. File, network, message, plugin-call, and memory requests
// default to deny (spec.md §4.2 "the policy engine defaults closed for
// every access-control request type") — only resource quota checks
// default open, handled separately by EvaluateResource/Quota.
var defaultActionByKind = map[capability.Kind]Action{
	capability.KindFile:       ActionDeny,
	capability.KindNetwork:    ActionDeny,
	capability.KindMessage:    ActionDeny,
	capability.KindPluginCall: ActionDeny,
	capability.KindMemory:     ActionDeny,
	capability.KindCustom:     ActionDeny,
}

// Recorder receives the Engine's audit entries: one per Evaluate decision
// (a matching allow/deny rule or the Kind default), one more per matching
// log rule passed on the way, and one per EvaluateResource call that
// reaches a quota tracker. Matches
// internal/capability's Recorder shape so both Kernel and Engine can
// share a single audit store without either importing the other.
type Recorder interface {
	RecordPolicyEvent(e AuditEvent)
}

// AuditEvent is the policy half of the audit trail (spec.md §3).
type AuditEvent struct {
	Plugin    ids.PluginId
	RuleID    string // "" if no rule matched and the default applied
	Kind      capability.Kind
	Allowed   bool
	Detail    string
	At        time.Time
}

// Result is the outcome of an Evaluate call, carrying the id of the rule
// that decided it (empty if the kind's default applied) for audit
// correlation and CLI introspection (spec.md §6 "show-audit").
type Result struct {
	Decision capability.Decision
	RuleID   string
}

// Engine is the Policy Engine: one ordered rule list per capability.Kind,
// evaluated first-match-wins.
type Engine struct {
	mu    sync.RWMutex
	log   *zap.Logger
	rec   Recorder
	rules map[capability.Kind][]Rule
	quota *QuotaTracker
}

// NewEngine constructs an Engine with no rules. quota may be nil, in
// which case EvaluateResource always allows (no ceilings configured).
func NewEngine(log *zap.Logger, rec Recorder, quota *QuotaTracker) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:   log,
		rec:   rec,
		rules: make(map[capability.Kind][]Rule),
		quota: quota,
	}
}

// AddRule appends rule to the end of its Kind's ordered list — the
// lowest priority position, since first-match-wins means earlier entries
// always shadow later ones of the same Kind.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Kind] = append(e.rules[r.Kind], r)
}

// RemoveRule removes the first rule with the given id, for any Kind. It
// is a no-op if no such rule exists.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for kind, rs := range e.rules {
		for i, r := range rs {
			if r.ID == id {
				e.rules[kind] = append(rs[:i:i], rs[i+1:]...)
				return
			}
		}
	}
}

// Rules returns a snapshot of the currently registered rules for kind, in
// evaluation order.
func (e *Engine) Rules(kind capability.Kind) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules[kind]))
	copy(out, e.rules[kind])
	return out
}

func (e *Engine) record(ev AuditEvent) {
	if e.rec == nil {
		return
	}
	ev.At = time.Now().UTC()
	e.rec.RecordPolicyEvent(ev)
}

// Evaluate walks the ordered rule list for req.Kind, applying the first
// rule whose Matcher accepts req and whose Action is terminal. ActionLog
// rules are recorded but never terminate the walk. If no rule matches,
// the Kind's default Action applies.
func (e *Engine) Evaluate(plugin ids.PluginId, req capability.Request) Result {
	e.mu.RLock()
	rules := e.rules[req.Kind]
	snapshot := make([]Rule, len(rules))
	copy(snapshot, rules)
	e.mu.RUnlock()

	for _, r := range snapshot {
		if !r.matches(req) {
			continue
		}
		switch r.Action {
		case ActionAllow:
			res := Result{Decision: capability.Allow(), RuleID: r.ID}
			e.record(AuditEvent{Plugin: plugin, RuleID: r.ID, Kind: req.Kind, Allowed: true, Detail: r.Reason})
			return res
		case ActionDeny:
			reason := r.Reason
			if reason == "" {
				reason = "denied by rule " + r.ID
			}
			res := Result{Decision: capability.Deny(reason), RuleID: r.ID}
			e.record(AuditEvent{Plugin: plugin, RuleID: r.ID, Kind: req.Kind, Allowed: false, Detail: reason})
			return res
		case ActionLog:
			e.record(AuditEvent{Plugin: plugin, RuleID: r.ID, Kind: req.Kind, Allowed: true, Detail: "logged: " + r.Reason})
			e.log.Info("policy rule matched (log-only)", zap.String("rule", r.ID), zap.Stringer("kind", req.Kind))
			continue
		}
	}

	def := defaultActionByKind[req.Kind]
	switch def {
	case ActionAllow:
		e.record(AuditEvent{Plugin: plugin, Kind: req.Kind, Allowed: true, Detail: "default"})
		return Result{Decision: capability.Allow()}
	default:
		e.record(AuditEvent{Plugin: plugin, Kind: req.Kind, Allowed: false, Detail: "default deny"})
		return Result{Decision: capability.Deny("no rule matched; default deny")}
	}
}

// Authorize reduces Evaluate's Result to an (allowed, reason) pair, the
// shape isolation.Authorizer expects. Authorizer's method is named
// Evaluate, so an *Engine is handed to isolation.NewGate through a
// one-method adapter (bootstrap's policyAuthorizer), not directly.
func (e *Engine) Authorize(plugin ids.PluginId, req capability.Request) (bool, string) {
	res := e.Evaluate(plugin, req)
	return res.Decision.Allowed, res.Decision.Reason
}

// EvaluateFile is a typed convenience wrapper over Evaluate.
func (e *Engine) EvaluateFile(plugin ids.PluginId, path string, read, write bool) Result {
	return e.Evaluate(plugin, capability.FileRequest(path, read, write))
}

// EvaluateNetwork is a typed convenience wrapper over Evaluate.
func (e *Engine) EvaluateNetwork(plugin ids.PluginId, host string, port int, connect, listen bool) Result {
	return e.Evaluate(plugin, capability.NetworkRequest(host, port, connect, listen))
}

// EvaluateResource checks req against the configured quota ceilings,
// defaulting to allow when no QuotaTracker is configured or no ceiling
// is set for the resource (spec.md §4.2 "resource checks default open").
func (e *Engine) EvaluateResource(plugin ids.PluginId, req ResourceRequest) Result {
	if e.quota == nil {
		return Result{Decision: capability.Allow()}
	}
	d := e.quota.Consume(plugin, req)
	allowed := d.Allowed
	e.record(AuditEvent{Plugin: plugin, Kind: capability.KindCustom, Allowed: allowed, Detail: d.Reason})
	if !allowed {
		return Result{Decision: d}
	}
	return Result{Decision: capability.Allow()}
}
