// Package audit is the append-only audit trail spec.md §3 describes for
// every capability check and policy decision: "append-only ring; bounded
// per-plugin and global limits". It follows the same validation idiom
// as a constitutional-kernel style decision validator (bounds checking,
// monotonic timestamps, a SHA-256 hash chain linking each record to its
// predecessor), generalized from validating one escalation decision type
// to validating any audit Record.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/policy"
	"github.com/plugink/plugink/internal/workflow"
)

// Record is one entry in the audit ledger, wide enough to represent
// both a capability.AuditEvent and a policy.AuditEvent without either
// package depending on this one.
type Record struct {
	Plugin      ids.PluginId `json:"plugin"`
	Capability  string       `json:"capability,omitempty"`
	Rule        string       `json:"rule,omitempty"`
	Source      string       `json:"source"` // "kernel" | "policy"
	Operation   string       `json:"operation"`
	Kind        string       `json:"kind"`
	Allowed     bool         `json:"allowed"`
	Detail      string       `json:"detail,omitempty"`
	At          time.Time    `json:"at"`
	Hash        string       `json:"hash"`
	ParentHash  string       `json:"parent_hash"`
}

// Violation reports a retained Record that Verify found inconsistent — a
// broken hash chain or a stored hash that no longer matches the record's
// contents. append never rejects a record; a timestamp that moved
// backwards is clamped to the previous record's time instead.
type Violation struct {
	Reason string
	Record Record
}

func (v *Violation) Error() string {
	return fmt.Sprintf("audit: invalid record: %s", v.Reason)
}

// Ledger is the bounded, append-only, hash-chained audit ring. It
// satisfies both capability.Recorder and policy.Recorder, so a single
// Ledger instance is handed to the Kernel and the Engine alike.
type Ledger struct {
	mu sync.Mutex
	log *zap.Logger

	globalLimit int
	perPlugin   int

	ring       []Record // bounded to globalLimit, oldest evicted first
	byPlugin   map[ids.PluginId][]Record
	lastHash   string
	lastAt     time.Time

	persist PersistFunc
}

// PersistFunc, if set, is invoked with every accepted Record so a
// storage layer (e.g. BoltDB) can durably append it. It must not block
// the caller for long — Ledger holds its lock while calling it.
type PersistFunc func(Record) error

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithPersist sets the durable-append hook.
func WithPersist(fn PersistFunc) Option {
	return func(l *Ledger) { l.persist = fn }
}

// NewLedger constructs a Ledger bounded to globalLimit total records and
// perPlugin records per plugin (spec.md §3 "bounded per-plugin and
// global limits").
func NewLedger(log *zap.Logger, globalLimit, perPlugin int, opts ...Option) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		log:         log,
		globalLimit: globalLimit,
		perPlugin:   perPlugin,
		byPlugin:    make(map[ids.PluginId][]Record),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordCapabilityEvent implements capability.Recorder.
func (l *Ledger) RecordCapabilityEvent(e capability.AuditEvent) {
	l.append(Record{
		Plugin:     e.Plugin,
		Capability: e.Cap.String(),
		Source:     "kernel",
		Operation:  e.Operation,
		Kind:       e.Kind.String(),
		Allowed:    e.Allowed,
		Detail:     e.Detail,
		At:         e.At,
	})
}

// RecordWorkflowEvent implements workflow.Recorder.
func (l *Ledger) RecordWorkflowEvent(e workflow.AuditEvent) {
	l.append(Record{
		Source:    "workflow",
		Operation: e.Event,
		Kind:      "workflow",
		Allowed:   true,
		Detail:    workflowDetail(e),
		At:        e.At,
	})
}

// workflowDetail folds a workflow.AuditEvent's identifiers into the
// free-form Detail string, since Record has no dedicated
// execution/workflow/node columns of its own.
func workflowDetail(e workflow.AuditEvent) string {
	detail := fmt.Sprintf("execution=%s workflow=%s", e.Execution, e.Workflow)
	if !e.Node.IsZero() {
		detail += fmt.Sprintf(" node=%s", e.Node)
	}
	if e.Detail != "" {
		detail += ": " + e.Detail
	}
	return detail
}

// RecordPolicyEvent implements policy.Recorder.
func (l *Ledger) RecordPolicyEvent(e policy.AuditEvent) {
	l.append(Record{
		Plugin:    e.Plugin,
		Rule:      e.RuleID,
		Source:    "policy",
		Operation: "evaluate",
		Kind:      e.Kind.String(),
		Allowed:   e.Allowed,
		Detail:    e.Detail,
		At:        e.At,
	})
}

// append validates r (monotonic timestamp, hash chain), assigns its hash
// and parent hash, and inserts it into both the global ring and the
// plugin-scoped index, evicting the oldest entries once a bound is
// exceeded.
func (l *Ledger) append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if r.At.Before(l.lastAt) {
		l.log.Warn("audit record timestamp moved backwards; accepting with observed time",
			zap.Time("record_at", r.At), zap.Time("last_at", l.lastAt))
		r.At = l.lastAt
	}

	r.ParentHash = l.lastHash
	r.Hash = computeHash(r)
	l.lastHash = r.Hash
	l.lastAt = r.At

	l.ring = append(l.ring, r)
	if l.globalLimit > 0 && len(l.ring) > l.globalLimit {
		l.ring = l.ring[len(l.ring)-l.globalLimit:]
	}

	plug := append(l.byPlugin[r.Plugin], r)
	if l.perPlugin > 0 && len(plug) > l.perPlugin {
		plug = plug[len(plug)-l.perPlugin:]
	}
	l.byPlugin[r.Plugin] = plug

	if l.persist != nil {
		if err := l.persist(r); err != nil {
			l.log.Error("failed to persist audit record", zap.Error(err))
		}
	}
}

// computeHash canonicalizes r (excluding its own Hash field, which is
// what's being computed) and chains it to ParentHash, the same
// hash-chaining technique a constitutional-kernel decision validator
// uses to link each validated decision to its predecessor.
func computeHash(r Record) string {
	canonical := map[string]any{
		"plugin":      r.Plugin.String(),
		"capability":  r.Capability,
		"rule":        r.Rule,
		"source":      r.Source,
		"operation":   r.Operation,
		"kind":        r.Kind,
		"allowed":     r.Allowed,
		"detail":      r.Detail,
		"at":          r.At.UnixNano(),
		"parent_hash": r.ParentHash,
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		// canonical contains only primitives and strings; Marshal cannot
		// fail. Defensive fallback keeps the chain moving rather than
		// panicking the caller's request path.
		b = []byte(r.ParentHash)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Recent returns up to n of the most recent global audit records,
// newest last.
func (l *Ledger) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]Record, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

// ForPlugin returns up to n of the most recent audit records for plugin,
// newest last.
func (l *Ledger) ForPlugin(plugin ids.PluginId, n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.byPlugin[plugin]
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]Record, n)
	copy(out, recs[len(recs)-n:])
	return out
}

// Verify walks the in-memory ring and confirms every record's hash chain
// is intact, returning a *Violation for the first break found. It walks
// the whole ring under the ledger lock, so it is not part of the append
// path.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ring) == 0 {
		return nil
	}
	// The oldest retained record's own ParentHash is trusted as the chain's
	// starting point — eviction may have already dropped its predecessor,
	// so only internal consistency from here forward is checked.
	parent := l.ring[0].ParentHash
	for _, r := range l.ring {
		if r.ParentHash != parent {
			return &Violation{Reason: "hash chain broken", Record: r}
		}
		want := computeHash(Record{
			Plugin: r.Plugin, Capability: r.Capability, Rule: r.Rule, Source: r.Source,
			Operation: r.Operation, Kind: r.Kind, Allowed: r.Allowed, Detail: r.Detail,
			At: r.At, ParentHash: r.ParentHash,
		})
		if want != r.Hash {
			return &Violation{Reason: "record hash mismatch", Record: r}
		}
		parent = r.Hash
	}
	return nil
}
