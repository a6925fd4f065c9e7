package capability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
)

// Recorder receives one audit entry per Check call and per successful
// Grant, Revoke, and narrowing PartialRevoke; calls that fail, or a
// PartialRevoke that has nothing to narrow, record nothing. The Kernel depends only on this interface, never on a
// concrete audit store, so internal/audit can be wired in by whoever
// constructs the Kernel without an import cycle.
type Recorder interface {
	RecordCapabilityEvent(e AuditEvent)
}

// AuditEvent is the Kernel's half of the audit record spec.md §3
// describes ("append-only ring; bounded per-plugin and global limits").
type AuditEvent struct {
	Plugin    ids.PluginId
	Cap       ids.CapabilityId
	Operation string // "grant" | "revoke" | "partial_revoke" | "check"
	Kind      Kind
	Allowed   bool
	Detail    string
	At        time.Time
}

type grant struct {
	id   ids.CapabilityId
	plug ids.PluginId
	cap  Capability
}

// Kernel is the Capability Kernel (spec.md §4.1): the sole authority that
// grants, attenuates, revokes, and checks capabilities. It holds no
// knowledge of Policy Engine rules — Check answers only "did this plugin
// ever receive authority for this request", not "is this request allowed
// right now by today's policy".
type Kernel struct {
	mu  sync.RWMutex
	log *zap.Logger
	rec Recorder

	byID  map[ids.CapabilityId]*grant
	byPlug map[ids.PluginId]map[ids.CapabilityId]*grant
	// index is the per-kind aggregation rebuilt on every grant/revoke
	// under mu, giving O(1) amortized lookup for "does plugin P hold any
	// capability of kind K" hot paths (spec.md §9 "dynamic dispatch hot
	// paths should not walk every grant").
	index map[ids.PluginId]map[Kind][]ids.CapabilityId
}

// NewKernel constructs an empty Kernel. rec may be nil, in which case
// audit events are simply dropped — callers that want an audit trail
// pass the internal/audit store's Recorder implementation.
func NewKernel(log *zap.Logger, rec Recorder) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{
		log:    log,
		rec:    rec,
		byID:   make(map[ids.CapabilityId]*grant),
		byPlug: make(map[ids.PluginId]map[ids.CapabilityId]*grant),
		index:  make(map[ids.PluginId]map[Kind][]ids.CapabilityId),
	}
}

func (k *Kernel) record(e AuditEvent) {
	if k.rec == nil {
		return
	}
	e.At = time.Now().UTC()
	k.rec.RecordCapabilityEvent(e)
}

// Grant issues a new capability to plugin. The returned CapabilityId is
// the plugin's sole handle to it; the Kernel never exposes the
// underlying Capability value to the plugin directly.
func (k *Kernel) Grant(plugin ids.PluginId, cap Capability) ids.CapabilityId {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := ids.NewCapabilityId()
	g := &grant{id: id, plug: plugin, cap: cap}
	k.byID[id] = g
	if k.byPlug[plugin] == nil {
		k.byPlug[plugin] = make(map[ids.CapabilityId]*grant)
	}
	k.byPlug[plugin][id] = g
	k.reindexLocked(plugin)

	k.log.Debug("capability granted",
		zap.String("plugin", plugin.String()),
		zap.String("capability", id.String()),
		zap.Stringer("kind", cap.Kind()))
	k.record(AuditEvent{Plugin: plugin, Cap: id, Operation: "grant", Kind: cap.Kind(), Allowed: true})
	return id
}

// Revoke removes a capability entirely. Revoking an unknown id is a
// CapabilityNotFound error.
func (k *Kernel) Revoke(id ids.CapabilityId) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	g, ok := k.byID[id]
	if !ok {
		return errs.New(errs.FamilyCapability, errs.CapabilityNotFound, "Kernel.Revoke", id.String())
	}
	delete(k.byID, id)
	delete(k.byPlug[g.plug], id)
	k.reindexLocked(g.plug)

	k.log.Debug("capability revoked",
		zap.String("plugin", g.plug.String()),
		zap.String("capability", id.String()))
	k.record(AuditEvent{Plugin: g.plug, Cap: id, Operation: "revoke", Kind: g.cap.Kind(), Allowed: true})
	return nil
}

// PartialRevoke replaces the capability at id with one that no longer
// permits req (spec.md §4.1 "partial_revoke(plugin_id, capability_id,
// access_request)"). It tries Split first and keeps only the parts
// that don't permit req; a part that permits req is dropped whole, so
// any other access only that part granted (for example, write on the
// same path of a multi-path file grant) is removed with it. If the
// capability doesn't split usefully, it derives a Constraint that
// excludes just req's shape and applies that, leaving every other
// access in place. If neither strategy can reduce authority without
// eliminating it outright, it fails with errs.CapabilityRevokeFailed.
func (k *Kernel) PartialRevoke(plugin ids.PluginId, id ids.CapabilityId, req Request) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	g, ok := k.byID[id]
	if !ok || g.plug != plugin {
		return errs.New(errs.FamilyCapability, errs.CapabilityNotFound, "Kernel.PartialRevoke", id.String())
	}

	if !g.cap.Permits(req).Allowed {
		// Already doesn't permit this request; nothing to narrow.
		return nil
	}

	reduced, err := partialRevoke(g.cap, req)
	if err != nil {
		return errs.WrapDetail(errs.FamilyCapability, errs.CapabilityRevokeFailed, "Kernel.PartialRevoke", id.String(), err)
	}
	g.cap = reduced
	k.reindexLocked(plugin)

	k.log.Debug("capability partially revoked",
		zap.String("plugin", plugin.String()),
		zap.String("capability", id.String()))
	k.record(AuditEvent{Plugin: plugin, Cap: id, Operation: "partial_revoke", Kind: reduced.Kind(), Allowed: true})
	return nil
}

// partialRevoke implements the split-then-constrain fallback shared by
// every capability Kind: split cap and keep the parts that don't
// permit req; if splitting doesn't usefully divide the grant (one part
// or fewer), fall back to a Kind-specific Constrain derived from req.
func partialRevoke(cap Capability, req Request) (Capability, error) {
	parts := cap.Split()
	if len(parts) > 1 {
		var remaining []Capability
		for _, p := range parts {
			if !p.Permits(req).Allowed {
				remaining = append(remaining, p)
			}
		}
		if len(remaining) == 0 {
			return nil, compositionErr("partialRevoke", "partial revocation would remove all permissions")
		}
		joined := remaining[0]
		for _, p := range remaining[1:] {
			j, err := joined.Join(p)
			if err != nil {
				return nil, err
			}
			joined = j
		}
		return joined, nil
	}

	con, ok := derivedConstraint(req)
	if !ok {
		return nil, compositionErr("partialRevoke", "no revocation strategy for this capability kind")
	}
	reduced, err := cap.Constrain(con)
	if err != nil {
		return nil, err
	}
	if reduced.Permits(req).Allowed {
		return nil, compositionErr("partialRevoke", "constrain failed to exclude the requested access")
	}
	return reduced, nil
}

// derivedConstraint builds the Constraint that excludes exactly req's
// shape, for the capability kinds whose Constrain supports targeted
// exclusion. Only File requests do today; other kinds rely on Split
// alone, which is why a single-operation non-file grant cannot be
// partially revoked without removing all of its authority.
func derivedConstraint(req Request) (Constraint, bool) {
	if req.Kind != KindFile {
		return Constraint{}, false
	}
	return Constraint{
		ExcludeFilePath:  req.FilePath,
		ExcludeFileRead:  req.FileRead,
		ExcludeFileWrite: req.FileWrite,
	}, true
}

// Check reports whether plugin holds any capability that Permits req. It
// returns the id of the first granting capability found, for audit
// correlation.
func (k *Kernel) Check(plugin ids.PluginId, req Request) (Decision, ids.CapabilityId) {
	k.mu.RLock()
	grants := k.byPlug[plugin]
	// snapshot under the read lock; Permits itself takes no lock.
	candidates := make([]*grant, 0, len(grants))
	for _, g := range grants {
		candidates = append(candidates, g)
	}
	k.mu.RUnlock()

	for _, g := range candidates {
		if d := g.cap.Permits(req); d.Allowed {
			k.record(AuditEvent{Plugin: plugin, Cap: g.id, Operation: "check", Kind: req.Kind, Allowed: true})
			return d, g.id
		}
	}
	d := Deny("no granted capability permits this request")
	k.record(AuditEvent{Plugin: plugin, Operation: "check", Kind: req.Kind, Allowed: false, Detail: d.Reason})
	return d, ids.CapabilityId{}
}

// List returns every capability currently held by plugin, keyed by its
// CapabilityId.
func (k *Kernel) List(plugin ids.PluginId) map[ids.CapabilityId]Capability {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[ids.CapabilityId]Capability, len(k.byPlug[plugin]))
	for id, g := range k.byPlug[plugin] {
		out[id] = g.cap
	}
	return out
}

// HasKind reports whether plugin holds at least one capability of kind.
// This is the indexed hot-path lookup spec.md §9 calls for.
func (k *Kernel) HasKind(plugin ids.PluginId, kind Kind) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.index[plugin][kind]) > 0
}

// Split replaces a single capability grant with the grants produced by
// its own Split, preserving combined authority under a fresh set of
// CapabilityIds. The original id is revoked.
func (k *Kernel) Split(id ids.CapabilityId) ([]ids.CapabilityId, error) {
	k.mu.Lock()
	g, ok := k.byID[id]
	if !ok {
		k.mu.Unlock()
		return nil, errs.New(errs.FamilyCapability, errs.CapabilityNotFound, "Kernel.Split", id.String())
	}
	plugin := g.plug
	parts := g.cap.Split()
	delete(k.byID, id)
	delete(k.byPlug[plugin], id)
	k.mu.Unlock()

	out := make([]ids.CapabilityId, 0, len(parts))
	for _, p := range parts {
		out = append(out, k.Grant(plugin, p))
	}
	return out, nil
}

// Join recombines two previously split capabilities into one grant,
// revoking both inputs.
func (k *Kernel) Join(a, b ids.CapabilityId) (ids.CapabilityId, error) {
	k.mu.Lock()
	ga, okA := k.byID[a]
	gb, okB := k.byID[b]
	k.mu.Unlock()
	if !okA || !okB {
		return ids.CapabilityId{}, errs.New(errs.FamilyCapability, errs.CapabilityNotFound, "Kernel.Join", "one or both ids unknown")
	}
	if ga.plug != gb.plug {
		return ids.CapabilityId{}, errs.New(errs.FamilyCapability, errs.CapabilityCompositionErr, "Kernel.Join", "capabilities belong to different plugins")
	}
	joined, err := ga.cap.Join(gb.cap)
	if err != nil {
		return ids.CapabilityId{}, errs.WrapDetail(errs.FamilyCapability, errs.CapabilityCompositionErr, "Kernel.Join", "", err)
	}
	if err := k.Revoke(a); err != nil {
		return ids.CapabilityId{}, err
	}
	if err := k.Revoke(b); err != nil {
		return ids.CapabilityId{}, err
	}
	return k.Grant(ga.plug, joined), nil
}

// MergeByKind collapses every capability plugin holds of kind into a
// single grant, joining them pairwise and revoking the originals. It is
// a no-op (returns the existing id) if plugin holds exactly one
// capability of kind, and fails with errs.CapabilityNotFound if it holds
// none. Capabilities whose Join rejects a pairing are left untouched and
// are not folded into the merge.
func (k *Kernel) MergeByKind(plugin ids.PluginId, kind Kind) (ids.CapabilityId, error) {
	k.mu.Lock()
	ids_ := append([]ids.CapabilityId(nil), k.index[plugin][kind]...)
	k.mu.Unlock()

	if len(ids_) == 0 {
		return ids.CapabilityId{}, errs.New(errs.FamilyCapability, errs.CapabilityNotFound, "Kernel.MergeByKind", "plugin holds no capability of this kind")
	}
	merged := ids_[0]
	for _, next := range ids_[1:] {
		joined, err := k.Join(merged, next)
		if err != nil {
			// Join revokes nothing when it fails, so both grants stay as
			// they were and next is simply left out of the merge.
			k.log.Debug("capability left out of merge",
				zap.String("plugin", plugin.String()),
				zap.String("capability", next.String()),
				zap.Error(err))
			continue
		}
		merged = joined
	}
	return merged, nil
}

// reindexLocked rebuilds the per-kind index for plugin. Called with mu
// held for writing.
func (k *Kernel) reindexLocked(plugin ids.PluginId) {
	byKind := make(map[Kind][]ids.CapabilityId)
	for id, g := range k.byPlug[plugin] {
		byKind[g.cap.Kind()] = append(byKind[g.cap.Kind()], id)
	}
	if len(byKind) == 0 {
		delete(k.index, plugin)
		return
	}
	k.index[plugin] = byKind
}
