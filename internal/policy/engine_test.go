package policy

import (
	"testing"
	"time"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

func TestEvaluateDefaultsDenyForFile(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	plugin := ids.NewPluginId()
	res := e.EvaluateFile(plugin, "/etc/shadow", true, false)
	if res.Decision.Allowed {
		t.Fatal("expected default deny for file access with no matching rule")
	}
	if res.RuleID != "" {
		t.Fatalf("expected no matched rule id, got %q", res.RuleID)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.AddRule(Rule{
		ID:   "deny-secrets",
		Kind: capability.KindFile,
		Matcher: func(r capability.Request) bool {
			return r.FilePath == "/data/secrets"
		},
		Action: ActionDeny,
	})
	e.AddRule(Rule{
		ID:   "allow-data",
		Kind: capability.KindFile,
		Matcher: func(r capability.Request) bool {
			return true
		},
		Action: ActionAllow,
	})

	plugin := ids.NewPluginId()

	res := e.EvaluateFile(plugin, "/data/secrets", true, false)
	if res.Decision.Allowed || res.RuleID != "deny-secrets" {
		t.Fatalf("expected deny-secrets to win, got %+v", res)
	}

	res = e.EvaluateFile(plugin, "/data/public", true, false)
	if !res.Decision.Allowed || res.RuleID != "allow-data" {
		t.Fatalf("expected allow-data to win for non-matching path, got %+v", res)
	}
}

func TestLogActionDoesNotTerminate(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.AddRule(Rule{ID: "audit-all", Kind: capability.KindNetwork, Action: ActionLog})
	e.AddRule(Rule{ID: "allow-internal", Kind: capability.KindNetwork, Action: ActionAllow,
		Matcher: func(r capability.Request) bool { return r.NetworkHost == "internal" }})

	plugin := ids.NewPluginId()
	res := e.EvaluateNetwork(plugin, "internal", 443, true, false)
	if !res.Decision.Allowed || res.RuleID != "allow-internal" {
		t.Fatalf("expected log rule to pass through to allow-internal, got %+v", res)
	}
}

func TestRemoveRule(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.AddRule(Rule{ID: "r1", Kind: capability.KindFile, Action: ActionAllow})
	e.RemoveRule("r1")
	if len(e.Rules(capability.KindFile)) != 0 {
		t.Fatal("expected rule to be removed")
	}
}

func TestQuotaTrackerDefaultAllowWhenUnmetered(t *testing.T) {
	q := NewQuotaTracker(nil)
	plugin := ids.NewPluginId()
	d := q.Consume(plugin, ResourceRequest{Resource: ResourceCPUTimeMicros, Amount: 1_000_000})
	if !d.Allowed {
		t.Fatal("expected unmetered resource to always be allowed")
	}
}

func TestQuotaTrackerEnforcesCeiling(t *testing.T) {
	q := NewQuotaTracker(map[ResourceKind]Ceiling{
		ResourceInstanceCount: {Capacity: 2, RatePerSecond: 0},
	})
	now := time.Now()
	q.now = func() time.Time { return now }
	plugin := ids.NewPluginId()

	if d := q.Consume(plugin, ResourceRequest{Resource: ResourceInstanceCount, Amount: 1}); !d.Allowed {
		t.Fatal("expected first draw to succeed")
	}
	if d := q.Consume(plugin, ResourceRequest{Resource: ResourceInstanceCount, Amount: 1}); !d.Allowed {
		t.Fatal("expected second draw to succeed (capacity 2)")
	}
	if d := q.Consume(plugin, ResourceRequest{Resource: ResourceInstanceCount, Amount: 1}); d.Allowed {
		t.Fatal("expected third draw to exceed the ceiling with no refill elapsed")
	}
}

func TestEvaluateResourceDefaultAllowsWithNoTracker(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	plugin := ids.NewPluginId()
	res := e.EvaluateResource(plugin, ResourceRequest{Resource: ResourceMemoryBytes, Amount: 1 << 20})
	if !res.Decision.Allowed {
		t.Fatal("expected resource evaluation to default-allow with no quota tracker configured")
	}
}
