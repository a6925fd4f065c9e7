package isolation

import (
	"testing"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

type fakeAuthorizer struct {
	allow bool
	reason string
}

func (f fakeAuthorizer) Evaluate(plugin ids.PluginId, req capability.Request) (bool, string) {
	return f.allow, f.reason
}

func TestGateDeniesWhenKernelDenies(t *testing.T) {
	kernel := capability.NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	gate := NewGate(kernel, fakeAuthorizer{allow: true})

	allowed, reason := gate.Check(plugin, capability.FileRequest("/etc/passwd", true, false))
	if allowed {
		t.Fatal("expected denial with no capability granted")
	}
	if reason == "" {
		t.Fatal("expected a denial reason")
	}
}

func TestGateDeniesWhenPolicyDeniesDespiteKernelGrant(t *testing.T) {
	kernel := capability.NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	kernel.Grant(plugin, capability.FileCapability{Paths: []string{"/data"}, Read: true})
	gate := NewGate(kernel, fakeAuthorizer{allow: false, reason: "blocked by rule"})

	allowed, reason := gate.Check(plugin, capability.FileRequest("/data/x", true, false))
	if allowed {
		t.Fatal("expected policy denial to override a kernel grant")
	}
	if reason != "blocked by rule" {
		t.Fatalf("expected policy denial reason, got %q", reason)
	}
}

func TestGateAllowsWhenBothPermit(t *testing.T) {
	kernel := capability.NewKernel(nil, nil)
	plugin := ids.NewPluginId()
	kernel.Grant(plugin, capability.FileCapability{Paths: []string{"/data"}, Read: true})
	gate := NewGate(kernel, fakeAuthorizer{allow: true})

	allowed, _ := gate.Check(plugin, capability.FileRequest("/data/x", true, false))
	if !allowed {
		t.Fatal("expected request to be permitted when both gates pass")
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("same bytes"))
	b := ContentHash([]byte("same bytes"))
	if a != b {
		t.Fatal("expected content hash to be deterministic")
	}
	c := ContentHash([]byte("different bytes"))
	if a == c {
		t.Fatal("expected different source to hash differently")
	}
}
