package audit

import (
	"testing"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
)

func TestLedgerAppendAndVerify(t *testing.T) {
	l := NewLedger(nil, 100, 10)
	plugin := ids.NewPluginId()

	for i := 0; i < 5; i++ {
		l.RecordCapabilityEvent(capability.AuditEvent{
			Plugin: plugin, Operation: "check", Kind: capability.KindFile, Allowed: i%2 == 0,
		})
	}

	if got := l.Recent(100); len(got) != 5 {
		t.Fatalf("expected 5 records, got %d", len(got))
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("expected intact hash chain, got %v", err)
	}
}

func TestLedgerPerPluginBound(t *testing.T) {
	l := NewLedger(nil, 1000, 3)
	plugin := ids.NewPluginId()
	other := ids.NewPluginId()

	for i := 0; i < 10; i++ {
		l.RecordCapabilityEvent(capability.AuditEvent{Plugin: plugin, Operation: "check", Kind: capability.KindFile, Allowed: true})
	}
	l.RecordCapabilityEvent(capability.AuditEvent{Plugin: other, Operation: "check", Kind: capability.KindFile, Allowed: true})

	if got := l.ForPlugin(plugin, 100); len(got) != 3 {
		t.Fatalf("expected per-plugin bound of 3, got %d", len(got))
	}
	if got := l.ForPlugin(other, 100); len(got) != 1 {
		t.Fatalf("expected 1 record for other plugin, got %d", len(got))
	}
}

func TestLedgerGlobalBound(t *testing.T) {
	l := NewLedger(nil, 4, 100)
	plugin := ids.NewPluginId()
	for i := 0; i < 10; i++ {
		l.RecordCapabilityEvent(capability.AuditEvent{Plugin: plugin, Operation: "check", Kind: capability.KindFile, Allowed: true})
	}
	if got := l.Recent(100); len(got) != 4 {
		t.Fatalf("expected global bound of 4, got %d", len(got))
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("expected intact hash chain after eviction, got %v", err)
	}
}
