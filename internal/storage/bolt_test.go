package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/audit"
	"github.com/plugink/plugink/internal/ids"
)

func openTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugink.db")
	db, err := Open(path, retentionDays)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenInitialisesSchema(t *testing.T) {
	db := openTestDB(t, 30)
	if err := db.checkSchemaVersion(); err != nil {
		t.Fatalf("expected a freshly opened database to have a valid schema version, got: %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := openTestDB(t, 30)
	execID := ids.NewExecutionId()

	if _, found, err := db.LoadCheckpoint(execID); err != nil || found {
		t.Fatalf("expected no checkpoint before any Save, got found=%v err=%v", found, err)
	}

	snapshot := []byte(`{"state":"running","node":"n1"}`)
	if err := db.SaveCheckpoint(execID, snapshot); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, found, err := db.LoadCheckpoint(execID)
	if err != nil || !found {
		t.Fatalf("expected the saved checkpoint to load, found=%v err=%v", found, err)
	}
	if string(got) != string(snapshot) {
		t.Errorf("checkpoint round-trip mismatch: got %s, want %s", got, snapshot)
	}

	if err := db.DeleteCheckpoint(execID); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, found, err := db.LoadCheckpoint(execID); err != nil || found {
		t.Fatalf("expected checkpoint to be gone after Delete, found=%v err=%v", found, err)
	}
}

func TestAppendAndReadAudit(t *testing.T) {
	db := openTestDB(t, 30)
	pluginID := ids.NewPluginId()

	rec := audit.Record{
		Plugin: pluginID, Source: "kernel", Operation: "check",
		Kind: "file", Allowed: true, At: time.Now().UTC(), Hash: "deadbeef",
	}
	if err := db.AppendAudit(rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	entries, err := db.ReadAudit()
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Hash != "deadbeef" || entries[0].Plugin != pluginID {
		t.Errorf("unexpected round-tripped record: %+v", entries[0])
	}
}

func TestPruneOldAuditEntries(t *testing.T) {
	db := openTestDB(t, 30)

	old := audit.Record{Source: "kernel", Operation: "check", Kind: "file", Allowed: true,
		At: time.Now().UTC().AddDate(0, 0, -60), Hash: "old-entry"}
	recent := audit.Record{Source: "kernel", Operation: "check", Kind: "file", Allowed: true,
		At: time.Now().UTC(), Hash: "recent-entry"}

	if err := db.AppendAudit(old); err != nil {
		t.Fatalf("AppendAudit(old): %v", err)
	}
	if err := db.AppendAudit(recent); err != nil {
		t.Fatalf("AppendAudit(recent): %v", err)
	}

	deleted, err := db.PruneOldAuditEntries()
	if err != nil {
		t.Fatalf("PruneOldAuditEntries: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly 1 entry pruned, got %d", deleted)
	}

	entries, err := db.ReadAudit()
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Hash != "recent-entry" {
		t.Fatalf("expected only the recent entry to survive pruning, got %+v", entries)
	}
}
