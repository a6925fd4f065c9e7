// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the plugin runtime.
//
// Schema (BoltDB bucket layout):
//
//	/checkpoints
//	    key:   execution id (string)
//	    value: opaque JSON-encoded workflow execution snapshot
//
//	/audit
//	    key:   fixed-width UTC timestamp (nanoseconds) + "_" + record hash [sortable]
//	    value: JSON-encoded audit.Record
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Audit entries older than RetentionDays are pruned once, on startup
//     (bootstrap calls PruneOldAuditEntries); there is no periodic pruning.
//   - Checkpoints are not pruned automatically: the workflow executor
//     saves a final snapshot when an execution ends and never calls
//     DeleteCheckpoint.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller logs the
//     error and continues without persisting (in-memory state preserved).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/plugink/plugink/internal/audit"
	"github.com/plugink/plugink/internal/ids"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/plugink/plugink.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit retention period.
	DefaultRetentionDays = 30

	// bucketCheckpoints is the BoltDB bucket name for workflow checkpoints.
	bucketCheckpoints = "checkpoints"

	// bucketAudit is the BoltDB bucket name for audit ledger entries.
	bucketAudit = "audit"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// DB wraps a BoltDB instance with typed accessors for the runtime's
// persisted state. It satisfies workflow.CheckpointStore directly and
// exposes AppendAudit as an audit.PersistFunc.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCheckpoints, bucketAudit, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Checkpoint operations (workflow.CheckpointStore) ─────────────────────────

// SaveCheckpoint writes or overwrites the latest snapshot for an
// execution. Implements workflow.CheckpointStore.
func (d *DB) SaveCheckpoint(executionID ids.ExecutionId, snapshot []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoints))
		if err := b.Put([]byte(executionID.String()), snapshot); err != nil {
			return fmt.Errorf("SaveCheckpoint bolt.Put: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint retrieves the latest snapshot for an execution.
// Implements workflow.CheckpointStore. found is false if no checkpoint
// has been recorded for executionID.
func (d *DB) LoadCheckpoint(executionID ids.ExecutionId) (snapshot []byte, found bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoints))
		data := b.Get([]byte(executionID.String()))
		if data == nil {
			return nil
		}
		found = true
		snapshot = make([]byte, len(data))
		copy(snapshot, data)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("LoadCheckpoint(%s): %w", executionID, err)
	}
	return snapshot, found, nil
}

// DeleteCheckpoint removes a stored snapshot. No runtime component calls
// it; checkpoints of finished executions stay until deleted here.
func (d *DB) DeleteCheckpoint(executionID ids.ExecutionId) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCheckpoints)).Delete([]byte(executionID.String()))
	})
}

// ─── Audit operations (audit.PersistFunc) ──────────────────────────────────────

// auditKey constructs a sortable BoltDB key for an audit record.
// Format: fixed-width RFC3339 with nine fractional digits + "_" + hash.
// Lexicographic sort = chronological.
func auditKey(at time.Time, hash string) []byte {
	return []byte(fmt.Sprintf("%s_%s", at.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), hash))
}

// AppendAudit durably persists a single audit record. Its signature
// matches audit.PersistFunc, so it is wired in as
// audit.WithPersist(db.AppendAudit) when the ledger is constructed.
func (d *DB) AppendAudit(rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendAudit marshal: %w", err)
	}
	key := auditKey(rec.At, rec.Hash)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendAudit bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldAuditEntries deletes audit entries older than retentionDays.
// Called once by bootstrap on startup.
// Returns the number of entries deleted.
func (d *DB) PruneOldAuditEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := auditKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldAuditEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAudit returns all audit entries in chronological order, for
// operational use (the show-audit command reads the in-memory ledger,
// not this). Not called on the hot append path.
func (d *DB) ReadAudit() ([]audit.Record, error) {
	var entries []audit.Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		return b.ForEach(func(_, v []byte) error {
			var rec audit.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, rec)
			return nil
		})
	})
	return entries, err
}
