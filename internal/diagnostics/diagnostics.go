// Package diagnostics implements a one-way, operator-triggered snapshot
// exporter backed by BoltDB. Unlike the teacher agent's always-on audit
// ledger, this package never reads a database back in — spec.md's
// "no durability across restart" invariant for in-memory state (logs,
// approvals, casebook) means BoltDB here is strictly a write-once export
// target for offline postmortem review, opened fresh for every export and
// closed immediately after.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketMeta      = "meta"
	bucketLogs      = "logs"
	bucketApprovals = "approvals"
	bucketCases     = "cases"

	schemaVersion = "1"
)

// Snapshot is everything an export call freezes to disk.
type Snapshot struct {
	Logs      interface{}
	Approvals interface{}
	Cases     interface{}
}

// Exporter writes one-shot diagnostic snapshots to dir.
type Exporter struct {
	dir string
}

// New constructs an Exporter rooted at dir, creating it if necessary.
func New(dir string) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create export dir %q: %w", dir, err)
	}
	return &Exporter{dir: dir}, nil
}

// Export freezes snap into a new timestamped BoltDB file and returns its
// path. The file is opened, written, and closed within this call — no
// handle is retained, and nothing is ever read back from it in-process.
func (e *Exporter) Export(snap Snapshot) (string, error) {
	path := filepath.Join(e.dir, fmt.Sprintf("snapshot-%s.db", time.Now().UTC().Format("20060102T150405.000000000Z")))

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return "", fmt.Errorf("diagnostics: open %q: %w", path, err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		if err := meta.Put([]byte("schema_version"), []byte(schemaVersion)); err != nil {
			return err
		}
		if err := meta.Put([]byte("exported_at"), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return err
		}

		if err := putJSON(tx, bucketLogs, snap.Logs); err != nil {
			return err
		}
		if err := putJSON(tx, bucketApprovals, snap.Approvals); err != nil {
			return err
		}
		if err := putJSON(tx, bucketCases, snap.Cases); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("diagnostics: write %q: %w", path, err)
	}

	return path, nil
}

func putJSON(tx *bolt.Tx, bucketName string, v interface{}) error {
	b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucketName, err)
	}
	return b.Put([]byte("data"), data)
}
