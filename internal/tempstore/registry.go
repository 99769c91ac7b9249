// Package tempstore stages uploaded documents in temporary storage until they
// are promoted to permanent storage, discarded, or expire.
package tempstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/apperr"
)

const registryBucket = "temporary_files"

// FileEntry is the registry record for one temporarily stored document.
type FileEntry struct {
	Reference   string    `json:"reference"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
}

// TTL returns the entry's time to live.
func (e FileEntry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// ExpiresAt returns the instant after which the entry is eligible for cleanup.
func (e FileEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL())
}

// Expired reports whether now - created_at > ttl.
func (e FileEntry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL()
}

// Registry is the durable index of temporary files, backed by a BoltDB file.
// Open it at startup and Close it on shutdown.
type Registry struct {
	db *bbolt.DB
}

// OpenRegistry opens (or creates) the registry file at path. Entries written
// by a previous process are available immediately.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(registryBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

// Put records a new entry. A reference can only be registered once.
func (r *Registry) Put(entry FileEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(registryBucket))
		if bucket.Get([]byte(entry.Reference)) != nil {
			return fmt.Errorf("reference %s: %w", entry.Reference, apperr.ErrConflict)
		}
		return bucket.Put([]byte(entry.Reference), data)
	})
}

// Get returns the entry for reference without removing it.
func (r *Registry) Get(reference string) (FileEntry, error) {
	var entry FileEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(registryBucket)).Get([]byte(reference))
		if data == nil {
			return fmt.Errorf("reference %s: %w", reference, apperr.ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	return entry, err
}

// Claim atomically removes and returns the entry for reference. Only one
// caller can ever claim a given entry; everyone else gets ErrNotFound.
func (r *Registry) Claim(reference string) (FileEntry, error) {
	var entry FileEntry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(registryBucket))
		data := bucket.Get([]byte(reference))
		if data == nil {
			return fmt.Errorf("reference %s: %w", reference, apperr.ErrNotFound)
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("unmarshaling entry %s: %w", reference, err)
		}
		return bucket.Delete([]byte(reference))
	})
	if err != nil {
		return FileEntry{}, err
	}
	return entry, nil
}

// Restore puts back an entry previously claimed, so that a failed operation
// leaves the reference reclaimable by expiration.
func (r *Registry) Restore(entry FileEntry) error {
	err := r.Put(entry)
	if errors.Is(err, apperr.ErrConflict) {
		return nil
	}
	return err
}

// ScanFunc is called for each registry record. err is set when the record
// could not be decoded.
type ScanFunc func(reference string, entry FileEntry, err error)

// Scan visits every entry in key order.
func (r *Registry) Scan(fn ScanFunc) error {
	return r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(registryBucket)).ForEach(func(k, v []byte) error {
			var entry FileEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				fn(string(k), FileEntry{}, fmt.Errorf("unmarshaling entry: %w", err))
				return nil
			}
			fn(string(k), entry, nil)
			return nil
		})
	})
}

// Len returns the number of registered entries.
func (r *Registry) Len() (int, error) {
	var n int
	err := r.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(registryBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close flushes and closes the registry file.
func (r *Registry) Close() error {
	if err := r.db.Sync(); err != nil {
		r.db.Close()
		return fmt.Errorf("syncing registry: %w", err)
	}
	return r.db.Close()
}
