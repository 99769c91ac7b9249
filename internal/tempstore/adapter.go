package tempstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/storage"
)

// DefaultTTL is used when StoreTemporary is called without a ttl.
const DefaultTTL = 24 * time.Hour

const (
	temporaryPrefix = "tmp/"
	permanentPrefix = "invoices/"
)

// IDGenerator generates unique references
type IDGenerator interface {
	Generate() string
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Adapter wraps any Storage with a temporary -> permanent lifecycle.
// The registry is the only shared mutable state; every operation that acts
// on stored bytes first claims the registry entry.
type Adapter struct {
	storage    storage.Storage
	registry   *Registry
	ids        IDGenerator
	clock      Clock
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewAdapter creates an Adapter with uuid references and the system clock
func NewAdapter(store storage.Storage, registry *Registry, defaultTTL time.Duration) *Adapter {
	return NewAdapterWithDeps(store, registry, defaultTTL, uuidGenerator{}, systemClock{})
}

// NewAdapterWithDeps creates an Adapter with custom dependencies for testing
func NewAdapterWithDeps(store storage.Storage, registry *Registry, defaultTTL time.Duration, ids IDGenerator, clock Clock) *Adapter {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Adapter{
		storage:    store,
		registry:   registry,
		ids:        ids,
		clock:      clock,
		defaultTTL: defaultTTL,
		logger:     slog.Default().With("component", "tempstore"),
	}
}

// PermanentPath returns the path a reference is promoted to.
func PermanentPath(reference string) string {
	return permanentPrefix + reference
}

// StoreTemporary writes data under a fresh reference and registers it.
// No entry is recorded unless the bytes were written, and retrying after a
// failure always uses a new reference.
func (a *Adapter) StoreTemporary(data []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	reference := a.ids.Generate()
	path := temporaryPrefix + reference

	if _, err := a.storage.Save(path, data); err != nil {
		return "", &apperr.StorageError{Op: "save", Path: path, Err: err}
	}

	entry := FileEntry{
		Reference:   reference,
		StoragePath: path,
		CreatedAt:   a.clock.Now(),
		TTLSeconds:  ttlSeconds(ttl),
	}
	if err := a.registry.Put(entry); err != nil {
		if _, delErr := a.storage.Delete(path); delErr != nil {
			a.logger.Warn("Failed to delete unregistered file", "path", path, "error", delErr)
		}
		return "", &apperr.StorageError{Op: "register", Path: path, Err: err}
	}

	a.logger.Debug("Stored temporary file", "reference", reference, "size", len(data), "ttl", ttl)
	return reference, nil
}

// ttlSeconds rounds ttl up to whole seconds so an entry never expires early.
func ttlSeconds(ttl time.Duration) int64 {
	return int64((ttl + time.Second - 1) / time.Second)
}

// Read returns the temporary bytes of a live reference.
func (a *Adapter) Read(reference string) ([]byte, error) {
	entry, err := a.registry.Get(reference)
	if err != nil {
		return nil, err
	}
	if entry.Expired(a.clock.Now()) {
		return nil, fmt.Errorf("reference %s expired: %w", reference, apperr.ErrNotFound)
	}
	data, err := a.storage.Read(entry.StoragePath)
	if err != nil {
		return nil, &apperr.StorageError{Op: "read", Path: entry.StoragePath, Err: err}
	}
	return data, nil
}

// claim removes the entry for reference. An entry found already expired is
// cleaned up on the spot and reported as not found.
func (a *Adapter) claim(reference string) (FileEntry, error) {
	entry, err := a.registry.Claim(reference)
	if err != nil {
		return FileEntry{}, err
	}
	if entry.Expired(a.clock.Now()) {
		a.deleteBytes(entry)
		return FileEntry{}, fmt.Errorf("reference %s expired: %w", reference, apperr.ErrNotFound)
	}
	return entry, nil
}

// PromoteToPermanent moves the bytes of reference to permanent storage and
// returns the permanent path. A reference can be promoted at most once.
func (a *Adapter) PromoteToPermanent(reference string) (string, error) {
	entry, err := a.claim(reference)
	if err != nil {
		return "", err
	}

	data, err := a.storage.Read(entry.StoragePath)
	if err != nil {
		a.restore(entry)
		return "", &apperr.StorageError{Op: "read", Path: entry.StoragePath, Err: err}
	}

	permanent := PermanentPath(reference)
	if _, err := a.storage.Save(permanent, data); err != nil {
		a.restore(entry)
		return "", &apperr.StorageError{Op: "save", Path: permanent, Err: err}
	}

	if _, err := a.storage.Delete(entry.StoragePath); err != nil {
		a.logger.Warn("Failed to delete promoted temporary file", "path", entry.StoragePath, "error", err)
	}

	a.logger.Info("Promoted document", "reference", reference, "path", permanent)
	return permanent, nil
}

// Demote undoes a promotion whose follow-up failed: the permanent bytes go
// back to temporary storage under the same reference with a fresh ttl.
func (a *Adapter) Demote(reference string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	permanent := PermanentPath(reference)
	data, err := a.storage.Read(permanent)
	if err != nil {
		return &apperr.StorageError{Op: "read", Path: permanent, Err: err}
	}

	path := temporaryPrefix + reference
	if _, err := a.storage.Save(path, data); err != nil {
		return &apperr.StorageError{Op: "save", Path: path, Err: err}
	}

	entry := FileEntry{
		Reference:   reference,
		StoragePath: path,
		CreatedAt:   a.clock.Now(),
		TTLSeconds:  ttlSeconds(ttl),
	}
	if err := a.registry.Put(entry); err != nil {
		if _, delErr := a.storage.Delete(path); delErr != nil {
			a.logger.Warn("Failed to delete unregistered file", "path", path, "error", delErr)
		}
		return &apperr.StorageError{Op: "register", Path: path, Err: err}
	}

	if _, err := a.storage.Delete(permanent); err != nil {
		a.logger.Warn("Failed to delete demoted permanent file", "path", permanent, "error", err)
	}

	a.logger.Info("Demoted document", "reference", reference)
	return nil
}

// Discard deletes the bytes of reference without promoting them.
func (a *Adapter) Discard(reference string) error {
	entry, err := a.claim(reference)
	if err != nil {
		return err
	}
	if _, err := a.storage.Delete(entry.StoragePath); err != nil {
		a.restore(entry)
		return &apperr.StorageError{Op: "delete", Path: entry.StoragePath, Err: err}
	}
	a.logger.Info("Discarded document", "reference", reference)
	return nil
}

// CleanupResult is the outcome of one cleanup pass.
type CleanupResult struct {
	// Expired lists the references removed by this pass
	Expired []string
	// Skipped counts unreadable entries left in place
	Skipped int
	// Errors counts entries whose bytes could not be deleted
	Errors int
}

// Count returns the number of entries removed.
func (r *CleanupResult) Count() int {
	return len(r.Expired)
}

// CleanupExpired removes every entry with now - created_at > ttl, claiming
// each before deleting its bytes. Unreadable entries are skipped.
func (a *Adapter) CleanupExpired(now time.Time) (*CleanupResult, error) {
	result := &CleanupResult{}

	var candidates []string
	err := a.registry.Scan(func(reference string, entry FileEntry, err error) {
		if err != nil {
			a.logger.Error("Skipping unreadable registry entry", "reference", reference, "error", err)
			result.Skipped++
			return
		}
		if entry.Expired(now) {
			candidates = append(candidates, reference)
		}
	})
	if err != nil {
		return result, fmt.Errorf("scanning registry: %w", err)
	}

	for _, reference := range candidates {
		entry, err := a.registry.Claim(reference)
		if errors.Is(err, apperr.ErrNotFound) {
			// promoted or discarded since the scan
			continue
		}
		if err != nil {
			a.logger.Error("Skipping unclaimable registry entry", "reference", reference, "error", err)
			result.Skipped++
			continue
		}

		if _, err := a.storage.Delete(entry.StoragePath); err != nil {
			a.logger.Error("Failed to delete expired file", "reference", reference, "path", entry.StoragePath, "error", err)
			a.restore(entry)
			result.Errors++
			continue
		}
		result.Expired = append(result.Expired, reference)
	}

	return result, nil
}

func (a *Adapter) restore(entry FileEntry) {
	if err := a.registry.Restore(entry); err != nil {
		a.logger.Error("Failed to restore registry entry", "reference", entry.Reference, "error", err)
	}
}

func (a *Adapter) deleteBytes(entry FileEntry) {
	if _, err := a.storage.Delete(entry.StoragePath); err != nil {
		a.logger.Warn("Failed to delete expired file", "path", entry.StoragePath, "error", err)
		a.restore(entry)
	}
}
