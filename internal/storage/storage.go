package storage

import "errors"

var (
	// ErrQuotaExceeded is returned by Set when the write would push the
	// store past its quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnavailable marks a transient backend failure; callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is a synchronous key/value store with a finite quota. It backs
// queue persistence, state persistence, backups and the storage-event
// broadcast fallback. Reads from a shared store may be stale; callers
// reconcile through the broadcast/conflict path rather than treating a
// read as authoritative.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Set writes key=value. It may fail with ErrQuotaExceeded.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Clear drops all keys.
	Clear() error
	// Keys lists keys with the given prefix.
	Keys(prefix string) ([]string, error)
}
