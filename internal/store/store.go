package store

import "errors"

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by any operation on a closed store.
var ErrClosed = errors.New("store closed")

// Item is a single key/value pair returned by List.
type Item struct {
	Key   string
	Value []byte
}

// Store is a key/value store scoped to one (user, device).
//
// Writes are last-writer-wins. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// List returns all items whose key starts with prefix, ordered by key.
	List(prefix string) ([]Item, error)
	// Close releases resources held by the store.
	Close() error
}
