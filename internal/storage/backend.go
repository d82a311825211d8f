// Package storage implements the authoritative document store: raw backends
// (file system, DynamoDB) and the authorization-enforcing Documents adapter.
package storage

import (
	"context"
	"time"
)

// AnyVersion disables the version check on Backend.Put.
const AnyVersion int64 = -1

// Item is one stored document payload and its write version.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Meta is a lightweight listing entry.
type Meta struct {
	Key       string    `json:"key"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend is a namespaced key-value store with per-key versions.
type Backend interface {
	// Get returns the item stored at key, or apperr.ErrNotFound.
	Get(ctx context.Context, namespace, key string) (*Item, error)
	// Put stores value at key and returns the new version. When expected is
	// not AnyVersion the write only succeeds if the stored version equals
	// expected (0 meaning "absent"); otherwise it fails with apperr.ErrConflict.
	Put(ctx context.Context, namespace, key string, value []byte, expected int64) (int64, error)
	// Delete removes key, returning apperr.ErrNotFound when it is absent.
	Delete(ctx context.Context, namespace, key string) error
	// List returns metadata for every key in namespace starting with prefix.
	List(ctx context.Context, namespace, prefix string) ([]Meta, error)
}
