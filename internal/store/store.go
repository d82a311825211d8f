// Package store is the storage façade: one handle over the document
// adapter and the relational adapter, scoped to a single principal.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/storage"
)

// Store routes record operations to the document store and raw SQL to the
// relational projection. A scoped Store must serve one principal only;
// call Auth again for the next one.
type Store struct {
	docs *storage.Documents
	db   *index.DB
}

// New creates an unscoped Store. db may be nil when no projection is configured.
func New(docs *storage.Documents, db *index.DB) *Store {
	return &Store{docs: docs, db: db}
}

// Auth returns a new Store whose adapters are both scoped to principal.
func (s *Store) Auth(principal string) *Store {
	scoped := &Store{docs: s.docs.WithPrincipal(principal)}
	if s.db != nil {
		scoped.db = s.db.WithPrincipal(principal)
	}
	return scoped
}

// Principal returns the principal the Store is scoped to, or "".
func (s *Store) Principal() string { return s.docs.Principal() }

// Documents returns the document adapter.
func (s *Store) Documents() *storage.Documents { return s.docs }

// Relational returns the relational adapter, or nil.
func (s *Store) Relational() *index.DB { return s.db }

// Get returns the fields of an authorized document.
func (s *Store) Get(ctx context.Context, class, id string) (map[string]any, error) {
	doc, err := s.docs.Get(ctx, class, id)
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

// Put writes a document unconditionally.
func (s *Store) Put(ctx context.Context, class, id string, data map[string]any) error {
	_, err := s.docs.Put(ctx, class, id, data)
	return err
}

// Delete removes an authorized document.
func (s *Store) Delete(ctx context.Context, class, id string) error {
	return s.docs.Delete(ctx, class, id)
}

// Exists reports whether an authorized document exists.
func (s *Store) Exists(ctx context.Context, class, id string) (bool, error) {
	return s.docs.Exists(ctx, class, id)
}

// ListAdd adds item to the named list scoped by pointer.
func (s *Store) ListAdd(ctx context.Context, name, pointer, item string) error {
	return s.docs.ListAdd(ctx, name, pointer, item)
}

// ListRemove removes item from the named list.
func (s *Store) ListRemove(ctx context.Context, name, pointer, item string) error {
	return s.docs.ListRemove(ctx, name, pointer, item)
}

// ListRead returns the named list.
func (s *Store) ListRead(ctx context.Context, name, pointer string) ([]string, error) {
	return s.docs.ListRead(ctx, name, pointer)
}

func (s *Store) relational() (*index.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store: no relational store configured")
	}
	return s.db, nil
}

// Execute runs a statement against the relational projection.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := s.relational()
	if err != nil {
		return nil, err
	}
	return db.Execute(ctx, query, args...)
}

// ExecuteRaw runs a bespoke SELECT against the relational projection and
// returns its rows, for aggregates outside the declarative models.
func (s *Store) ExecuteRaw(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	db, err := s.relational()
	if err != nil {
		return nil, err
	}
	return db.Query(ctx, query, args...)
}
