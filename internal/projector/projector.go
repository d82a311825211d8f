// Package projector rebuilds relational rows from the authoritative
// documents: on demand (Reconcile), from file system events (Watch) and
// from DynamoDB Streams (StreamHandler).
package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/storage"
)

// Projector copies documents into their models' tables. It reads the
// backend directly, so row-level authorization does not apply.
type Projector struct {
	registry *model.Registry
	backend  storage.Backend
	db       *index.DB
	logger   *slog.Logger
}

// New creates a Projector.
func New(reg *model.Registry, backend storage.Backend, db *index.DB, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{registry: reg, backend: backend, db: db, logger: logger}
}

// Project upserts the row of one document.
func (p *Projector) Project(ctx context.Context, def *model.Definition, data map[string]any) error {
	if !def.HasTable() {
		return nil
	}
	row, err := index.RelationalShape(def, data)
	if err != nil {
		return err
	}
	q, args := index.BuildUpsert(def.TableName(), def.PrimaryKey(), row)
	_, err = p.db.Execute(ctx, q, args...)
	return err
}

// Remove deletes the row of one document.
func (p *Projector) Remove(ctx context.Context, def *model.Definition, id string) error {
	if !def.HasTable() {
		return nil
	}
	_, err := p.db.Execute(ctx, "DELETE FROM "+def.TableName()+" WHERE "+def.PrimaryKey()+" = ?", id)
	return err
}

// resolve maps a stored key back to its model and record id.
func (p *Projector) resolve(namespace, key string) (*model.Definition, string, bool) {
	def, ok := p.registry.ByNamespace(namespace)
	if !ok {
		return nil, "", false
	}
	class, id, ok := storage.IDFromKey(key)
	if !ok || class != def.Class() || id == "" {
		return nil, "", false
	}
	return def, id, true
}

// projectKey reads one document from the backend and projects it.
func (p *Projector) projectKey(ctx context.Context, def *model.Definition, namespace, key string) error {
	item, err := p.backend.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	data, err := storage.Decode(item.Value)
	if err != nil {
		return fmt.Errorf("projector: decode %s: %w", key, err)
	}
	return p.Project(ctx, def, data)
}

func event(kind engine.EventKind, def *model.Definition, id string) engine.Event {
	return engine.Event{Kind: kind, Model: def.Name, ID: id}
}
