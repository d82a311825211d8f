// Package engine is the record engine. It owns the lifecycle of model
// records: defaults, validation, hooks, identifier assignment and the dual
// write to the document store and the relational projection. It also builds
// queries against the projection and wraps their rows in lazily hydrated
// proxies.
//
// The document store is authoritative. A failed relational write never
// fails the operation; it is logged and counted in Stats so projection
// drift is observable, and the projector package repairs it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/store"
)

// EventKind names a committed record change.
type EventKind string

// Committed change kinds.
const (
	EventCreated  EventKind = "record.created"
	EventUpdated  EventKind = "record.updated"
	EventDeleted  EventKind = "record.deleted"
	EventRestored EventKind = "record.restored"
)

// Event describes a committed record change.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Model     string         `json:"model"`
	ID        string         `json:"id"`
	Principal string         `json:"principal,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Observer is notified after every committed change.
type Observer func(ctx context.Context, ev Event)

// Stats counts relational projection writes made during saves.
type Stats struct {
	RelationalWrites   int64 `json:"relational_writes"`
	RelationalFailures int64 `json:"relational_failures"`
}

// Engine runs record operations for the models of one Registry.
type Engine struct {
	registry *model.Registry
	logger   *slog.Logger
	env      model.Env
	observer Observer
	now      func() time.Time

	relWrites   atomic.Int64
	relFailures atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger handed to hooks and used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEnv sets the collaborators passed to every hook.
func WithEnv(env model.Env) Option {
	return func(e *Engine) {
		e.env = env
	}
}

// WithObserver registers a change observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over reg.
func New(reg *model.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		logger:   slog.Default(),
		env:      model.Env{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the model registry.
func (e *Engine) Registry() *model.Registry { return e.registry }

// Stats returns the relational write counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RelationalWrites:   e.relWrites.Load(),
		RelationalFailures: e.relFailures.Load(),
	}
}

// New returns an unsaved record of the named model with field defaults applied.
func (e *Engine) New(name string, s *store.Store, fields map[string]any) (*Record, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(def.Fields)+len(fields))
	for fname, f := range def.Fields {
		if f.Default != nil {
			data[fname] = cloneValue(f.Default)
		}
	}
	maps.Copy(data, fields)
	return &Record{
		engine:   e,
		def:      def,
		store:    s,
		data:     data,
		original: map[string]any{},
		isNew:    true,
	}, nil
}

// Create builds a record of the named model from fields and saves it.
func (e *Engine) Create(ctx context.Context, name string, s *store.Store, fields map[string]any) (*Record, error) {
	rec, err := e.New(name, s, fields)
	if err != nil {
		return nil, err
	}
	if err := rec.Save(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads a record by id. Missing and unauthorized records both yield
// apperr.ErrNotFound.
func (e *Engine) Get(ctx context.Context, name string, s *store.Store, id string) (*Record, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	doc, err := s.Documents().Get(ctx, def.Name, id)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		engine:   e,
		def:      def,
		store:    s,
		data:     doc.Data,
		original: cloneMap(doc.Data),
		version:  doc.Version,
	}
	e.runHook(ctx, def, model.AfterGet, rec.event(nil))
	return rec, nil
}

// Delete loads a record and deletes it: soft when the model enables soft
// delete, otherwise removing the document.
func (e *Engine) Delete(ctx context.Context, name string, s *store.Store, id string) error {
	rec, err := e.Get(ctx, name, s, id)
	if err != nil {
		return err
	}
	return rec.Delete(ctx)
}

// GenerateSchema returns the DDL of the named model, or "" when the model
// is not projected.
func (e *Engine) GenerateSchema(name string) (string, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return "", err
	}
	ddl, _ := index.GenerateTableSchema(def)
	return ddl, nil
}

// GenerateAllSchemas returns the DDL of every projected model.
func (e *Engine) GenerateAllSchemas() string {
	return index.GenerateAllSchemas(e.registry)
}

// Initialize creates missing projection tables.
func (e *Engine) Initialize(ctx context.Context, s *store.Store) (index.InitResult, error) {
	db := s.Relational()
	if db == nil {
		return index.InitResult{}, fmt.Errorf("engine: initialize: no relational store configured")
	}
	return index.Initialize(ctx, db, e.registry, e.logger)
}

func (e *Engine) notify(ctx context.Context, kind EventKind, r *Record) {
	if e.observer == nil {
		return
	}
	e.observer(ctx, Event{
		Kind:      kind,
		Model:     r.def.Name,
		ID:        r.ID(),
		Principal: r.store.Principal(),
		Data:      r.ToJSON(),
	})
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}
