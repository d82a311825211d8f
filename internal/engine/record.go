package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/idgen"
	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/store"
	"github.com/starford/dyad/internal/validate"
)

// Record is one model instance in memory. It is owned by the code path that
// created it and must not be mutated concurrently.
type Record struct {
	engine   *Engine
	def      *model.Definition
	store    *store.Store
	data     map[string]any
	original map[string]any
	isNew    bool
	version  int64
}

// Model returns the record's definition.
func (r *Record) Model() *model.Definition { return r.def }

// ID returns the primary key value, or "" before the first save.
func (r *Record) ID() string {
	id, _ := r.data[r.def.PrimaryKey()].(string)
	return id
}

// IsNew reports whether the record has never been saved.
func (r *Record) IsNew() bool { return r.isNew }

// Version returns the document version the record was last read or written at.
func (r *Record) Version() int64 { return r.version }

// Get returns a field value.
func (r *Record) Get(field string) any {
	return r.data[field]
}

// Set assigns a field value in memory.
func (r *Record) Set(field string, value any) {
	r.data[field] = value
}

// Changes returns the fields that differ from the last saved or loaded state.
func (r *Record) Changes() map[string]model.Change {
	return diff(r.original, r.data)
}

// ToJSON returns a copy of the current fields.
func (r *Record) ToJSON() map[string]any {
	return cloneMap(r.data)
}

// MarshalJSON encodes the current fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.data)
}

// Update sets every field in fields and saves.
func (r *Record) Update(ctx context.Context, fields map[string]any) error {
	for k, v := range fields {
		r.data[k] = v
	}
	return r.Save(ctx)
}

// Save validates the record and writes it to both stores.
//
// The before-hook runs before a new record is assigned its id. The document
// write is conditional on the version the record was loaded at, so a
// concurrent save of the same record fails with apperr.ErrConflict instead
// of overwriting it.
func (r *Record) Save(ctx context.Context) error {
	kind := EventUpdated
	if r.isNew {
		kind = EventCreated
	}
	return r.save(ctx, kind)
}

func (r *Record) save(ctx context.Context, kind EventKind) error {
	e, def := r.engine, r.def

	if res := validate.Fields(r.data, def.Fields); !res.Valid {
		return &apperr.ValidationError{Model: def.Name, Errors: res.Errors}
	}

	changes := diff(r.original, r.data)
	before, after := model.BeforeUpdate, model.AfterUpdate
	if r.isNew {
		before, after = model.BeforeCreate, model.AfterCreate
	}
	e.runHook(ctx, def, before, r.event(changes))

	work := index.DocumentShape(def, r.data, e.now(), r.isNew)
	principal := r.store.Principal()
	if def.Options.UserTracking && principal != "" && (r.isNew || work[model.FieldUserID] == nil) {
		work[model.FieldUserID] = principal
	}
	if def.Options.RowAuth && principal != "" {
		work[model.FieldAuth] = appendPrincipal(work[model.FieldAuth], principal)
	}

	pk := def.PrimaryKey()
	id, _ := work[pk].(string)
	if id == "" {
		if !r.isNew {
			return fmt.Errorf("engine: save %s: primary key %s is empty", def.Name, pk)
		}
		id = idgen.New(def.Class())
		work[pk] = id
	}

	expected := r.version
	if r.isNew {
		expected = 0
	}
	version, err := r.store.Documents().PutVersioned(ctx, def.Name, id, work, expected)
	if err != nil {
		return fmt.Errorf("engine: save %s %s: %w", def.Name, id, err)
	}

	r.project(ctx, work)

	e.runHook(ctx, def, after, &model.Event{Model: def.Name, ID: id, Data: work, Changes: changes, Env: e.env})

	r.data = work
	r.original = cloneMap(work)
	r.isNew = false
	r.version = version
	e.notify(ctx, kind, r)
	return nil
}

// project writes the relational row. Failures are logged and counted only.
func (r *Record) project(ctx context.Context, data map[string]any) {
	e, def := r.engine, r.def
	db := r.store.Relational()
	if !def.HasTable() || db == nil {
		return
	}
	err := projectRow(ctx, db, def, data, r.isNew)
	if err != nil {
		e.relFailures.Add(1)
		e.logger.Error("relational write failed",
			slog.String("model", def.Name),
			slog.String("table", def.TableName()),
			slog.String("id", r.ID()),
			slog.String("error", err.Error()))
		return
	}
	e.relWrites.Add(1)
}

// projectRow inserts the row of a new record or updates an existing one.
// An update that matches no row inserts it instead.
func projectRow(ctx context.Context, db *index.DB, def *model.Definition, data map[string]any, isNew bool) error {
	row, err := index.RelationalShape(def, data)
	if err != nil {
		return err
	}
	table, key := def.TableName(), def.PrimaryKey()
	if !isNew && slices.ContainsFunc(row.Columns, func(c string) bool { return c != key }) {
		q, args := index.BuildUpdate(table, key, row)
		res, err := db.Execute(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}
	q, args := index.BuildUpsert(table, key, row)
	_, err = db.Execute(ctx, q, args...)
	return err
}

// Delete soft-deletes the record when the model enables soft delete, and
// otherwise removes its document and relational row.
func (r *Record) Delete(ctx context.Context) error {
	if r.isNew {
		return fmt.Errorf("engine: delete %s: record was never saved", r.def.Name)
	}
	e, def := r.engine, r.def
	e.runHook(ctx, def, model.BeforeDelete, r.event(nil))

	if def.Options.SoftDelete {
		if err := r.saveDeletedAt(ctx, model.FormatTime(e.now()), EventDeleted); err != nil {
			return err
		}
	} else {
		if err := r.store.Documents().Delete(ctx, def.Name, r.ID()); err != nil {
			return fmt.Errorf("engine: delete %s %s: %w", def.Name, r.ID(), err)
		}
		r.unproject(ctx)
		e.notify(ctx, EventDeleted, r)
	}

	e.runHook(ctx, def, model.AfterDelete, r.event(nil))
	return nil
}

func (r *Record) unproject(ctx context.Context) {
	e, def := r.engine, r.def
	db := r.store.Relational()
	if !def.HasTable() || db == nil {
		return
	}
	_, err := db.Execute(ctx, "DELETE FROM "+def.TableName()+" WHERE "+def.PrimaryKey()+" = ?", r.ID())
	if err != nil {
		e.relFailures.Add(1)
		e.logger.Error("relational delete failed",
			slog.String("model", def.Name),
			slog.String("table", def.TableName()),
			slog.String("id", r.ID()),
			slog.String("error", err.Error()))
		return
	}
	e.relWrites.Add(1)
}

// Restore clears deleted_at and saves.
func (r *Record) Restore(ctx context.Context) error {
	if !r.def.Options.SoftDelete {
		return fmt.Errorf("engine: restore %s: soft delete is not enabled", r.def.Name)
	}
	return r.saveDeletedAt(ctx, nil, EventRestored)
}

// saveDeletedAt saves the record with deleted_at set to v. A failed save
// leaves the in-memory record as it was.
func (r *Record) saveDeletedAt(ctx context.Context, v any, kind EventKind) error {
	prev, had := r.data[model.FieldDeletedAt]
	r.data[model.FieldDeletedAt] = v
	if err := r.save(ctx, kind); err != nil {
		if had {
			r.data[model.FieldDeletedAt] = prev
		} else {
			delete(r.data, model.FieldDeletedAt)
		}
		return err
	}
	return nil
}

// Deleted reports whether the record is soft-deleted.
func (r *Record) Deleted() bool {
	return r.data[model.FieldDeletedAt] != nil
}

func (r *Record) event(changes map[string]model.Change) *model.Event {
	return &model.Event{
		Model:   r.def.Name,
		ID:      r.ID(),
		Data:    r.data,
		Changes: changes,
		Env:     r.engine.env,
	}
}

func diff(old, cur map[string]any) map[string]model.Change {
	out := make(map[string]model.Change)
	for k, v := range cur {
		if o, ok := old[k]; !ok || !reflect.DeepEqual(o, v) {
			out[k] = model.Change{Old: old[k], New: v}
		}
	}
	for k, o := range old {
		if _, ok := cur[k]; !ok {
			out[k] = model.Change{Old: o}
		}
	}
	return out
}

func appendPrincipal(v any, principal string) []string {
	var set []string
	switch t := v.(type) {
	case []string:
		set = slices.Clone(t)
	case []any:
		for _, p := range t {
			if s, ok := p.(string); ok {
				set = append(set, s)
			}
		}
	}
	if !slices.Contains(set, principal) {
		set = append(set, principal)
	}
	return set
}
