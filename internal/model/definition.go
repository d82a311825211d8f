// Package model holds declarative model definitions and the registry that owns them.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Built-in field names injected by the engine.
const (
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldDeletedAt = "deleted_at"
	FieldUserID    = "user_id"
	FieldAuth      = "_auth"
)

// IdentPattern matches identifiers that are safe to splice into SQL as table or column names.
var IdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options toggles the built-in behaviours of a model.
type Options struct {
	Timestamps   bool `yaml:"timestamps"`
	SoftDelete   bool `yaml:"soft_delete"`
	UserTracking bool `yaml:"user_tracking"`
	RowAuth      bool `yaml:"row_auth"`
}

// DocumentBinding places a model in the document store.
type DocumentBinding struct {
	Namespace string `yaml:"namespace"`
}

// RelationalBinding places a model in the relational projection.
// Synced is the ordered list of columns mirrored from the document.
type RelationalBinding struct {
	Table  string   `yaml:"table"`
	Synced []string `yaml:"synced"`
}

// Definition is a declarative model. It must not be mutated after registration.
type Definition struct {
	Name       string            `yaml:"name"`
	Fields     map[string]Field  `yaml:"fields"`
	Options    Options           `yaml:"options"`
	Document   DocumentBinding   `yaml:"document"`
	Relational RelationalBinding `yaml:"relational"`
	Hooks      Hooks             `yaml:"-"`
}

// Class returns the lowercased model name used in storage keys.
func (d *Definition) Class() string {
	return strings.ToLower(d.Name)
}

// PrimaryKey returns the field marked primary, or "{class}_id" when none is.
func (d *Definition) PrimaryKey() string {
	for name, f := range d.Fields {
		if f.Primary {
			return name
		}
	}
	return d.Class() + "_id"
}

// Namespace returns the document-store namespace.
func (d *Definition) Namespace() string {
	if d.Document.Namespace != "" {
		return d.Document.Namespace
	}
	return d.Class()
}

// HasTable reports whether the model is projected into the relational store.
func (d *Definition) HasTable() bool {
	return d.Relational.Table != "" || len(d.Relational.Synced) > 0
}

// TableName returns the relational table, defaulting to "{class}s".
func (d *Definition) TableName() string {
	if d.Relational.Table != "" {
		return d.Relational.Table
	}
	return d.Class() + "s"
}

// Synced returns the projected column names.
func (d *Definition) Synced() []string {
	return d.Relational.Synced
}

// IsSynced reports whether column is part of the projection.
func (d *Definition) IsSynced(column string) bool {
	return slices.Contains(d.Relational.Synced, column)
}

// KindOf returns the declared kind of a field, including built-ins.
func (d *Definition) KindOf(name string) Kind {
	if f, ok := d.Fields[name]; ok && f.Kind != "" {
		return f.Kind
	}
	switch name {
	case FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt:
		return KindTimestamp
	case FieldAuth:
		return KindArray
	}
	return KindString
}

// HookSet returns the model hooks, never nil.
func (d *Definition) HookSet() Hooks {
	if d.Hooks == nil {
		return NopHooks{}
	}
	return d.Hooks
}

// Validate checks the definition is internally consistent.
func (d *Definition) Validate() error {
	if err := validation.ValidateStruct(d,
		validation.Field(&d.Name, validation.Required, validation.Match(IdentPattern)),
		validation.Field(&d.Fields, validation.Required),
	); err != nil {
		return fmt.Errorf("model %q: %w", d.Name, err)
	}

	var errs []error
	primaries := 0
	for name, f := range d.Fields {
		if !IdentPattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("field %q: invalid name", name))
		}
		if !f.Kind.Valid() {
			errs = append(errs, fmt.Errorf("field %q: unknown type %q", name, f.Kind))
		}
		if f.Primary {
			primaries++
		}
		if f.Rule != nil && f.Rule.Pattern != "" {
			if _, err := regexp.Compile(f.Rule.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("field %q: bad pattern: %w", name, err))
			}
		}
	}
	if primaries > 1 {
		errs = append(errs, fmt.Errorf("%d fields marked primary, want at most one", primaries))
	}

	if d.HasTable() {
		if !IdentPattern.MatchString(d.TableName()) {
			errs = append(errs, fmt.Errorf("table %q: invalid name", d.TableName()))
		}
		for _, col := range d.Relational.Synced {
			if !d.knows(col) {
				errs = append(errs, fmt.Errorf("synced field %q is not declared", col))
			}
		}
		if d.Options.UserTracking && !d.IsSynced(FieldUserID) {
			errs = append(errs, fmt.Errorf("user tracking requires %s in the synced fields", FieldUserID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("model %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

// knows reports whether name is declared or a built-in enabled by Options.
func (d *Definition) knows(name string) bool {
	if _, ok := d.Fields[name]; ok {
		return true
	}
	if name == d.PrimaryKey() {
		return true
	}
	switch name {
	case FieldCreatedAt, FieldUpdatedAt:
		return d.Options.Timestamps
	case FieldDeletedAt:
		return d.Options.SoftDelete
	case FieldUserID:
		return d.Options.UserTracking
	}
	return false
}
