package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/starford/dyad/internal/apperr"
)

const (
	// ListNamespace holds the auxiliary list documents.
	ListNamespace = "lists"
	// AuthField is the per-document set of principals allowed to read it.
	AuthField = "_auth"

	listRetries = 5
)

// Document is a decoded document plus the version it was read at.
type Document struct {
	Data    map[string]any
	Version int64
}

// Documents is the document adapter. It maps a class to its namespace,
// stores the document at "{class}:{id}" and enforces row-level
// authorization against the principal it is scoped to.
type Documents struct {
	backend   Backend
	namespace func(class string) string
	principal string
}

// NewDocuments creates an unscoped adapter. namespace maps a class name to
// its namespace; nil maps every class to its lowercased name.
func NewDocuments(backend Backend, namespace func(class string) string) *Documents {
	if namespace == nil {
		namespace = strings.ToLower
	}
	return &Documents{backend: backend, namespace: namespace}
}

// WithPrincipal returns a copy of d scoped to principal.
func (d *Documents) WithPrincipal(principal string) *Documents {
	c := *d
	c.principal = principal
	return &c
}

// Principal returns the principal d is scoped to.
func (d *Documents) Principal() string { return d.principal }

// Backend returns the raw backend, bypassing authorization.
func (d *Documents) Backend() Backend { return d.backend }

// Key returns the storage key of a document.
func Key(class, id string) string {
	return strings.ToLower(class) + ":" + id
}

// IDFromKey strips the "{class}:" prefix from a storage key.
func IDFromKey(key string) (class, id string, ok bool) {
	return strings.Cut(key, ":")
}

// Get returns the document, or apperr.ErrNotFound when it is missing or
// the principal is not in its _auth set.
func (d *Documents) Get(ctx context.Context, class, id string) (*Document, error) {
	item, err := d.backend.Get(ctx, d.namespace(class), Key(class, id))
	if err != nil {
		return nil, err
	}
	data, err := Decode(item.Value)
	if err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", Key(class, id), err)
	}
	if !Authorized(data, d.principal) {
		return nil, fmt.Errorf("storage: get %s: %w", Key(class, id), apperr.ErrNotFound)
	}
	return &Document{Data: data, Version: item.Version}, nil
}

// Put writes data unconditionally (last writer wins).
func (d *Documents) Put(ctx context.Context, class, id string, data map[string]any) (int64, error) {
	return d.PutVersioned(ctx, class, id, data, AnyVersion)
}

// PutVersioned writes data only if the stored version equals expected
// (0 for a document that must not exist yet). The principal is merged into
// data["_auth"] in place.
func (d *Documents) PutVersioned(ctx context.Context, class, id string, data map[string]any, expected int64) (int64, error) {
	if d.principal != "" {
		data[AuthField] = addPrincipal(data[AuthField], d.principal)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("storage: encode %s: %w", Key(class, id), err)
	}
	return d.backend.Put(ctx, d.namespace(class), Key(class, id), raw, expected)
}

// Delete removes the document after an authorized read, so callers cannot
// probe for documents they may not see.
func (d *Documents) Delete(ctx context.Context, class, id string) error {
	if _, err := d.Get(ctx, class, id); err != nil {
		return err
	}
	return d.backend.Delete(ctx, d.namespace(class), Key(class, id))
}

// Exists reports whether an authorized read would succeed.
func (d *Documents) Exists(ctx context.Context, class, id string) (bool, error) {
	_, err := d.Get(ctx, class, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func listKey(name, pointer string) string {
	return "list:" + name + ":" + pointer
}

// ListAdd appends item to the list name scoped by pointer. Adding an item
// already present is a no-op.
func (d *Documents) ListAdd(ctx context.Context, name, pointer, item string) error {
	return d.updateList(ctx, name, pointer, func(items []string) ([]string, bool) {
		if slices.Contains(items, item) {
			return items, false
		}
		return append(items, item), true
	})
}

// ListRemove removes item from the list.
func (d *Documents) ListRemove(ctx context.Context, name, pointer, item string) error {
	return d.updateList(ctx, name, pointer, func(items []string) ([]string, bool) {
		i := slices.Index(items, item)
		if i < 0 {
			return items, false
		}
		return slices.Delete(items, i, i+1), true
	})
}

// ListRead returns the items of the list in insertion order. A list never
// written reads as empty.
func (d *Documents) ListRead(ctx context.Context, name, pointer string) ([]string, error) {
	items, _, err := d.readList(ctx, name, pointer)
	return items, err
}

func (d *Documents) readList(ctx context.Context, name, pointer string) ([]string, int64, error) {
	item, err := d.backend.Get(ctx, ListNamespace, listKey(name, pointer))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return []string{}, 0, nil
		}
		return nil, 0, err
	}
	var items []string
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, 0, fmt.Errorf("storage: decode list %s: %w", listKey(name, pointer), err)
	}
	return items, item.Version, nil
}

// updateList applies fn under the backend's version check, retrying when
// another writer got in between.
func (d *Documents) updateList(ctx context.Context, name, pointer string, fn func([]string) ([]string, bool)) error {
	var err error
	for range listRetries {
		var (
			items   []string
			version int64
		)
		items, version, err = d.readList(ctx, name, pointer)
		if err != nil {
			return err
		}
		next, changed := fn(items)
		if !changed {
			return nil
		}
		raw, mErr := json.Marshal(next)
		if mErr != nil {
			return fmt.Errorf("storage: encode list: %w", mErr)
		}
		_, err = d.backend.Put(ctx, ListNamespace, listKey(name, pointer), raw, version)
		if err == nil || !errors.Is(err, apperr.ErrConflict) {
			return err
		}
	}
	return err
}

// Decode unmarshals a stored document.
func Decode(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Authorized reports whether principal may read data: documents with an
// empty or missing _auth set are public.
func Authorized(data map[string]any, principal string) bool {
	set := principals(data[AuthField])
	if len(set) == 0 {
		return true
	}
	return principal != "" && slices.Contains(set, principal)
}

func principals(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, p := range t {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func addPrincipal(v any, principal string) []string {
	set := slices.Clone(principals(v))
	if !slices.Contains(set, principal) {
		set = append(set, principal)
	}
	return set
}
