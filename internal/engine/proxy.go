package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/store"
)

// Proxy wraps one relational row. The projected columns are available at
// once; FetchData merges in the full document.
type Proxy struct {
	def      *model.Definition
	store    *store.Store
	fields   map[string]any
	hydrated bool
	version  int64
}

func newProxy(def *model.Definition, s *store.Store, row map[string]any) *Proxy {
	return &Proxy{def: def, store: s, fields: decodeRow(def, row)}
}

// decodeRow turns column encodings back into field values: JSON text into
// objects and 0/1 into booleans.
func decodeRow(def *model.Definition, row map[string]any) map[string]any {
	for col, v := range row {
		switch kind := def.KindOf(col); {
		case kind.Serialized():
			if s, ok := v.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					row[col] = decoded
				}
			}
		case kind == model.KindBoolean:
			switch n := v.(type) {
			case int64:
				row[col] = n != 0
			case int32:
				row[col] = n != 0
			case int:
				row[col] = n != 0
			}
		}
	}
	return row
}

// ID returns the primary key of the row.
func (p *Proxy) ID() string {
	id, _ := p.fields[p.def.PrimaryKey()].(string)
	return id
}

// Model returns the proxy's definition.
func (p *Proxy) Model() *model.Definition { return p.def }

// Hydrated reports whether the document has been merged in.
func (p *Proxy) Hydrated() bool { return p.hydrated }

// Version returns the document version seen by the last FetchData.
func (p *Proxy) Version() int64 { return p.version }

// Get returns a field. A field absent from an unhydrated row fails with
// apperr.ErrNotHydrated since the document may still hold it; once
// hydrated, an absent field is nil.
func (p *Proxy) Get(field string) (any, error) {
	if v, ok := p.fields[field]; ok {
		return v, nil
	}
	if !p.hydrated {
		return nil, fmt.Errorf("%s.%s: %w", p.def.Name, field, apperr.ErrNotHydrated)
	}
	return nil, nil
}

// Fields returns a copy of the known fields.
func (p *Proxy) Fields() map[string]any {
	return maps.Clone(p.fields)
}

// FetchData loads the document and merges it over the row, document values
// winning. It is a no-op once hydrated unless refresh is set. A row whose
// document is gone fails with apperr.ErrProjectionDrift.
func (p *Proxy) FetchData(ctx context.Context, refresh bool) error {
	if p.hydrated && !refresh {
		return nil
	}
	doc, err := p.store.Documents().Get(ctx, p.def.Name, p.ID())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%s %s: %w", p.def.Name, p.ID(), apperr.ErrProjectionDrift)
		}
		return err
	}
	maps.Copy(p.fields, doc.Data)
	p.version = doc.Version
	p.hydrated = true
	return nil
}

// MarshalJSON encodes the known fields.
func (p *Proxy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields)
}

// FetchDataAll hydrates proxies concurrently. The first failure fails the
// whole batch.
func FetchDataAll(ctx context.Context, proxies []*Proxy, refresh bool) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, p := range proxies {
		g.Go(func() error {
			return p.FetchData(gCtx, refresh)
		})
	}
	return g.Wait()
}
