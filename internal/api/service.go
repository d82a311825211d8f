package api

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/checksum"
	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/store"
)

// Service runs API operations against the engine, scoping the store to the
// calling principal.
type Service struct {
	eng   *engine.Engine
	store *store.Store
}

// NewService creates a new API service.
func NewService(eng *engine.Engine, s *store.Store) *Service {
	return &Service{eng: eng, store: s}
}

func (s *Service) scoped(principal string) *store.Store {
	if principal == "" {
		return s.store
	}
	return s.store.Auth(principal)
}

// Models describes every registered model.
func (s *Service) Models() []ModelInfo {
	defs := s.eng.Registry().All()
	out := make([]ModelInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, modelInfo(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schema returns the DDL of one model.
func (s *Service) Schema(name string) (string, error) {
	return s.eng.GenerateSchema(name)
}

// Stats returns the engine projection counters.
func (s *Service) Stats() engine.Stats {
	return s.eng.Stats()
}

// GetRecord loads a record and its entity tag.
func (s *Service) GetRecord(ctx context.Context, principal, name, id string) (*engine.Record, string, error) {
	rec, err := s.eng.Get(ctx, name, s.scoped(principal), id)
	if err != nil {
		return nil, "", err
	}
	tag, err := etag(rec)
	if err != nil {
		return nil, "", err
	}
	return rec, tag, nil
}

// CreateRecord creates a record from fields.
func (s *Service) CreateRecord(ctx context.Context, principal, name string, fields map[string]any) (*engine.Record, error) {
	return s.eng.Create(ctx, name, s.scoped(principal), fields)
}

// UpdateRecord applies fields to a record. A non-empty ifMatch must equal
// the record's current entity tag.
func (s *Service) UpdateRecord(ctx context.Context, principal, name, id string, fields map[string]any, ifMatch string) (*engine.Record, error) {
	rec, tag, err := s.GetRecord(ctx, principal, name, id)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != tag {
		return nil, fmt.Errorf("update %s %s: %w", name, id, apperr.ErrConflict)
	}
	if err := rec.Update(ctx, fields); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteRecord deletes a record.
func (s *Service) DeleteRecord(ctx context.Context, principal, name, id string) error {
	return s.eng.Delete(ctx, name, s.scoped(principal), id)
}

// RestoreRecord clears a soft delete.
func (s *Service) RestoreRecord(ctx context.Context, principal, name, id string) (*engine.Record, error) {
	rec, err := s.eng.Get(ctx, name, s.scoped(principal), id)
	if err != nil {
		return nil, err
	}
	if err := rec.Restore(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords runs a relational query built from params. Builder errors
// are returned; execution errors are reported on the page.
func (s *Service) ListRecords(ctx context.Context, principal, name string, params ListParams) (*engine.Page, error) {
	q, err := s.eng.Query(name, s.scoped(principal))
	if err != nil {
		return nil, err
	}
	def := q.Model()
	for _, f := range params.Filters {
		if len(f.Values) == 1 {
			q.Where(f.Field, coerce(def, f.Field, f.Values[0]))
			continue
		}
		vals := make([]any, len(f.Values))
		for i, v := range f.Values {
			vals[i] = coerce(def, f.Field, v)
		}
		q.WhereIn(f.Field, vals)
	}
	if params.OrderField != "" {
		q.OrderBy(params.OrderField, params.OrderDir)
	}
	if params.Limit != 0 {
		q.Limit(params.Limit)
	}
	if params.Page != 0 {
		q.Page(params.Page)
	} else if params.Offset != 0 {
		q.Offset(params.Offset)
	}
	switch {
	case params.OnlyDeleted:
		q.OnlyDeleted()
	case params.IncludeDeleted:
		q.IncludeDeleted()
	}
	if params.WithData {
		q.WithData()
	}
	if err := q.Err(); err != nil {
		return nil, err
	}
	return q.List(ctx), nil
}

func etag(rec *engine.Record) (string, error) {
	sum, err := checksum.Value(rec.ToJSON())
	if err != nil {
		return "", err
	}
	return checksum.ETag(sum), nil
}

func modelInfo(def *model.Definition) ModelInfo {
	fields := make([]string, 0, len(def.Fields))
	for name := range def.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	info := ModelInfo{
		Name:       def.Name,
		Namespace:  def.Namespace(),
		PrimaryKey: def.PrimaryKey(),
		Fields:     fields,
		Options:    def.Options,
	}
	if def.HasTable() {
		info.Table = def.TableName()
		info.Synced = def.Synced()
	}
	return info
}

// coerce converts a query-string value to the field's declared kind so it
// compares equal to the projected column. Unparseable values stay strings.
func coerce(def *model.Definition, field, raw string) any {
	switch def.KindOf(field) {
	case model.KindBoolean:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case model.KindNumber:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}
