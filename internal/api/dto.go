package api

import (
	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/model"
)

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name       string        `json:"name" example:"Page" validate:"required"`
	Namespace  string        `json:"namespace" example:"page" validate:"required"`
	PrimaryKey string        `json:"primary_key" example:"page_id" validate:"required"`
	Table      string        `json:"table,omitempty" example:"pages"`
	Synced     []string      `json:"synced,omitempty"`
	Fields     []string      `json:"fields" validate:"required"`
	Options    model.Options `json:"options"`
}

// ModelListResponse wraps the model listing.
type ModelListResponse struct {
	Models []ModelInfo `json:"models" validate:"required"`
}

// SchemaResponse carries generated DDL.
type SchemaResponse struct {
	Model string `json:"model" example:"Page" validate:"required"`
	DDL   string `json:"ddl" validate:"required"`
}

// RecordResponse wraps a single record.
type RecordResponse struct {
	Model   string         `json:"model" example:"Page" validate:"required"`
	ID      string         `json:"id" example:"page_01j9..." validate:"required"`
	Version int64          `json:"version" example:"3"`
	Data    map[string]any `json:"data" validate:"required"`
}

// RecordListResponse is a page of query results.
type RecordListResponse = engine.Page

// StatsResponse reports projection counters.
type StatsResponse = engine.Stats

// InitResponse reports a table initialization run.
type InitResponse = index.InitResult

// ListParams are the parsed query-string options of a record listing.
type ListParams struct {
	Filters        []Filter
	OrderField     string
	OrderDir       string
	Limit          int
	Offset         int
	Page           int
	IncludeDeleted bool
	OnlyDeleted    bool
	WithData       bool
}

// Filter is an equality (one value) or membership (several) condition.
type Filter struct {
	Field  string
	Values []string
}

func recordResponse(rec *engine.Record) RecordResponse {
	return RecordResponse{
		Model:   rec.Model().Name,
		ID:      rec.ID(),
		Version: rec.Version(),
		Data:    rec.ToJSON(),
	}
}
