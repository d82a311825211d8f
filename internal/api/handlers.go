package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxBody = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListModels handles GET /api/models.
//
//	@Summary		List registered models
//	@Tags			models
//	@Produce		json
//	@Success		200	{object}	ModelListResponse
//	@Security		BearerAuth
//	@Router			/models [get]
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelListResponse{Models: h.svc.Models()})
}

// GetSchema handles GET /api/models/{model}/schema.
//
//	@Summary		Generated DDL for one model
//	@Tags			models
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Success		200		{object}	SchemaResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/schema [get]
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	ddl, err := h.svc.Schema(name)
	if err != nil {
		writeError(w, "get schema", err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Model: name, DDL: ddl})
}

// ListRecords handles GET /api/records/{model}.
//
// Reserved parameters are limit, offset, page, order ("field" or
// "field:desc"), include_deleted, only_deleted and with_data. Every other
// parameter filters on a projected column; repeating it matches any of
// the given values.
//
//	@Summary		Query records through the relational projection
//	@Tags			records
//	@Produce		json
//	@Param			model			path		string	true	"Model name"
//	@Param			limit			query		int		false	"Page size"
//	@Param			offset			query		int		false	"Row offset"
//	@Param			page			query		int		false	"1-based page"
//	@Param			order			query		string	false	"field[:asc|desc]"
//	@Param			include_deleted	query		bool	false	"Include soft-deleted rows"
//	@Param			only_deleted	query		bool	false	"Only soft-deleted rows"
//	@Param			with_data		query		bool	false	"Hydrate full documents"
//	@Success		200				{object}	RecordListResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model} [get]
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	page, err := h.svc.ListRecords(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), params)
	if err != nil {
		writeError(w, "list records", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetRecord handles GET /api/records/{model}/{id}.
//
//	@Summary		Get a record from the document store
//	@Tags			records
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Param			id		path		string	true	"Record id"
//	@Success		200		{object}	RecordResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model}/{id} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, tag, err := h.svc.GetRecord(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	w.Header().Set("ETag", tag)
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// CreateRecord handles POST /api/records/{model}.
//
//	@Summary		Create a record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			model	path		string			true	"Model name"
//	@Param			body	body		map[string]any	true	"Field values"
//	@Success		201		{object}	RecordResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model} [post]
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.CreateRecord(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), fields)
	if err != nil {
		writeError(w, "create record", err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse(rec))
}

// UpdateRecord handles PATCH /api/records/{model}/{id}.
//
//	@Summary		Update a record with optimistic concurrency
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			model		path		string			true	"Model name"
//	@Param			id			path		string			true	"Record id"
//	@Param			If-Match	header		string			false	"ETag from a previous GET"
//	@Param			body		body		map[string]any	true	"Fields to change"
//	@Success		200			{object}	RecordResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model}/{id} [patch]
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.UpdateRecord(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), chi.URLParam(r, "id"), fields, r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, "update record", err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// DeleteRecord handles DELETE /api/records/{model}/{id}.
//
//	@Summary		Delete a record (soft when the model enables it)
//	@Tags			records
//	@Param			model	path	string	true	"Model name"
//	@Param			id		path	string	true	"Record id"
//	@Success		204
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model}/{id} [delete]
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRecord(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreRecord handles POST /api/records/{model}/{id}/restore.
//
//	@Summary		Restore a soft-deleted record
//	@Tags			records
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Param			id		path		string	true	"Record id"
//	@Success		200		{object}	RecordResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{model}/{id}/restore [post]
func (h *Handler) RestoreRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.RestoreRecord(r.Context(), Principal(r.Context()), chi.URLParam(r, "model"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "restore record", err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// Stats handles GET /api/stats.
//
//	@Summary		Relational projection counters
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	StatsResponse
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return nil, false
	}
	return fields, true
}

func parseListParams(r *http.Request) (ListParams, error) {
	var p ListParams
	q := r.URL.Query()
	var err error
	for key, vals := range q {
		switch key {
		case "limit":
			p.Limit, err = strconv.Atoi(vals[0])
		case "offset":
			p.Offset, err = strconv.Atoi(vals[0])
		case "page":
			p.Page, err = strconv.Atoi(vals[0])
		case "order":
			field, dir, _ := strings.Cut(vals[0], ":")
			p.OrderField, p.OrderDir = field, strings.ToUpper(dir)
			if p.OrderDir == "" {
				p.OrderDir = "ASC"
			}
		case "include_deleted":
			p.IncludeDeleted, err = strconv.ParseBool(vals[0])
		case "only_deleted":
			p.OnlyDeleted, err = strconv.ParseBool(vals[0])
		case "with_data":
			p.WithData, err = strconv.ParseBool(vals[0])
		default:
			p.Filters = append(p.Filters, Filter{Field: key, Values: vals})
		}
		if err != nil {
			return ListParams{}, &paramError{key: key}
		}
	}
	sort.Slice(p.Filters, func(i, j int) bool { return p.Filters[i].Field < p.Filters[j].Field })
	return p, nil
}

type paramError struct{ key string }

func (e *paramError) Error() string { return "invalid value for " + e.key }
