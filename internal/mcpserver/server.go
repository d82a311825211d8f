// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes dyad models and records for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/store"
)

// SchemaURI is the resource holding the DDL of every projected model.
const SchemaURI = "dyad://schema"

// Server wraps the MCP server with dyad tools.
type Server struct {
	mcp   *server.MCPServer
	eng   *engine.Engine
	store *store.Store
}

// New creates a new MCP server with all dyad tools registered.
func New(eng *engine.Engine, s *store.Store) *Server {
	srv := &Server{eng: eng, store: s}

	srv.mcp = server.NewMCPServer(
		"dyad",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	srv.mcp.AddTool(mcp.NewTool("list_models",
		mcp.WithDescription("List registered models with their fields and relational table."),
	), srv.listModels)

	srv.mcp.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("Return the generated CREATE TABLE statements for one model."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
	), srv.getSchema)

	srv.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read one record from the document store. "+
			"Read the record contract via the get_record_contract tool first."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
		mcp.WithString("principal", mcp.Description("Acting principal for row-level access")),
	), srv.getRecord)

	srv.mcp.AddTool(mcp.NewTool("create_record",
		mcp.WithDescription("Create a record. Fields are validated against the model definition."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Field values")),
		mcp.WithString("principal", mcp.Description("Acting principal for row-level access")),
	), srv.createRecord)

	srv.mcp.AddTool(mcp.NewTool("query_records",
		mcp.WithDescription("Query a model through its relational table. "+
			"Filters match projected columns by equality; an array value matches any element."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithObject("filters", mcp.Description("Column filters")),
		mcp.WithString("order", mcp.Description("Sort as field or field:desc")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("page", mcp.Description("1-based page")),
		mcp.WithBoolean("with_data", mcp.Description("Hydrate full documents")),
		mcp.WithString("principal", mcp.Description("Acting principal for row-level access")),
	), srv.queryRecords)

	srv.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns how dyad stores, projects and queries records."),
	), srv.getRecordContract)

	srv.mcp.AddResource(
		mcp.NewResource(SchemaURI, "Relational schema",
			mcp.WithResourceDescription("DDL for every model with a relational table."),
			mcp.WithMIMEType("application/sql"),
		),
		srv.readSchemaResource,
	)

	return srv
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) scoped(req mcp.CallToolRequest) *store.Store {
	if p := req.GetString("principal", ""); p != "" {
		return s.store.Auth(p)
	}
	return s.store
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type modelSummary struct {
		Name   string   `json:"name"`
		Table  string   `json:"table,omitempty"`
		Fields []string `json:"fields"`
	}
	var out []modelSummary
	for _, def := range s.eng.Registry().All() {
		m := modelSummary{Name: def.Name}
		for name := range def.Fields {
			m.Fields = append(m.Fields, name)
		}
		sort.Strings(m.Fields)
		if def.HasTable() {
			m.Table = def.TableName()
		}
		out = append(out, m)
	}
	return jsonResult(out)
}

func (s *Server) getSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ddl, err := s.eng.GenerateSchema(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ddl == "" {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no relational table", name)), nil
	}
	return mcp.NewToolResultText(ddl), nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.eng.Get(ctx, name, s.scoped(req), id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) createRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, ok := req.GetArguments()["fields"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("fields must be an object"), nil
	}
	rec, err := s.eng.Create(ctx, name, s.scoped(req), fields)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", rec.ID())), nil
}

func (s *Server) queryRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q, err := s.eng.Query(name, s.scoped(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if filters, ok := req.GetArguments()["filters"].(map[string]any); ok {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if vals, ok := filters[k].([]any); ok {
				q.WhereIn(k, vals)
			} else {
				q.Where(k, filters[k])
			}
		}
	}
	if order := req.GetString("order", ""); order != "" {
		field, dir, _ := strings.Cut(order, ":")
		q.OrderBy(field, dir)
	}
	if limit := req.GetInt("limit", 0); limit != 0 {
		q.Limit(limit)
	}
	if page := req.GetInt("page", 0); page != 0 {
		q.Page(page)
	}
	if req.GetBool("with_data", false) {
		q.WithData()
	}
	if err := q.Err(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	page := q.List(ctx)
	if page.Error != "" {
		return mcp.NewToolResultError(page.Error), nil
	}
	return jsonResult(page)
}

func (s *Server) getRecordContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordContract), nil
}

func (s *Server) readSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SchemaURI,
			MIMEType: "application/sql",
			Text:     s.eng.GenerateAllSchemas(),
		},
	}, nil
}
