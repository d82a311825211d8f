package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/testutil"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	reg := model.NewRegistry()
	err := reg.Register(&model.Definition{
		Name: "Page",
		Fields: map[string]model.Field{
			"page_id":    {Kind: model.KindString, Primary: true},
			"project_id": {Kind: model.KindString, Required: true},
			"title":      {Kind: model.KindString},
		},
		Options:    model.Options{Timestamps: true, RowAuth: true},
		Relational: model.RelationalBinding{Synced: []string{"page_id", "project_id", "created_at"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, _, db := testutil.TestStore(t)
	if err := db.BindModels(reg); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(reg, engine.WithLogger(testutil.Logger()))
	if _, err := eng.Initialize(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return New(eng, s)
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no in-process "call tool" helper; dispatch to the handlers directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_models":
		result, err = srv.listModels(ctx, req)
	case "get_schema":
		result, err = srv.getSchema(ctx, req)
	case "get_record":
		result, err = srv.getRecord(ctx, req)
	case "create_record":
		result, err = srv.createRecord(ctx, req)
	case "query_records":
		result, err = srv.queryRecords(ctx, req)
	case "get_record_contract":
		result, err = srv.getRecordContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func createdID(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	text := resultText(r)
	id, ok := strings.CutPrefix(text, "created: ")
	if r.IsError || !ok {
		t.Fatalf("create result = %q", text)
	}
	return id
}

func TestCreateAndGetRecord(t *testing.T) {
	srv := testServer(t)

	id := createdID(t, callTool(t, srv, "create_record", map[string]any{
		"model":  "Page",
		"fields": map[string]any{"project_id": "p1", "title": "Hello"},
	}))
	if !strings.HasPrefix(id, "page:") {
		t.Errorf("id = %q", id)
	}

	r := callTool(t, srv, "get_record", map[string]any{"model": "Page", "id": id})
	if r.IsError {
		t.Fatalf("get failed: %s", resultText(r))
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(resultText(r)), &data); err != nil {
		t.Fatal(err)
	}
	if data["title"] != "Hello" || data["page_id"] != id {
		t.Errorf("record = %v", data)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "create_record", map[string]any{"model": "Page", "fields": map[string]any{"title": "x"}})
	if !r.IsError || !strings.Contains(resultText(r), "project_id") {
		t.Errorf("expected validation error, got %q", resultText(r))
	}
	r = callTool(t, srv, "create_record", map[string]any{"model": "Page", "fields": "nope"})
	if !r.IsError {
		t.Error("expected error for non-object fields")
	}
}

func TestGetRecordRespectsPrincipal(t *testing.T) {
	srv := testServer(t)
	id := createdID(t, callTool(t, srv, "create_record", map[string]any{
		"model":     "Page",
		"fields":    map[string]any{"project_id": "p1"},
		"principal": "alice",
	}))

	if r := callTool(t, srv, "get_record", map[string]any{"model": "Page", "id": id, "principal": "alice"}); r.IsError {
		t.Errorf("owner read failed: %s", resultText(r))
	}
	if r := callTool(t, srv, "get_record", map[string]any{"model": "Page", "id": id, "principal": "bob"}); !r.IsError {
		t.Error("expected not found for other principal")
	}
}

func TestQueryRecords(t *testing.T) {
	srv := testServer(t)
	for _, p := range []string{"p1", "p1", "p2"} {
		createdID(t, callTool(t, srv, "create_record", map[string]any{"model": "Page", "fields": map[string]any{"project_id": p}}))
	}

	r := callTool(t, srv, "query_records", map[string]any{
		"model":     "Page",
		"filters":   map[string]any{"project_id": "p1"},
		"with_data": true,
	})
	if r.IsError {
		t.Fatalf("query failed: %s", resultText(r))
	}
	var page struct {
		Data       []map[string]any  `json:"data"`
		Pagination engine.Pagination `json:"pagination"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &page); err != nil {
		t.Fatal(err)
	}
	if page.Pagination.Total != 2 || len(page.Data) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if _, ok := page.Data[0]["created_at"]; !ok {
		t.Errorf("row missing created_at: %v", page.Data[0])
	}

	r = callTool(t, srv, "query_records", map[string]any{
		"model":   "Page",
		"filters": map[string]any{"project_id": []any{"p1", "p2"}},
		"limit":   float64(1),
	})
	if err := json.Unmarshal([]byte(resultText(r)), &page); err != nil {
		t.Fatal(err)
	}
	if page.Pagination.Total != 3 || len(page.Data) != 1 || !page.Pagination.HasNext {
		t.Errorf("page = %+v", page.Pagination)
	}
}

func TestQueryRecordsRejectsUnknownColumn(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "query_records", map[string]any{"model": "Page", "filters": map[string]any{"title": "x"}})
	if !r.IsError {
		t.Errorf("expected error for unprojected column, got %q", resultText(r))
	}
}

func TestListModelsAndSchema(t *testing.T) {
	srv := testServer(t)

	text := resultText(callTool(t, srv, "list_models", map[string]any{}))
	if !strings.Contains(text, `"name": "Page"`) || !strings.Contains(text, `"table": "pages"`) {
		t.Errorf("list_models = %s", text)
	}

	text = resultText(callTool(t, srv, "get_schema", map[string]any{"model": "Page"}))
	if !strings.Contains(text, "CREATE TABLE IF NOT EXISTS pages") {
		t.Errorf("schema = %s", text)
	}
	if r := callTool(t, srv, "get_schema", map[string]any{"model": "Nope"}); !r.IsError {
		t.Error("expected error for unknown model")
	}
}

func TestSchemaResource(t *testing.T) {
	srv := testServer(t)
	contents, err := srv.readSchemaResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || !strings.Contains(tc.Text, "-- Page") {
		t.Errorf("resource = %+v", contents)
	}
}

func TestRecordContract(t *testing.T) {
	srv := testServer(t)
	if text := resultText(callTool(t, srv, "get_record_contract", map[string]any{})); !strings.Contains(text, "deleted_at") {
		t.Error("contract missing built-in fields")
	}
}
