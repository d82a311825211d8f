//go:build integration

package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/model"
)

// setupPostgres starts a PostgreSQL container and opens it through the pgx driver.
func setupPostgres(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:alpine",
		postgres.WithDatabase("dyad"),
		postgres.WithUsername("dyad"),
		postgres.WithPassword("dyad"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := Open(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_InitializeAndQuery(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	def := &model.Definition{
		Name: "PAGE",
		Fields: map[string]model.Field{
			"page_id":    {Kind: model.KindString, Primary: true},
			"project_id": {Kind: model.KindString},
			"url":        {Kind: model.KindString},
		},
		Options:    model.Options{Timestamps: true, SoftDelete: true},
		Relational: model.RelationalBinding{Synced: []string{"page_id", "project_id", "url", "created_at", "updated_at", "deleted_at"}},
	}
	reg := model.NewRegistry()
	if err := reg.Register(def); err != nil {
		t.Fatal(err)
	}

	res, err := Initialize(ctx, db, reg, quietLogger())
	if err != nil || res.TablesCreated != 1 {
		t.Fatalf("Initialize = %+v, %v", res, err)
	}
	res, _ = Initialize(ctx, db, reg, quietLogger())
	if res.TablesCreated != 0 {
		t.Errorf("second Initialize created %d tables", res.TablesCreated)
	}
	if err := db.BindModels(reg); err != nil {
		t.Fatal(err)
	}

	ts := model.FormatTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for _, id := range []string{"page:a", "page:b"} {
		row, err := RelationalShape(def, map[string]any{
			"page_id": id, "project_id": "p1", "url": "https://x", "created_at": ts, "updated_at": ts,
		})
		if err != nil {
			t.Fatal(err)
		}
		q, args := BuildUpsert(def.TableName(), def.PrimaryKey(), row)
		if _, err := db.Execute(ctx, q, args...); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	n, err := db.QueryInt(ctx, "SELECT COUNT(*) FROM pages WHERE project_id = ? AND deleted_at IS NULL", "p1")
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
	rows, err := db.Query(ctx, "SELECT * FROM pages WHERE page_id IN (?, ?) ORDER BY page_id", "page:a", "page:b")
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows = %v, %v", rows, err)
	}
	if rows[0]["created_at"] != ts {
		t.Errorf("created_at = %v, want %s", rows[0]["created_at"], ts)
	}

	if err := db.Delete(ctx, "PAGE", "page:a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get(ctx, "PAGE", "page:a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
}
