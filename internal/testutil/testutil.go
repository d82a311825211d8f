// Package testutil provides shared test helpers for setting up document roots and databases.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/storage"
	"github.com/starford/dyad/internal/store"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "dyad-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(index.DriverSQLite, dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBackend creates a temporary document root with an FS backend.
func TestBackend(t *testing.T) (string, *storage.FS) {
	t.Helper()
	root := t.TempDir()
	fs, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, fs
}

// TestStore wires an FS document store and a SQLite projection into an
// unscoped façade.
func TestStore(t *testing.T) (*store.Store, *storage.FS, *index.DB) {
	t.Helper()
	_, fs := TestBackend(t)
	db := TestDB(t)
	return store.New(storage.NewDocuments(fs, nil), db), fs, db
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
