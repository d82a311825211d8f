package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/model"
)

// Binding maps an entity class to its table. Key is the primary-key column;
// Owner, when set, is the column class operations filter on for a scoped DB.
type Binding struct {
	Table string
	Key   string
	Owner string
}

// systemTables binds classes owned by the surrounding application.
var systemTables = map[string]Binding{
	"SESSION": {Table: "sessions", Key: "id", Owner: model.FieldUserID},
	"APIKEY":  {Table: "api_keys", Key: "id", Owner: model.FieldUserID},
	"WEBHOOK": {Table: "webhooks", Key: "id", Owner: model.FieldUserID},
}

type bindings struct {
	mu sync.RWMutex
	m  map[string]Binding
}

func newBindings() *bindings {
	return &bindings{m: make(map[string]Binding)}
}

// Bind maps class to b, replacing any earlier binding.
func (db *DB) Bind(class string, b Binding) error {
	for _, ident := range []string{b.Table, b.Key} {
		if !model.IdentPattern.MatchString(ident) {
			return fmt.Errorf("index: bind %s: unsafe identifier %q", class, ident)
		}
	}
	if b.Owner != "" && !model.IdentPattern.MatchString(b.Owner) {
		return fmt.Errorf("index: bind %s: unsafe identifier %q", class, b.Owner)
	}
	db.bindings.mu.Lock()
	db.bindings.m[strings.ToUpper(class)] = b
	db.bindings.mu.Unlock()
	return nil
}

// BindModels binds every projected model in reg to its table.
func (db *DB) BindModels(reg *model.Registry) error {
	for _, def := range reg.All() {
		if !def.HasTable() {
			continue
		}
		b := Binding{Table: def.TableName(), Key: def.PrimaryKey()}
		if def.Options.UserTracking && def.IsSynced(model.FieldUserID) {
			b.Owner = model.FieldUserID
		}
		if err := db.Bind(def.Name, b); err != nil {
			return err
		}
	}
	return nil
}

// binding resolves class: explicit bindings first, then system classes,
// then the "{class}s" convention keyed by "id".
func (db *DB) binding(class string) (Binding, error) {
	upper := strings.ToUpper(class)
	db.bindings.mu.RLock()
	b, ok := db.bindings.m[upper]
	db.bindings.mu.RUnlock()
	if ok {
		return b, nil
	}
	if b, ok := systemTables[upper]; ok {
		return b, nil
	}
	table := strings.ToLower(class) + "s"
	if !model.IdentPattern.MatchString(table) {
		return Binding{}, fmt.Errorf("index: class %q: unsafe table name", class)
	}
	return Binding{Table: table, Key: "id"}, nil
}

// scope appends the owner filter for a scoped DB.
func (db *DB) scope(b Binding, where string, args []any) (string, []any) {
	if db.principal == "" || b.Owner == "" {
		return where, args
	}
	return where + " AND " + b.Owner + " = ?", append(args, db.principal)
}

// Get returns the row of class with the given id, or apperr.ErrNotFound.
func (db *DB) Get(ctx context.Context, class, id string) (map[string]any, error) {
	b, err := db.binding(class)
	if err != nil {
		return nil, err
	}
	where, args := db.scope(b, b.Key+" = ?", []any{id})
	rows, err := db.Query(ctx, "SELECT * FROM "+b.Table+" WHERE "+where+" LIMIT 1", args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("index: get %s %s: %w", class, id, apperr.ErrNotFound)
	}
	return rows[0], nil
}

// Put upserts data as the row of class keyed by id.
func (db *DB) Put(ctx context.Context, class, id string, data map[string]any) error {
	b, err := db.binding(class)
	if err != nil {
		return err
	}
	row := Row{Columns: []string{b.Key}, Values: []any{id}}
	cols := make([]string, 0, len(data))
	for c := range data {
		if c != b.Key {
			cols = append(cols, c)
		}
	}
	slices.Sort(cols)
	for _, c := range cols {
		if !model.IdentPattern.MatchString(c) {
			return fmt.Errorf("index: put %s: unsafe column %q", class, c)
		}
		v, err := columnValue(data[c])
		if err != nil {
			return fmt.Errorf("index: put %s column %s: %w", class, c, err)
		}
		row.Columns = append(row.Columns, c)
		row.Values = append(row.Values, v)
	}
	q, args := BuildUpsert(b.Table, b.Key, row)
	if _, err := db.Execute(ctx, q, args...); err != nil {
		return fmt.Errorf("index: put %s %s: %w", class, id, err)
	}
	return nil
}

// Delete removes the row; a missing or foreign row is apperr.ErrNotFound.
func (db *DB) Delete(ctx context.Context, class, id string) error {
	b, err := db.binding(class)
	if err != nil {
		return err
	}
	where, args := db.scope(b, b.Key+" = ?", []any{id})
	res, err := db.Execute(ctx, "DELETE FROM "+b.Table+" WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("index: delete %s %s: %w", class, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: delete %s %s: %w", class, id, apperr.ErrNotFound)
	}
	return nil
}

// Exists reports whether Get would find the row.
func (db *DB) Exists(ctx context.Context, class, id string) (bool, error) {
	_, err := db.Get(ctx, class, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ListAdd is not supported by the relational adapter.
func (db *DB) ListAdd(context.Context, string, string, string) error {
	return fmt.Errorf("index: list add: %w (use the document store)", apperr.ErrNotImplemented)
}

// ListRemove is not supported by the relational adapter.
func (db *DB) ListRemove(context.Context, string, string, string) error {
	return fmt.Errorf("index: list remove: %w (use the document store)", apperr.ErrNotImplemented)
}

// ListRead is not supported by the relational adapter.
func (db *DB) ListRead(context.Context, string, string) ([]string, error) {
	return nil, fmt.Errorf("index: list read: %w (use the document store)", apperr.ErrNotImplemented)
}

// Execute runs a statement that returns no rows. Placeholders are "?".
func (db *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.conn.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("index: exec: %w", err)
	}
	return res, nil
}

// Query runs a SELECT and returns each row as a column → value map.
// Text comes back as string and timestamps in model.TimeLayout.
func (db *DB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.conn.QueryContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("index: columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				m[c] = string(v)
			case time.Time:
				m[c] = model.FormatTime(v)
			default:
				m[c] = v
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueryInt runs a query returning a single integer, such as COUNT(*).
func (db *DB) QueryInt(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, db.Rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: query: %w", err)
	}
	return n, nil
}

// AllIDs returns every key stored in table.
func (db *DB) AllIDs(ctx context.Context, table, key string) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+key+" FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("index: all ids %s: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}
