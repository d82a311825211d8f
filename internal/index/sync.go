package index

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/starford/dyad/internal/model"
)

// Row is an ordered set of column values ready to bind.
type Row struct {
	Columns []string
	Values  []any
}

// Value returns the bound value of column.
func (r Row) Value(column string) (any, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// DocumentShape returns a shallow copy of data stamped with the model's
// timestamps: updated_at is set to now, and created_at too when the record
// is new or lacks one.
func DocumentShape(def *model.Definition, data map[string]any, now time.Time, isNew bool) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	if !def.Options.Timestamps {
		return out
	}
	ts := model.FormatTime(now)
	out[model.FieldUpdatedAt] = ts
	if isNew || out[model.FieldCreatedAt] == nil {
		out[model.FieldCreatedAt] = ts
	}
	return out
}

// RelationalShape selects the synced fields of data in declaration order,
// with the primary key first. Object-like values become JSON text and
// booleans 0/1; absent fields bind as NULL.
func RelationalShape(def *model.Definition, data map[string]any) (Row, error) {
	pk := def.PrimaryKey()
	cols := columns(def)
	row := Row{Columns: cols, Values: make([]any, len(cols))}
	for i, c := range cols {
		v, err := columnValue(data[c])
		if err != nil {
			return Row{}, fmt.Errorf("index: column %s: %w", c, err)
		}
		row.Values[i] = v
	}
	if v, _ := row.Value(pk); v == nil || v == "" {
		return Row{}, fmt.Errorf("index: %s: primary key %s is empty", def.Name, pk)
	}
	return row, nil
}

// columns returns the projected columns, primary key first.
func columns(def *model.Definition) []string {
	pk := def.PrimaryKey()
	out := []string{pk}
	for _, c := range def.Synced() {
		if c != pk {
			out = append(out, c)
		}
	}
	return out
}

func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case time.Time:
		return model.FormatTime(t), nil
	case string, int, int32, int64, float32, float64, json.Number:
		return t, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// BuildInsert returns a parameterized INSERT of row into table.
func BuildInsert(table string, row Row) (string, []any) {
	q := "INSERT INTO " + table + " (" + strings.Join(row.Columns, ", ") + ") VALUES (" + placeholders(len(row.Columns)) + ")"
	return q, row.Values
}

// BuildUpdate returns a parameterized UPDATE of every non-key column of row,
// matched on key.
func BuildUpdate(table, key string, row Row) (string, []any) {
	var (
		sets []string
		args []any
		id   any
	)
	for i, c := range row.Columns {
		if c == key {
			id = row.Values[i]
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, row.Values[i])
	}
	q := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE " + key + " = ?"
	return q, append(args, id)
}

// BuildUpsert returns INSERT ... ON CONFLICT(key) DO UPDATE for row.
func BuildUpsert(table, key string, row Row) (string, []any) {
	q, args := BuildInsert(table, row)
	var sets []string
	for _, c := range row.Columns {
		if c != key {
			sets = append(sets, c+" = excluded."+c)
		}
	}
	if len(sets) == 0 {
		return q + " ON CONFLICT(" + key + ") DO NOTHING", args
	}
	return q + " ON CONFLICT(" + key + ") DO UPDATE SET " + strings.Join(sets, ", "), args
}
