package index

import (
	"context"
	"log/slog"
	"strings"

	"github.com/starford/dyad/internal/model"
)

// columnType maps a field kind to its SQL column type.
func columnType(k model.Kind) string {
	switch k {
	case model.KindNumber, model.KindBoolean:
		return "INTEGER"
	case model.KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func columnDef(def *model.Definition, col string) string {
	switch {
	case col == def.PrimaryKey():
		return col + " TEXT PRIMARY KEY"
	case col == model.FieldCreatedAt || col == model.FieldUpdatedAt:
		return col + " TIMESTAMP DEFAULT CURRENT_TIMESTAMP"
	case col == model.FieldDeletedAt:
		return col + " TIMESTAMP"
	}
	return col + " " + columnType(def.KindOf(col))
}

// tableStatements returns the CREATE TABLE statement followed by one
// CREATE INDEX per "*_id" column other than the primary key.
func tableStatements(def *model.Definition) []string {
	table := def.TableName()
	cols := columns(def)

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + table + " (\n")
	for i, c := range cols {
		b.WriteString("\t" + columnDef(def, c))
		if i < len(cols)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")

	stmts := []string{b.String()}
	for _, c := range cols {
		if c != def.PrimaryKey() && strings.HasSuffix(c, "_id") {
			stmts = append(stmts, "CREATE INDEX IF NOT EXISTS idx_"+table+"_"+c+" ON "+table+"("+c+")")
		}
	}
	return stmts
}

// GenerateTableSchema returns the DDL for def's table; ok is false when the
// model is not projected. The output is deterministic.
func GenerateTableSchema(def *model.Definition) (ddl string, ok bool) {
	if !def.HasTable() {
		return "", false
	}
	return strings.Join(tableStatements(def), ";\n") + ";\n", true
}

// GenerateAllSchemas concatenates the DDL of every projected model in name order.
func GenerateAllSchemas(reg *model.Registry) string {
	var parts []string
	for _, def := range reg.All() {
		if ddl, ok := GenerateTableSchema(def); ok {
			parts = append(parts, "-- "+def.Name+"\n"+ddl)
		}
	}
	return strings.Join(parts, "\n")
}

// InitResult reports what Initialize did.
type InitResult struct {
	TablesChecked int `json:"tablesChecked"`
	TablesCreated int `json:"tablesCreated"`
}

// Initialize creates the table of every projected model that does not exist
// yet. A failure on one table is logged and the others are still attempted;
// only a cancelled context aborts the pass.
func Initialize(ctx context.Context, db *DB, reg *model.Registry, logger *slog.Logger) (InitResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res InitResult
	for _, def := range reg.All() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !def.HasTable() {
			continue
		}
		table := def.TableName()
		res.TablesChecked++

		exists, err := db.TableExists(ctx, table)
		if err != nil {
			logger.Error("init: catalog lookup failed", slog.String("table", table), slog.String("error", err.Error()))
			continue
		}
		if exists {
			logger.Debug("init: table exists", slog.String("table", table))
			continue
		}
		if err := createTable(ctx, db, def); err != nil {
			logger.Error("init: create table failed",
				slog.String("model", def.Name),
				slog.String("table", table),
				slog.String("error", err.Error()))
			continue
		}
		res.TablesCreated++
		logger.Info("init: table created", slog.String("model", def.Name), slog.String("table", table))
	}
	return res, nil
}

func createTable(ctx context.Context, db *DB, def *model.Definition) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path
	for _, stmt := range tableStatements(def) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
