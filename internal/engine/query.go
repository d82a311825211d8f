package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/store"
)

// DefaultLimit is the page size of a query without Limit.
const DefaultLimit = 50

type deletedMode int

const (
	excludeDeleted deletedMode = iota
	includeDeleted
	onlyDeleted
)

type clause struct {
	sql  string
	args []any
}

type order struct {
	column string
	dir    string
}

// Query builds a filtered, paginated SELECT against a model's table.
// Builder methods record the first misuse; List and First then report it
// without touching the database.
type Query struct {
	engine   *Engine
	def      *model.Definition
	store    *store.Store
	wheres   []clause
	orders   []order
	limit    int
	offset   int
	page     int
	deleted  deletedMode
	withData bool
	err      error
}

// Pagination describes where a page sits in the full result.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Page    int  `json:"page"`
	Pages   int  `json:"pages"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
}

// Page is the result of List. A failed query yields an empty page with
// Error set instead of an error return.
type Page struct {
	Data       []*Proxy   `json:"data"`
	Pagination Pagination `json:"pagination"`
	Error      string     `json:"error,omitempty"`
}

// Query starts a query over the named model's relational table.
func (e *Engine) Query(name string, s *store.Store) (*Query, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !def.HasTable() {
		return nil, fmt.Errorf("engine: query %s: %w: model has no relational table", def.Name, apperr.ErrInvalidQuery)
	}
	return &Query{engine: e, def: def, store: s, limit: DefaultLimit}, nil
}

func (q *Query) fail(format string, args ...any) *Query {
	if q.err == nil {
		q.err = fmt.Errorf("engine: query %s: %w: %s", q.def.Name, apperr.ErrInvalidQuery, fmt.Sprintf(format, args...))
	}
	return q
}

func (q *Query) column(field string) bool {
	if !model.IdentPattern.MatchString(field) || (!q.def.IsSynced(field) && field != q.def.PrimaryKey()) {
		q.fail("field %q is not a projected column", field)
		return false
	}
	return true
}

// Where adds "field = value"; a nil value matches NULL.
func (q *Query) Where(field string, value any) *Query {
	if !q.column(field) {
		return q
	}
	if value == nil {
		q.wheres = append(q.wheres, clause{sql: field + " IS NULL"})
		return q
	}
	v, err := bindValue(value)
	if err != nil {
		return q.fail("field %q: %v", field, err)
	}
	q.wheres = append(q.wheres, clause{sql: field + " = ?", args: []any{v}})
	return q
}

// WhereIn adds "field IN (values...)". An empty list is rejected.
func (q *Query) WhereIn(field string, values []any) *Query {
	if !q.column(field) {
		return q
	}
	if len(values) == 0 {
		return q.fail("whereIn %q requires at least one value", field)
	}
	args := make([]any, len(values))
	for i, v := range values {
		bv, err := bindValue(v)
		if err != nil {
			return q.fail("field %q: %v", field, err)
		}
		args[i] = bv
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	q.wheres = append(q.wheres, clause{sql: field + " IN (" + ph + ")", args: args})
	return q
}

// OrderBy sorts by field; dir is ASC or DESC, case-insensitive.
func (q *Query) OrderBy(field, dir string) *Query {
	if !q.column(field) {
		return q
	}
	d := strings.ToUpper(dir)
	if d == "" {
		d = "ASC"
	}
	if d != "ASC" && d != "DESC" {
		return q.fail("order direction %q", dir)
	}
	q.orders = append(q.orders, order{column: field, dir: d})
	return q
}

// Limit sets the page size.
func (q *Query) Limit(n int) *Query {
	if n < 1 {
		return q.fail("limit %d", n)
	}
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		return q.fail("offset %d", n)
	}
	q.offset = n
	q.page = 0
	return q
}

// Page selects the 1-based page of Limit rows. It overrides Offset.
func (q *Query) Page(n int) *Query {
	if n < 1 {
		return q.fail("page %d", n)
	}
	q.page = n
	return q
}

// IncludeDeleted drops the soft-delete filter.
func (q *Query) IncludeDeleted() *Query {
	q.deleted = includeDeleted
	return q
}

// OnlyDeleted selects soft-deleted rows only.
func (q *Query) OnlyDeleted() *Query {
	q.deleted = onlyDeleted
	return q
}

// WithData hydrates every returned proxy from the document store.
func (q *Query) WithData() *Query {
	q.withData = true
	return q
}

// Err returns the first builder error.
func (q *Query) Err() error { return q.err }

// Model returns the queried model.
func (q *Query) Model() *model.Definition { return q.def }

func (q *Query) effectiveOffset() int {
	if q.page > 0 {
		return (q.page - 1) * q.limit
	}
	return q.offset
}

// where composes the filters: explicit clauses in call order, then the
// principal's user_id scope, then the soft-delete clause.
func (q *Query) where() (string, []any) {
	var (
		parts []string
		args  []any
	)
	for _, c := range q.wheres {
		parts = append(parts, c.sql)
		args = append(args, c.args...)
	}
	if p := q.store.Principal(); p != "" && q.def.Options.UserTracking {
		parts = append(parts, model.FieldUserID+" = ?")
		args = append(args, p)
	}
	if q.def.Options.SoftDelete {
		switch q.deleted {
		case excludeDeleted:
			parts = append(parts, model.FieldDeletedAt+" IS NULL")
		case onlyDeleted:
			parts = append(parts, model.FieldDeletedAt+" IS NOT NULL")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (q *Query) orderBy() string {
	orders := q.orders
	if len(orders) == 0 && q.def.IsSynced(model.FieldCreatedAt) {
		orders = []order{{column: model.FieldCreatedAt, dir: "DESC"}}
	}
	if len(orders) == 0 {
		return ""
	}
	parts := make([]string, len(orders))
	for i, o := range orders {
		parts[i] = o.column + " " + o.dir
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// ToSQL returns the SELECT statement List would run.
func (q *Query) ToSQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	where, args := q.where()
	sql := "SELECT * FROM " + q.def.TableName() + where + q.orderBy() + " LIMIT ? OFFSET ?"
	return sql, append(args, q.limit, q.effectiveOffset()), nil
}

// CountSQL returns the COUNT(*) statement List would run.
func (q *Query) CountSQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	where, args := q.where()
	return "SELECT COUNT(*) FROM " + q.def.TableName() + where, args, nil
}

// List runs the count and the page query.
func (q *Query) List(ctx context.Context) *Page {
	pg := &Page{Data: []*Proxy{}, Pagination: paginate(0, q.limit, q.effectiveOffset())}
	if err := q.list(ctx, pg); err != nil {
		pg.Data = []*Proxy{}
		pg.Pagination = paginate(0, q.limit, q.effectiveOffset())
		pg.Error = err.Error()
	}
	return pg
}

func (q *Query) list(ctx context.Context, pg *Page) error {
	countSQL, countArgs, err := q.CountSQL()
	if err != nil {
		return err
	}
	selectSQL, selectArgs, err := q.ToSQL()
	if err != nil {
		return err
	}
	db := q.store.Relational()
	if db == nil {
		return fmt.Errorf("engine: query %s: no relational store configured", q.def.Name)
	}

	total, err := db.QueryInt(ctx, countSQL, countArgs...)
	if err != nil {
		return err
	}
	rows, err := db.Query(ctx, selectSQL, selectArgs...)
	if err != nil {
		return err
	}

	proxies := make([]*Proxy, len(rows))
	for i, row := range rows {
		proxies[i] = newProxy(q.def, q.store, row)
	}
	if q.withData {
		if err := FetchDataAll(ctx, proxies, false); err != nil {
			return err
		}
	}
	pg.Data = proxies
	pg.Pagination = paginate(total, q.limit, q.effectiveOffset())
	return nil
}

// First returns the first matching row, or apperr.ErrNotFound.
func (q *Query) First(ctx context.Context) (*Proxy, error) {
	if q.err != nil {
		return nil, q.err
	}
	saved := q.limit
	q.limit = 1
	defer func() { q.limit = saved }()

	selectSQL, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	db := q.store.Relational()
	if db == nil {
		return nil, fmt.Errorf("engine: query %s: no relational store configured", q.def.Name)
	}
	rows, err := db.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("engine: query %s: %w", q.def.Name, apperr.ErrNotFound)
	}
	p := newProxy(q.def, q.store, rows[0])
	if q.withData {
		if err := p.FetchData(ctx, false); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func paginate(total, limit, offset int) Pagination {
	p := Pagination{Total: total, Limit: limit, Offset: offset}
	if limit > 0 {
		p.Page = offset/limit + 1
		p.Pages = (total + limit - 1) / limit
	}
	p.HasNext = p.Page < p.Pages
	p.HasPrev = p.Page > 1
	return p
}

func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string, int, int32, int64, float32, float64:
		return t, nil
	case time.Time:
		return model.FormatTime(t), nil
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}
