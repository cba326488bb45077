// Package query builds the parameterized SQL statements issued by the generated endpoints.
// Statements are built with go-sqlbuilder in the flavor of the source, so placeholders follow
// the driver ($n for Postgres, ? for SQLite and MySQL). Identifiers are always quoted.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

var (
	ErrUnknownOperator   = errors.New("unknown operator")
	ErrMissingParameter  = errors.New("missing query parameter")
	ErrUnsupportedDriver = errors.New("unsupported driver")
	ErrNoColumns         = errors.New("no column to write")
)

// Operators accepted in filters.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpNotEqualAlt  = "<>"
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpLike         = "like"
	OpIsNull       = "isnull"
	OpIsNotNull    = "isnotnull"
)

var Operators = []string{
	OpEqual, OpNotEqual, OpNotEqualAlt, OpGreater, OpGreaterEqual,
	OpLess, OpLessEqual, OpLike, OpIsNull, OpIsNotNull,
}

// Filter is one column predicate.
type Filter struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Order sorts by one or more columns.
type Order struct {
	Field     []string `json:"field"`
	Direction string   `json:"direction"` // asc or desc
}

// Size pages a result set.
type Size struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Builder builds statements for one source flavor.
type Builder struct {
	flavor sqlbuilder.Flavor
}

func New(flavor sqlbuilder.Flavor) Builder {
	return Builder{flavor: flavor}
}

// ForDriver returns the builder of a configured driver name.
func ForDriver(driver string) (Builder, error) {
	switch driver {
	case "postgres", "pgx":
		return New(sqlbuilder.PostgreSQL), nil
	case "sqlite", "sqlite3":
		return New(sqlbuilder.SQLite), nil
	case "mysql":
		return New(sqlbuilder.MySQL), nil
	}
	return Builder{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

func (b Builder) Flavor() sqlbuilder.Flavor { return b.flavor }

func (b Builder) quote(name string) string {
	return b.flavor.Quote(name)
}

func (b Builder) quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = b.quote(n)
	}
	return out
}

// Select returns the columns of the rows matching filters, optionally ordered and paged.
func (b Builder) Select(table string, columns []string, filters map[string]Filter, order *Order, size *Size) (string, []any, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(b.quoteAll(columns)...).From(b.quote(table))
	if err := b.where(&sb.Cond, sb.Where, filters); err != nil {
		return "", nil, err
	}
	if order != nil && len(order.Field) > 0 {
		sb.OrderBy(b.quoteAll(order.Field)...)
		if strings.EqualFold(order.Direction, "desc") {
			sb.Desc()
		} else {
			sb.Asc()
		}
	}
	if size != nil {
		sb.Limit(size.Limit).Offset(size.Offset)
	}
	sql, args := sb.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// Count returns the number of rows matching filters as a single "count" column.
func (b Builder) Count(table, idField string, filters map[string]Filter) (string, []any, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(sb.As(fmt.Sprintf("COUNT(%s)", b.quote(idField)), "count")).From(b.quote(table))
	if err := b.where(&sb.Cond, sb.Where, filters); err != nil {
		return "", nil, err
	}
	sql, args := sb.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// Insert inserts the values of params for the given columns. Columns absent from params are
// left out of the statement; ErrNoColumns is returned when none is left.
func (b Builder) Insert(table string, columns []string, params map[string]any) (string, []any, error) {
	cols := present(columns, params)
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("insert into %s: %w", table, ErrNoColumns)
	}
	ib := sqlbuilder.NewInsertBuilder()
	ib.InsertInto(b.quote(table)).Cols(b.quoteAll(cols)...)
	values := make([]any, len(cols))
	for i, c := range cols {
		values[i] = params[c]
	}
	ib.Values(values...)
	sql, args := ib.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// InsertReturning is Insert followed by a RETURNING clause. MySQL has no RETURNING, callers use
// the last insert id there.
func (b Builder) InsertReturning(table string, columns []string, params map[string]any, returning string) (string, []any, error) {
	sql, args, err := b.Insert(table, columns, params)
	if err != nil || b.flavor == sqlbuilder.MySQL {
		return sql, args, err
	}
	return sql + " RETURNING " + b.quote(returning), args, nil
}

// InsertBatch inserts all rows in one statement. The column list is the union of the given
// columns present in any row; missing values are inserted as NULL, so callers wanting column
// defaults pass rows sharing one key set.
func (b Builder) InsertBatch(table string, columns []string, rows []map[string]any) (string, []any, error) {
	var cols []string
	for _, c := range columns {
		for _, row := range rows {
			if _, ok := row[c]; ok {
				cols = append(cols, c)
				break
			}
		}
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("insert into %s: %w", table, ErrNoColumns)
	}

	ib := sqlbuilder.NewInsertBuilder()
	ib.InsertInto(b.quote(table)).Cols(b.quoteAll(cols)...)
	for _, row := range rows {
		values := make([]any, len(cols))
		for i, c := range cols {
			values[i] = row[c]
		}
		ib.Values(values...)
	}
	sql, args := ib.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// Update sets every column of params except whereField on the row where whereField equals
// params[whereField]. Columns are set in the given order; params keys outside columns are
// ignored. ErrNoColumns is returned when nothing would be set.
func (b Builder) Update(table string, columns []string, params map[string]any, whereField string) (string, []any, error) {
	ub := sqlbuilder.NewUpdateBuilder()
	ub.Update(b.quote(table))
	set := 0
	for _, c := range present(columns, params) {
		if c == whereField {
			continue
		}
		ub.SetMore(ub.Assign(b.quote(c), params[c]))
		set++
	}
	if set == 0 {
		return "", nil, fmt.Errorf("update %s: %w", table, ErrNoColumns)
	}
	ub.Where(ub.Equal(b.quote(whereField), params[whereField]))
	sql, args := ub.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// Delete removes the row where whereField equals value.
func (b Builder) Delete(table, whereField string, value any) (string, []any) {
	db := sqlbuilder.NewDeleteBuilder()
	db.DeleteFrom(b.quote(table)).Where(db.Equal(b.quote(whereField), value))
	return db.BuildWithFlavor(b.flavor)
}

// CascadeJoin selects the ids of table rows linked to id through joinTable:
//
//	SELECT t.column_id FROM t JOIN jt ON jt.join = t.column_id WHERE jt.main = id
func (b Builder) CascadeJoin(table, columnID, joinTable, mainColumn, joinColumn string, id any) (string, []any) {
	t, jt := b.quote(table), b.quote(joinTable)
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(t+"."+b.quote(columnID)).
		From(t).
		Join(jt, jt+"."+b.quote(joinColumn)+" = "+t+"."+b.quote(columnID)).
		Where(sb.Equal(jt+"."+b.quote(mainColumn), id))
	return sb.BuildWithFlavor(b.flavor)
}

// IDsIn selects which of ids exist in table, honoring filters.
func (b Builder) IDsIn(table, idField string, ids []any, filters map[string]Filter) (string, []any, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(b.quote(idField)).From(b.quote(table)).Where(sb.In(b.quote(idField), ids...))
	if err := b.where(&sb.Cond, sb.Where, filters); err != nil {
		return "", nil, err
	}
	sql, args := sb.BuildWithFlavor(b.flavor)
	return sql, args, nil
}

// ValidOperator reports whether op is an accepted filter operator.
func ValidOperator(op string) bool {
	op = strings.ToLower(op)
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

func (b Builder) where(cond *sqlbuilder.Cond, add func(...string) *sqlbuilder.SelectBuilder, filters map[string]Filter) error {
	if len(filters) == 0 {
		return nil
	}
	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	exprs := make([]string, 0, len(fields))
	for _, field := range fields {
		expr, err := b.condition(cond, field, filters[field])
		if err != nil {
			return err
		}
		exprs = append(exprs, expr)
	}
	add(exprs...)
	return nil
}

func (b Builder) condition(cond *sqlbuilder.Cond, field string, f Filter) (string, error) {
	col := b.quote(field)
	switch strings.ToLower(f.Op) {
	case OpEqual:
		return cond.Equal(col, f.Value), nil
	case OpNotEqual, OpNotEqualAlt:
		return cond.NotEqual(col, f.Value), nil
	case OpGreater:
		return cond.GreaterThan(col, f.Value), nil
	case OpGreaterEqual:
		return cond.GreaterEqualThan(col, f.Value), nil
	case OpLess:
		return cond.LessThan(col, f.Value), nil
	case OpLessEqual:
		return cond.LessEqualThan(col, f.Value), nil
	case OpLike:
		return cond.Like(col, f.Value), nil
	case OpIsNull:
		return cond.IsNull(col), nil
	case OpIsNotNull:
		return cond.IsNotNull(col), nil
	}
	return "", fmt.Errorf("%w: %q on %q", ErrUnknownOperator, f.Op, field)
}

func present(columns []string, params map[string]any) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if _, ok := params[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
