// Package repository executes the statements of the generated endpoints against one source.
// Rows come back as []map[string]any keyed by column name.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/sqlapi/pkg/metrics"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is safe for concurrent use. Copies bound to a transaction are handed to the
// function given to WithTx and must not outlive it.
type Repository struct {
	db            *sql.DB
	q             Querier
	tx            *sql.Tx
	source        string
	driver        string
	builder       query.Builder
	logger        *zap.Logger
	timeout       time.Duration
	transactional bool
}

type Option func(*Repository)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStatementTimeout bounds every statement with a context deadline.
func WithStatementTimeout(d time.Duration) Option {
	return func(r *Repository) { r.timeout = d }
}

// WithTransactionalBatches makes Batch run inside a transaction.
func WithTransactionalBatches(enabled bool) Option {
	return func(r *Repository) { r.transactional = enabled }
}

// New returns a repository over db for the named source. driver selects the SQL flavor.
func New(source string, db *sql.DB, driver string, opts ...Option) (*Repository, error) {
	builder, err := query.ForDriver(driver)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		db:      db,
		q:       db,
		source:  source,
		driver:  driver,
		builder: builder,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repository) Source() string         { return r.source }
func (r *Repository) Driver() string         { return r.driver }
func (r *Repository) Builder() query.Builder { return r.builder }
func (r *Repository) DB() *sql.DB            { return r.db }

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Query runs a statement and returns every row.
func (r *Repository) Query(ctx context.Context, statement string, args ...any) ([]map[string]any, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger.Debug("query", zap.String("sql", statement), zap.Any("args", args))
	rows, err := queryRows(ctx, r.q, statement, args...)
	if err != nil {
		return nil, r.fail(statement, err)
	}
	return rows, nil
}

// Exec runs a statement and returns the number of rows affected.
func (r *Repository) Exec(ctx context.Context, statement string, args ...any) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger.Debug("exec", zap.String("sql", statement), zap.Any("args", args))
	result, err := r.q.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, r.fail(statement, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, r.fail(statement, err)
	}
	return n, nil
}

// Execute binds the :name placeholders of statement from params and returns every row.
func (r *Repository) Execute(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	bound, args, err := r.builder.Bind(statement, AdaptParams(params))
	if err != nil {
		return nil, err
	}
	return r.Query(ctx, bound, args...)
}

// FetchBy returns the columns of the rows matching filters.
func (r *Repository) FetchBy(ctx context.Context, table string, columns []string, filters map[string]query.Filter) ([]map[string]any, error) {
	return r.FetchAll(ctx, table, columns, filters, nil, nil)
}

// FetchAll is FetchBy with ordering and paging.
func (r *Repository) FetchAll(ctx context.Context, table string, columns []string, filters map[string]query.Filter, order *query.Order, size *query.Size) ([]map[string]any, error) {
	statement, args, err := r.builder.Select(table, columns, filters, order, size)
	if err != nil {
		return nil, err
	}
	return r.Query(ctx, statement, args...)
}

// Count returns the number of rows matching filters.
func (r *Repository) Count(ctx context.Context, table, idField string, filters map[string]query.Filter) (int64, error) {
	statement, args, err := r.builder.Count(table, idField, filters)
	if err != nil {
		return 0, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger.Debug("count", zap.String("sql", statement), zap.Any("args", args))
	var n int64
	if err := r.q.QueryRowContext(ctx, statement, args...).Scan(&n); err != nil {
		return 0, r.fail(statement, err)
	}
	return n, nil
}

// InsertRecord inserts one row and returns its id. Postgres reads the id back with RETURNING;
// SQLite and MySQL use the last insert id unless params already carries one.
func (r *Repository) InsertRecord(ctx context.Context, table, idField string, columns []string, params map[string]any) (any, error) {
	params = AdaptParams(params)
	if r.driver == "postgres" || r.driver == "pgx" {
		statement, args, err := r.builder.InsertReturning(table, columns, params, idField)
		if err != nil {
			return nil, err
		}
		rows, err := r.Query(ctx, statement, args...)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("insert into %s returned no row", table)
		}
		return rows[0][idField], nil
	}

	statement, args, err := r.builder.Insert(table, columns, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger.Debug("insert", zap.String("sql", statement), zap.Any("args", args))
	result, err := r.q.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, r.fail(statement, err)
	}
	if id, ok := params[idField]; ok && id != nil {
		return id, nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, r.fail(statement, err)
	}
	return id, nil
}

// InsertBatch inserts rows and returns the number of rows inserted. Rows are grouped by the
// columns they carry, in order of first appearance, and each group is one multi-row INSERT, so
// a column a row omits keeps its default.
func (r *Repository) InsertBatch(ctx context.Context, table string, columns []string, rows []map[string]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var keys []string
	groups := map[string][]map[string]any{}
	for _, row := range rows {
		adapted := AdaptParams(row)
		k := rowKey(columns, adapted)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], adapted)
	}

	if len(keys) == 1 {
		return r.insertGroup(ctx, table, columns, groups[keys[0]])
	}
	var total int64
	err := r.Batch(ctx, func(repo *Repository) error {
		for _, k := range keys {
			n, err := repo.insertGroup(ctx, table, columns, groups[k])
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (r *Repository) insertGroup(ctx context.Context, table string, columns []string, rows []map[string]any) (int64, error) {
	statement, args, err := r.builder.InsertBatch(table, columns, rows)
	if err != nil {
		return 0, err
	}
	return r.Exec(ctx, statement, args...)
}

// rowKey lists the columns present in row.
func rowKey(columns []string, row map[string]any) string {
	var b strings.Builder
	for _, c := range columns {
		if _, ok := row[c]; ok {
			b.WriteString(c)
			b.WriteByte(0)
		}
	}
	return b.String()
}

// UpdateRecord updates the row identified by params[idField].
func (r *Repository) UpdateRecord(ctx context.Context, table, idField string, columns []string, params map[string]any) (int64, error) {
	statement, args, err := r.builder.Update(table, columns, AdaptParams(params), idField)
	if err != nil {
		return 0, err
	}
	return r.Exec(ctx, statement, args...)
}

// UpdateBatch issues one UPDATE per row. Rows updated before a failure stay updated unless
// the repository runs batches in a transaction.
func (r *Repository) UpdateBatch(ctx context.Context, table, idField string, columns []string, rows []map[string]any) (int64, error) {
	var total int64
	err := r.Batch(ctx, func(repo *Repository) error {
		for _, row := range rows {
			n, err := repo.UpdateRecord(ctx, table, idField, columns, row)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// DeleteRecord removes the row whose idField equals id.
func (r *Repository) DeleteRecord(ctx context.Context, table, idField string, id any) (int64, error) {
	statement, args := r.builder.Delete(table, idField, id)
	return r.Exec(ctx, statement, args...)
}

// DeleteBatch issues one DELETE per id.
func (r *Repository) DeleteBatch(ctx context.Context, table, idField string, ids []any) (int64, error) {
	var total int64
	err := r.Batch(ctx, func(repo *Repository) error {
		for _, id := range ids {
			n, err := repo.DeleteRecord(ctx, table, idField, id)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// IDsNotInTable returns the ids, in input order, that match no row of table under filters.
// Ids are compared by their printed form so "3" from a JSON body matches an integer key.
func (r *Repository) IDsNotInTable(ctx context.Context, table, idField string, ids []any, filters map[string]query.Filter) ([]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	statement, args, err := r.builder.IDsIn(table, idField, ids, filters)
	if err != nil {
		return nil, err
	}
	rows, err := r.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(rows))
	for _, row := range rows {
		found[fmt.Sprint(row[idField])] = true
	}
	var missing []any
	for _, id := range ids {
		if !found[fmt.Sprint(id)] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// WithTx runs fn with a repository bound to a transaction, committing when fn returns nil and
// rolling back otherwise. Nested calls reuse the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(*Repository) error) (err error) {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.fail("BEGIN", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Error("rollback failed", zap.String("source", r.source), zap.Error(rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = r.fail("COMMIT", cErr)
		}
	}()

	bound := *r
	bound.q = tx
	bound.tx = tx
	return fn(&bound)
}

// Batch runs fn in a transaction when transactional batches are enabled, directly otherwise.
func (r *Repository) Batch(ctx context.Context, fn func(*Repository) error) error {
	if r.transactional {
		return r.WithTx(ctx, fn)
	}
	return fn(r)
}

// AdaptParams returns a copy of params with maps and slices encoded as JSON strings, the form
// json columns accept from every driver.
func AdaptParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch v.(type) {
		case map[string]any, []any, []map[string]any, []string:
			b, err := json.Marshal(v)
			if err != nil {
				out[k] = v
				continue
			}
			out[k] = string(b)
		default:
			out[k] = v
		}
	}
	return out
}

func (r *Repository) fail(statement string, err error) error {
	err = MapError(err)

	kind := "other"
	switch {
	case errors.Is(err, ErrUniqueViolation):
		kind = "unique_violation"
	case errors.Is(err, ErrForeignKeyViolation):
		kind = "foreign_key_violation"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	metrics.DatabaseErrors.WithLabelValues(r.source, kind).Inc()

	r.logger.Error("statement failed",
		zap.String("source", r.source),
		zap.String("sql", statement),
		zap.Error(err),
	)
	return err
}

func queryRows(ctx context.Context, q Querier, statement string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	}
	return v
}
