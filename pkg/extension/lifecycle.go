package extension

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"go.uber.org/zap"
)

// LargeCascade is the number of child rows above which a cascade is logged at warn level.
const LargeCascade = 100

func init() {
	RegisterLifecycle(SoftDeleteName, NewSoftDelete)
	RegisterLifecycle(OnCreateTimestampName, func(p LifecycleParams) (Lifecycle, error) {
		return &Timestamp{base: newBase(p)}, nil
	})
	RegisterLifecycle(OnUpdateTimestampName, func(p LifecycleParams) (Lifecycle, error) {
		return &Timestamp{base: newBase(p)}, nil
	})
}

type base struct {
	name    string
	source  string
	table   schema.Table
	enabled bool
	field   string
	repo    *repository.Repository
	inspect config.Inspector
	logger  *zap.Logger
}

func newBase(p LifecycleParams) base {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:    p.Name,
		source:  p.Source,
		table:   p.Table,
		enabled: p.Config.Enable,
		field:   p.Config.DefaultField,
		repo:    p.Repository,
		inspect: p.Inspector,
		logger:  logger.With(zap.String("extension", p.Name), zap.String("table", p.Table.Name)),
	}
}

func (b *base) Enabled() bool  { return b.enabled }
func (b *base) Field() string  { return b.field }
func (b *base) Name() string   { return b.name }
func (b *base) Source() string { return b.source }

// Validate checks that default_field is a column of the table. Disabled extensions are always
// valid.
func (b *base) Validate() error {
	if !b.enabled {
		return nil
	}
	if !b.table.HasColumn(b.field) {
		return &config.ColumnNotExistError{Extension: b.name, Table: b.table.Name, Column: b.field}
	}
	return nil
}

// Timestamp implements on_create_timestamp and on_update_timestamp.
type Timestamp struct {
	base
}

func (t *Timestamp) SetColumns(columns []string) []string {
	if slices.Contains(columns, t.field) {
		return columns
	}
	return append(slices.Clone(columns), t.field)
}

func (t *Timestamp) SetFieldData(params map[string]any, now time.Time) {
	if _, ok := params[t.field]; !ok {
		params[t.field] = now
	}
}

func (t *Timestamp) UnsetFieldData(params map[string]any) {
	delete(params, t.field)
}

// SoftDelete hides deleted rows behind "field IS NULL" and deletes by setting field to the
// deletion time. Deleting a row also soft deletes the rows configured under cascade, which
// must carry a column with the same name.
type SoftDelete struct {
	base
	cascade config.Cascade
}

func NewSoftDelete(p LifecycleParams) (Lifecycle, error) {
	return &SoftDelete{base: newBase(p), cascade: p.Config.Cascade}, nil
}

func (s *SoftDelete) Cascade() config.Cascade { return s.cascade }

// Validate also checks every table and column named by the cascade rules.
func (s *SoftDelete) Validate() error {
	if err := s.base.Validate(); err != nil || !s.enabled {
		return err
	}
	for _, rel := range s.cascade.OneToMany {
		if err := s.requireColumns(rel.Table, rel.ColumnID, rel.ColumnFK, s.field); err != nil {
			return err
		}
	}
	for _, rel := range s.cascade.ManyToMany {
		if err := s.requireColumns(rel.Table, rel.ColumnID, s.field); err != nil {
			return err
		}
		if err := s.requireColumns(rel.JoinTable, rel.JoinColumns.Main, rel.JoinColumns.Join); err != nil {
			return err
		}
	}
	return nil
}

func (s *SoftDelete) requireColumns(table string, columns ...string) error {
	if s.inspect == nil {
		return &config.ConfigError{Msg: fmt.Sprintf("%s: no schema to validate cascade table %q", s.name, table)}
	}
	t, ok := s.inspect.Table(table)
	if !ok {
		return &config.TableNotExistError{Source: s.source, Table: table}
	}
	for _, c := range columns {
		if c == "" || !t.HasColumn(c) {
			return &config.ColumnNotExistError{Extension: s.name, Table: table, Column: c}
		}
	}
	return nil
}

func (s *SoftDelete) isNull() query.Filter { return query.Filter{Op: query.OpIsNull} }

func (s *SoftDelete) AddQueryFilter(filters map[string]query.Filter) map[string]query.Filter {
	out := make(map[string]query.Filter, len(filters)+1)
	maps.Copy(out, filters)
	out[s.field] = s.isNull()
	return out
}

func (s *SoftDelete) RemoveFilterField(filters map[string]query.Filter) map[string]query.Filter {
	out := maps.Clone(filters)
	delete(out, s.field)
	return out
}

// Delete stamps the row and cascades to its children, breadth first, one relation at a time.
// With transactional batches the whole walk is one transaction.
func (s *SoftDelete) Delete(ctx context.Context, idField string, id any, now time.Time) error {
	return s.DeleteBatch(ctx, idField, []any{id}, now)
}

func (s *SoftDelete) DeleteBatch(ctx context.Context, idField string, ids []any, now time.Time) error {
	return s.repo.Batch(ctx, func(repo *repository.Repository) error {
		rows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, map[string]any{idField: id, s.field: now})
		}
		if _, err := repo.UpdateBatch(ctx, s.table.Name, idField, []string{idField, s.field}, rows); err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.cascadeFrom(ctx, repo, id, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SoftDelete) cascadeFrom(ctx context.Context, repo *repository.Repository, id any, now time.Time) error {
	for _, rel := range s.cascade.OneToMany {
		children, err := repo.FetchBy(ctx, rel.Table, []string{rel.ColumnID}, map[string]query.Filter{
			rel.ColumnFK: {Op: query.OpEqual, Value: id},
			s.field:      s.isNull(),
		})
		if err != nil {
			return err
		}
		if err := s.stamp(ctx, repo, rel.Table, rel.ColumnID, column(children, rel.ColumnID), now); err != nil {
			return err
		}
	}

	for _, rel := range s.cascade.ManyToMany {
		statement, args := repo.Builder().CascadeJoin(rel.Table, rel.ColumnID, rel.JoinTable, rel.JoinColumns.Main, rel.JoinColumns.Join, id)
		linked, err := repo.Query(ctx, statement, args...)
		if err != nil {
			return err
		}
		ids := column(linked, rel.ColumnID)
		// keep the first deletion time of rows already deleted
		gone, err := repo.IDsNotInTable(ctx, rel.Table, rel.ColumnID, ids, map[string]query.Filter{s.field: s.isNull()})
		if err != nil {
			return err
		}
		ids = slices.DeleteFunc(ids, func(v any) bool {
			return slices.ContainsFunc(gone, func(g any) bool { return fmt.Sprint(g) == fmt.Sprint(v) })
		})
		if err := s.stamp(ctx, repo, rel.Table, rel.ColumnID, ids, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *SoftDelete) stamp(ctx context.Context, repo *repository.Repository, table, idColumn string, ids []any, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	log := s.logger.Debug
	if len(ids) > LargeCascade {
		log = s.logger.Warn
	}
	log("cascading soft delete", zap.String("child_table", table), zap.Int("rows", len(ids)))

	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, map[string]any{idColumn: id, s.field: now})
	}
	_, err := repo.UpdateBatch(ctx, table, idColumn, []string{idColumn, s.field}, rows)
	return err
}

func column(rows []map[string]any, name string) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row[name])
	}
	return out
}
