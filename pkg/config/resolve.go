package config

import (
	"slices"

	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
)

// Inspector exposes the introspected catalog of one source.
type Inspector interface {
	Table(name string) (schema.Table, bool)
}

// Table is a configured table bound to its catalog definition. It is read-only once resolved.
type Table struct {
	Source     string
	Config     TableConfig
	ModelName  string
	Slug       string
	PluralSlug string
	Schema     schema.Table
}

func (t *Table) Name() string    { return t.Config.Name }
func (t *Table) IDField() string { return t.Config.IDField }

func (t *Table) Columns() []schema.Column { return t.Schema.Columns }

func (t *Table) Column(name string) (schema.Column, bool) { return t.Schema.Column(name) }

// IDColumn returns the column identified by id_field.
func (t *Table) IDColumn() schema.Column {
	c, _ := t.Schema.Column(t.Config.IDField)
	return c
}

// AllowedColumns returns the columns visible to the verb/action endpoint, in catalog order.
func (t *Table) AllowedColumns(verb, action string) []schema.Column {
	excluded := t.Config.FieldsExcluded.For(verb, action)
	cols := make([]schema.Column, 0, len(t.Schema.Columns))
	for _, c := range t.Schema.Columns {
		if !slices.Contains(excluded, c.Name) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Resolved is the configuration bound to the introspected schema of every source.
type Resolved struct {
	Config *Config
	Tables []*Table
}

// SourceTables returns the tables of one source in configuration order.
func (r *Resolved) SourceTables(source string) []*Table {
	var out []*Table
	for _, t := range r.Tables {
		if t.Source == source {
			out = append(out, t)
		}
	}
	return out
}

func (r *Resolved) Table(source, name string) (*Table, bool) {
	for _, t := range r.Tables {
		if t.Source == source && t.Config.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Resolve binds every configured table to its catalog definition. Model names must be unique
// across all sources, every table must exist and its id field must be one of its columns.
func Resolve(cfg *Config, inspectors map[string]Inspector) (*Resolved, error) {
	r := &Resolved{Config: cfg}
	modelNames := map[string]bool{}

	for _, src := range cfg.Sources {
		inspector, ok := inspectors[src.Name]
		if !ok {
			return nil, configErrorf("no schema loaded for database %q", src.Name)
		}

		for _, tc := range src.Tables {
			base := tc.Name
			if tc.Alias != "" {
				base = tc.Alias
			}
			model := ModelName(base)
			if modelNames[model] {
				return nil, configErrorf("Table '%s' with alias '%s' is already defined", tc.Name, tc.Alias)
			}
			modelNames[model] = true

			st, ok := inspector.Table(tc.Name)
			if !ok {
				return nil, &TableNotExistError{Source: src.Name, Table: tc.Name}
			}
			if !st.HasColumn(tc.IDField) {
				return nil, &ColumnNotExistError{Extension: "id_field", Table: tc.Name, Column: tc.IDField}
			}

			r.Tables = append(r.Tables, &Table{
				Source:     src.Name,
				Config:     tc,
				ModelName:  model,
				Slug:       Slug(base),
				PluralSlug: PluralSlug(base),
				Schema:     st,
			})
		}
	}
	return r, nil
}
