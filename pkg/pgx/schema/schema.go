// Package schema provides the catalog metadata (tables, columns, keys) the API is generated from.
// A Loader reads the catalog of one source and a Cache keeps an in-memory copy of it that is
// safe for concurrent reads.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"sync"
)

type TableType string

const (
	TypeTable            TableType = "TABLE"
	TypeView             TableType = "VIEW"
	TypeMaterializedView TableType = "MATERIALIZED VIEW"
)

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Type        TableType    `json:"type"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type Column struct {
	Name         string        `json:"name"`
	DataType     string        `json:"data_type"`
	Type         PrimitiveType `json:"type"`
	IsNullable   bool          `json:"is_nullable"`
	IsPrimaryKey bool          `json:"is_primary_key"`
	HasDefault   bool          `json:"has_default"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has a column with the given name.
func (t Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns the column names in catalog order.
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Required reports whether a value must be supplied on insert: the column is NOT NULL, has no
// default and is not part of the primary key.
func (c Column) Required() bool {
	return !c.IsNullable && !c.HasDefault && !c.IsPrimaryKey
}

// Loader reads the catalog of one data source. Tables are keyed by their unqualified name.
type Loader interface {
	Load(ctx context.Context) (map[string]Table, error)
}

// Cache holds the tables of one source.
type Cache struct {
	loader Loader
	tables map[string]Table
	mu     sync.RWMutex
}

func NewCache(loader Loader) *Cache {
	return &Cache{
		loader: loader,
		tables: make(map[string]Table),
	}
}

// NewStaticCache returns a cache populated with the given tables. Reload is a no-op.
func NewStaticCache(tables ...Table) *Cache {
	c := &Cache{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		for i := range t.Columns {
			if t.Columns[i].Type == "" {
				t.Columns[i].Type = Primitive(t.Columns[i].DataType)
			}
		}
		c.tables[t.Name] = t
	}
	return c
}

// Init performs the initial load.
func (c *Cache) Init(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	return nil
}

// Reload replaces the cached tables with a fresh read of the catalog.
func (c *Cache) Reload(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	tables, err := c.loader.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()
	return nil
}

func (c *Cache) Snapshot() map[string]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]Table, len(c.tables))
	maps.Copy(snap, c.tables)
	return snap
}

// Table returns the named table.
func (c *Cache) Table(name string) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

func (c *Cache) HasTable(name string) bool {
	_, ok := c.Table(name)
	return ok
}

// Columns returns the columns of the named table, or nil when it does not exist.
func (c *Cache) Columns(name string) []Column {
	t, ok := c.Table(name)
	if !ok {
		return nil
	}
	return slices.Clone(t.Columns)
}

// TableNames returns the sorted table names.
func (c *Cache) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := slices.Collect(maps.Keys(c.tables))
	sort.Strings(names)
	return names
}

// ServeHTTP writes the cached tables as JSON.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
	}
}
