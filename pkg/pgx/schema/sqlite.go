package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteLoader reads tables and views from sqlite_master and the table_info pragmas.
type SQLiteLoader struct {
	DB *sql.DB
}

func (l *SQLiteLoader) Load(ctx context.Context) (map[string]Table, error) {
	rows, err := l.DB.QueryContext(ctx, `
		SELECT name, type FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query sqlite_master: %w", err)
	}

	var tables []Table
	for rows.Next() {
		var t Table
		var kind string
		if err := rows.Scan(&t.Name, &kind); err != nil {
			rows.Close()
			return nil, err
		}
		t.Schema = "main"
		t.Type = TypeTable
		if kind == "view" {
			t.Type = TypeView
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]Table, len(tables))
	for _, t := range tables {
		if err := l.loadColumns(ctx, &t); err != nil {
			return nil, fmt.Errorf("query columns %s: %w", t.Name, err)
		}
		if t.Type == TypeTable {
			if err := l.loadForeignKeys(ctx, &t); err != nil {
				return nil, fmt.Errorf("query foreign keys %s: %w", t.Name, err)
			}
		}
		result[t.Name] = t
	}
	return result, nil
}

func (l *SQLiteLoader) loadColumns(ctx context.Context, t *Table) error {
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(t.Name)))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			col       Column
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &col.Name, &col.DataType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		col.IsNullable = notNull == 0 && pk == 0
		col.IsPrimaryKey = pk > 0
		col.HasDefault = dfltValue.Valid
		col.Type = Primitive(col.DataType)
		t.Columns = append(t.Columns, col)
		if col.IsPrimaryKey {
			t.PrimaryKeys = append(t.PrimaryKeys, col.Name)
		}
	}
	return rows.Err()
}

func (l *SQLiteLoader) loadForeignKeys(ctx context.Context, t *Table) error {
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(t.Name)))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, seq                  int
			table, from              string
			to                       sql.NullString
			onUpdate, onDelete, mtch string
		)
		if err := rows.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &mtch); err != nil {
			return err
		}
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
			Column:           from,
			ReferencedTable:  table,
			ReferencedColumn: to.String,
		})
	}
	return rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
