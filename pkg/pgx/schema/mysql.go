package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// MySQLLoader reads tables and views of one database from information_schema. An empty
// Schema means the database of the connection.
type MySQLLoader struct {
	DB     *sql.DB
	Schema string
}

func (l *MySQLLoader) Load(ctx context.Context) (map[string]Table, error) {
	schemaName := l.Schema
	if schemaName == "" {
		if err := l.DB.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&schemaName); err != nil {
			return nil, fmt.Errorf("current database: %w", err)
		}
	}

	rows, err := l.DB.QueryContext(ctx, `
		SELECT table_name, table_type FROM information_schema.tables
		WHERE table_schema = ?
		ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}

	var tables []Table
	for rows.Next() {
		var t Table
		var kind string
		if err := rows.Scan(&t.Name, &kind); err != nil {
			rows.Close()
			return nil, err
		}
		t.Schema = schemaName
		t.Type = TypeTable
		if kind == "VIEW" {
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
		if err := l.loadForeignKeys(ctx, &t); err != nil {
			return nil, fmt.Errorf("query foreign keys %s: %w", t.Name, err)
		}
		result[t.Name] = t
	}
	return result, nil
}

func (l *MySQLLoader) loadColumns(ctx context.Context, t *Table) error {
	rows, err := l.DB.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', column_key = 'PRI',
			column_default IS NOT NULL OR extra LIKE '%auto_increment%'
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.IsPrimaryKey, &col.HasDefault); err != nil {
			return err
		}
		col.Type = Primitive(col.DataType)
		t.Columns = append(t.Columns, col)
		if col.IsPrimaryKey {
			t.PrimaryKeys = append(t.PrimaryKeys, col.Name)
		}
	}
	return rows.Err()
}

func (l *MySQLLoader) loadForeignKeys(ctx context.Context, t *Table) error {
	rows, err := l.DB.QueryContext(ctx, `
		SELECT column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND referenced_table_name IS NOT NULL
		ORDER BY ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return err
		}
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return rows.Err()
}
