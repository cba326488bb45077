package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens a database/sql handle for the sqlite and mysql drivers. Postgres sources are
// served from a pgx pool instead.
func Open(ctx context.Context, driver, url string) (*sql.DB, error) {
	switch driver {
	case "sqlite", "sqlite3":
		db, err := sql.Open("sqlite3", url)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// one connection keeps :memory: databases and the pragma below on a single handle
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		return db, nil

	case "mysql":
		cfg, err := mysql.ParseDSN(url)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql connector: %w", err)
		}
		db := sql.OpenDB(connector)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("open: unsupported driver %q", driver)
}
