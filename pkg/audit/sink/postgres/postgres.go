// Package postgres inserts audit entries into a Postgres table with jsonb status columns.
package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/sqlapi/pkg/audit"
	pg "github.com/edgeflare/sqlapi/pkg/pgx"
	"github.com/edgeflare/sqlapi/pkg/util"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNotConnected = errors.New("postgres pool not initialized")

type Config struct {
	// ConnString may be "$NAME" to read it from the environment.
	ConnString string `json:"conn_string"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
}

type Sink struct {
	conn  pg.Conn
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// New returns a sink writing through conn into table, which must already exist.
func New(conn pg.Conn, schema, table string) *Sink {
	return &Sink{conn: conn, table: identifier(schema, table)}
}

func identifier(schema, table string) pgx.Identifier {
	table = cmp.Or(table, "audit_log")
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}

func (s *Sink) Connect(raw json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("config parse: %w", err)
	}
	connString := util.ExpandEnvRef(cfg.ConnString)
	if connString == "" {
		return errors.New("postgres audit sink requires conn_string")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("error connecting to database: %w", err)
	}

	s.pool = pool
	s.conn = pool
	s.table = identifier(cfg.Schema, cfg.Table)
	if _, err := pool.Exec(ctx, s.createTable()); err != nil {
		pool.Close()
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func (s *Sink) createTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	message text NOT NULL,
	action text NOT NULL,
	"user" text,
	request_id text,
	prev_request_id text,
	date timestamptz NOT NULL,
	change_parameters jsonb,
	current_status jsonb,
	prev_status jsonb
)`, s.table.Sanitize())
}

func (s *Sink) insert() string {
	return fmt.Sprintf(`INSERT INTO %s (message, action, "user", request_id, prev_request_id, date,
	change_parameters, current_status, prev_status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table.Sanitize())
}

func (s *Sink) Publish(ctx context.Context, e audit.Entry) error {
	if s.conn == nil {
		return errNotConnected
	}
	args := []any{e.Message, e.Action, e.User, e.RequestID, e.PrevRequestID, e.Date}
	for _, v := range []any{e.ChangeParameters, e.CurrentStatus, e.PrevStatus} {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		args = append(args, data)
	}
	if _, err := s.conn.Exec(ctx, s.insert(), args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close releases the pool opened by Connect. A connection passed to New is left open.
func (s *Sink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func init() {
	audit.RegisterSink(audit.SinkPostgres, func() audit.Sink { return &Sink{} })
}
