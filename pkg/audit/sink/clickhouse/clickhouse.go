// Package clickhouse appends audit entries to a MergeTree table, created on connect when it
// does not exist.
package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/util"
)

var (
	errNotConnected = errors.New("clickhouse connection not initialized")
	identifier      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type Config struct {
	Addr     []string `json:"addr"`
	Database string   `json:"database"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Table    string   `json:"table"`
}

type Sink struct {
	conn  driver.Conn
	table string
}

func (s *Sink) Connect(raw json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse clickhouse config: %w", err)
	}
	cfg.defaults()
	if !identifier.MatchString(cfg.Table) {
		return fmt.Errorf("invalid clickhouse table name %q", cfg.Table)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{Database: cfg.Database, Username: cfg.Username, Password: cfg.Password},
	})
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTable(cfg.Table)); err != nil {
		conn.Close()
		return fmt.Errorf("create audit table: %w", err)
	}
	s.conn = conn
	s.table = cfg.Table
	return nil
}

func (c *Config) defaults() {
	if len(c.Addr) == 0 {
		c.Addr = []string{util.GetEnvOrDefault("SQLAPI_CLICKHOUSE_ADDR", "localhost:9000")}
	}
	c.Database = cmp.Or(c.Database, util.GetEnvOrDefault("SQLAPI_CLICKHOUSE_DATABASE", "default"))
	c.Username = cmp.Or(c.Username, util.GetEnvOrDefault("SQLAPI_CLICKHOUSE_USERNAME", "default"))
	c.Password = cmp.Or(c.Password, util.GetEnvOrDefault("SQLAPI_CLICKHOUSE_PASSWORD", ""))
	c.Table = cmp.Or(c.Table, "audit_log")
}

func createTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	message String,
	action LowCardinality(String),
	user String,
	request_id String,
	prev_request_id String,
	date DateTime64(3, 'UTC'),
	change_parameters String,
	current_status String,
	prev_status String
) ENGINE = MergeTree ORDER BY (date, request_id)`, table)
}

func insert(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (message, action, user, request_id, prev_request_id, date,
	change_parameters, current_status, prev_status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
}

// row flattens e into insert arguments. Status values are stored as JSON text.
func row(e audit.Entry) ([]any, error) {
	args := []any{e.Message, e.Action, e.User, e.RequestID, e.PrevRequestID, e.Date}
	for _, v := range []any{e.ChangeParameters, e.CurrentStatus, e.PrevStatus} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal audit entry: %w", err)
		}
		args = append(args, string(data))
	}
	return args, nil
}

func (s *Sink) Publish(ctx context.Context, e audit.Entry) error {
	if s.conn == nil {
		return errNotConnected
	}
	args, err := row(e)
	if err != nil {
		return err
	}
	if err := s.conn.Exec(ctx, insert(s.table), args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func init() {
	audit.RegisterSink(audit.SinkClickHouse, func() audit.Sink { return &Sink{} })
}
