package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgeflare/sqlapi/internal/testutil/pgtest"
	"github.com/edgeflare/sqlapi/pkg/audit"
	pg "github.com/edgeflare/sqlapi/pkg/pgx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execRecorder struct {
	pg.Conn
	sql  string
	args []any
}

func (r *execRecorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql, r.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPublish(t *testing.T) {
	conn := &execRecorder{}
	s := New(conn, "ops", "")

	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	err := s.Publish(context.Background(), audit.Entry{
		Message:       "Delete author record",
		Action:        audit.ActionSoftDelete,
		RequestID:     "r1",
		Date:          date,
		CurrentStatus: map[string]any{"deleted": "deleted"},
	})
	require.NoError(t, err)
	assert.Contains(t, conn.sql, `INSERT INTO "ops"."audit_log"`)
	require.Len(t, conn.args, 9)
	assert.Equal(t, audit.ActionSoftDelete, conn.args[1])
	assert.Equal(t, date, conn.args[5])
	assert.JSONEq(t, `{"deleted":"deleted"}`, string(conn.args[7].([]byte)))
	assert.NoError(t, s.Close())
}

func TestCreateTable(t *testing.T) {
	s := New(nil, "", "events")
	assert.Contains(t, s.createTable(), `CREATE TABLE IF NOT EXISTS "events"`)
	assert.Contains(t, s.createTable(), "change_parameters jsonb")
}

func TestConnectErrors(t *testing.T) {
	s := &Sink{}
	assert.ErrorContains(t, s.Connect(json.RawMessage(`{}`)), "requires conn_string")
	assert.ErrorIs(t, s.Publish(context.Background(), audit.Entry{}), errNotConnected)
}

func TestSinkRoundTrip(t *testing.T) {
	pgtest.Skip(t)
	ctx := context.Background()
	conn := pgtest.Connect(ctx, t)
	_, err := conn.Exec(ctx, "DROP TABLE IF EXISTS audit_sink_test")
	require.NoError(t, err)

	t.Setenv("AUDIT_PG", pgtest.ParseConfig(t).ConnString())
	s := &Sink{}
	require.NoError(t, s.Connect(json.RawMessage(`{"conn_string":"$AUDIT_PG","table":"audit_sink_test"}`)))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Publish(ctx, audit.Entry{Message: "Create genre record", Action: audit.ActionCreate, Date: time.Now()}))

	var action string
	require.NoError(t, conn.QueryRow(ctx, "SELECT action FROM audit_sink_test").Scan(&action))
	assert.Equal(t, audit.ActionCreate, action)
}
