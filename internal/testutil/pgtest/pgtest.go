// Package pgtest connects tests to the Postgres database named by TEST_DATABASE. Tests that
// need it skip themselves when the variable is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

const EnvVar = "TEST_DATABASE"

// Skip skips t unless EnvVar is set.
func Skip(t testing.TB) {
	t.Helper()
	if os.Getenv(EnvVar) == "" {
		t.Skip(EnvVar + " not set")
	}
}

// ParseConfig parses EnvVar and forwards server notices to the test log.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	config, err := pgx.ParseConfig(os.Getenv(EnvVar))
	require.NoError(t, err)
	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("postgres %s: %s", n.Severity, n.Message)
	}
	return config
}

// Connect opens a connection that is closed when the test ends.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})
	return conn
}
