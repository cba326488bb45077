package pgx

import (
	"context"
	"testing"

	"github.com/edgeflare/sqlapi/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The schema loader runs on the source pool; the Postgres audit sink may be handed a single
// connection.
var (
	_ Conn = (*pgx.Conn)(nil)
	_ Conn = (*pgxpool.Pool)(nil)
)

func TestConnImplementations(t *testing.T) {
	pgtest.Skip(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, pgtest.ParseConfig(t).ConnString())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for name, conn := range map[string]Conn{
		"conn": pgtest.Connect(ctx, t),
		"pool": pool,
	} {
		t.Run(name, func(t *testing.T) {
			var n int
			require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM information_schema.tables WHERE table_schema = $1", "public").Scan(&n))
			assert.GreaterOrEqual(t, n, 0)

			tag, err := conn.Exec(ctx, "SELECT 1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), tag.RowsAffected())
		})
	}
}
