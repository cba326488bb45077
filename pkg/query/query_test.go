package query

import (
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pg = New(sqlbuilder.PostgreSQL)

func TestForDriver(t *testing.T) {
	for driver, flavor := range map[string]sqlbuilder.Flavor{
		"postgres": sqlbuilder.PostgreSQL,
		"sqlite":   sqlbuilder.SQLite,
		"mysql":    sqlbuilder.MySQL,
	} {
		b, err := ForDriver(driver)
		require.NoError(t, err)
		assert.Equal(t, flavor, b.Flavor())
	}

	_, err := ForDriver("oracle")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestSelect(t *testing.T) {
	t.Run("filters are sorted by column", func(t *testing.T) {
		sql, args, err := pg.Select("author", []string{"id", "name"}, map[string]Filter{
			"name":    {Op: "=", Value: "Ann"},
			"deleted": {Op: "isnull"},
		}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "id", "name" FROM "author" WHERE "deleted" IS NULL AND "name" = $1`, sql)
		assert.Equal(t, []any{"Ann"}, args)
	})

	t.Run("operators", func(t *testing.T) {
		tests := []struct {
			op   string
			want string
		}{
			{"=", `"n" = $1`},
			{"!=", `"n" <> $1`},
			{"<>", `"n" <> $1`},
			{">", `"n" > $1`},
			{">=", `"n" >= $1`},
			{"<", `"n" < $1`},
			{"<=", `"n" <= $1`},
			{"LIKE", `"n" LIKE $1`},
			{"isnotnull", `"n" IS NOT NULL`},
		}
		for _, tt := range tests {
			sql, _, err := pg.Select("t", []string{"n"}, map[string]Filter{"n": {Op: tt.op, Value: 1}}, nil, nil)
			require.NoError(t, err, tt.op)
			assert.Equal(t, `SELECT "n" FROM "t" WHERE `+tt.want, sql, tt.op)
		}
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, _, err := pg.Select("t", []string{"n"}, map[string]Filter{"n": {Op: "~"}}, nil, nil)
		assert.ErrorIs(t, err, ErrUnknownOperator)
	})

	t.Run("order and size", func(t *testing.T) {
		sql, _, err := pg.Select("author", []string{"id"}, nil,
			&Order{Field: []string{"name", "id"}, Direction: "DESC"},
			&Size{Limit: 10, Offset: 20})
		require.NoError(t, err)
		assert.Contains(t, sql, `SELECT "id" FROM "author" ORDER BY "name", "id" DESC`)
		assert.Contains(t, sql, "LIMIT")
		assert.Contains(t, sql, "OFFSET")
	})

	t.Run("sqlite placeholders", func(t *testing.T) {
		sql, _, err := New(sqlbuilder.SQLite).Select("author", []string{"id"},
			map[string]Filter{"id": {Op: "=", Value: 3}}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, `SELECT "id" FROM "author" WHERE "id" = ?`, sql)
	})

	t.Run("mysql quoting", func(t *testing.T) {
		sql, _, err := New(sqlbuilder.MySQL).Select("author", []string{"id"}, nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "SELECT `id` FROM `author`", sql)
	})
}

func TestCount(t *testing.T) {
	sql, args, err := pg.Count("author", "id", map[string]Filter{"deleted": {Op: "isnull"}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT("id") AS count FROM "author" WHERE "deleted" IS NULL`, sql)
	assert.Empty(t, args)
}

func TestInsert(t *testing.T) {
	params := map[string]any{"name": "Ann", "asin": "B1", "unknown": 1}

	sql, args, err := pg.Insert("author", []string{"id", "name", "asin"}, params)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "author" ("name", "asin") VALUES ($1, $2)`, sql)
	assert.Equal(t, []any{"Ann", "B1"}, args)

	sql, _, err = pg.InsertReturning("author", []string{"name"}, params, "id")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "author" ("name") VALUES ($1) RETURNING "id"`, sql)

	sql, _, err = New(sqlbuilder.MySQL).InsertReturning("author", []string{"name"}, params, "id")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `author` (`name`) VALUES (?)", sql)
}

func TestInsertBatch(t *testing.T) {
	sql, args, err := pg.InsertBatch("author", []string{"id", "name", "asin"}, []map[string]any{
		{"name": "Ann"},
		{"name": "Bob", "asin": "B2"},
	})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "author" ("name", "asin") VALUES ($1, $2), ($3, $4)`, sql)
	assert.Equal(t, []any{"Ann", nil, "Bob", "B2"}, args)
}

func TestUpdate(t *testing.T) {
	sql, args, err := pg.Update("author", []string{"id", "name", "updated"},
		map[string]any{"id": 7, "name": "Ann", "updated": "2024-01-01T00:00:00", "extra": true}, "id")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "author" SET "name" = $1, "updated" = $2 WHERE "id" = $3`, sql)
	assert.Equal(t, []any{"Ann", "2024-01-01T00:00:00", 7}, args)
}

func TestNoColumns(t *testing.T) {
	cols := []string{"id", "name"}

	_, _, err := pg.Update("author", cols, map[string]any{"id": 7, "extra": true}, "id")
	assert.ErrorIs(t, err, ErrNoColumns)

	_, _, err = pg.Insert("author", cols, map[string]any{})
	assert.ErrorIs(t, err, ErrNoColumns)

	_, _, err = pg.InsertReturning("author", cols, map[string]any{"extra": true}, "id")
	assert.ErrorIs(t, err, ErrNoColumns)

	_, _, err = pg.InsertBatch("author", cols, []map[string]any{{}, {}})
	assert.ErrorIs(t, err, ErrNoColumns)
}

func TestDelete(t *testing.T) {
	sql, args := pg.Delete("author", "id", 7)
	assert.Equal(t, `DELETE FROM "author" WHERE "id" = $1`, sql)
	assert.Equal(t, []any{7}, args)
}

func TestCascadeJoin(t *testing.T) {
	sql, args := pg.CascadeJoin("book", "id", "book_tag", "tag_id", "book_id", 3)
	assert.Equal(t,
		`SELECT "book"."id" FROM "book" JOIN "book_tag" ON "book_tag"."book_id" = "book"."id" WHERE "book_tag"."tag_id" = $1`,
		sql)
	assert.Equal(t, []any{3}, args)
}

func TestIDsIn(t *testing.T) {
	sql, args, err := pg.IDsIn("author", "id", []any{1, 2, 3}, map[string]Filter{"deleted": {Op: "isnull"}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "author" WHERE "id" IN ($1, $2, $3) AND "deleted" IS NULL`, sql)
	assert.Equal(t, []any{1, 2, 3}, args)
}

func TestValidOperator(t *testing.T) {
	for _, op := range Operators {
		assert.True(t, ValidOperator(op), op)
	}
	assert.True(t, ValidOperator("LIKE"))
	assert.False(t, ValidOperator("between"))
}

func TestBind(t *testing.T) {
	t.Run("postgres", func(t *testing.T) {
		sql, args, err := pg.Bind(
			"SELECT * FROM author WHERE name = :name AND created::date > :since AND note <> ':skip'",
			map[string]any{"name": "Ann", "since": "2024-01-01", "unused": 1})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM author WHERE name = $1 AND created::date > $2 AND note <> ':skip'", sql)
		assert.Equal(t, []any{"Ann", "2024-01-01"}, args)
	})

	t.Run("sqlite", func(t *testing.T) {
		sql, args, err := New(sqlbuilder.SQLite).Bind("SELECT COUNT(*) AS total FROM book WHERE author_id = :id", map[string]any{"id": 4})
		require.NoError(t, err)
		assert.Equal(t, "SELECT COUNT(*) AS total FROM book WHERE author_id = ?", sql)
		assert.Equal(t, []any{4}, args)
	})

	t.Run("dollar signs survive", func(t *testing.T) {
		sql, args, err := pg.Bind("SELECT '$5' AS price", nil)
		require.NoError(t, err)
		assert.Equal(t, "SELECT '$5' AS price", sql)
		assert.Empty(t, args)
	})

	t.Run("missing parameter", func(t *testing.T) {
		_, _, err := pg.Bind("SELECT * FROM author WHERE id = :id", map[string]any{})
		assert.ErrorIs(t, err, ErrMissingParameter)
	})

	assert.Equal(t, []string{"id", "name"}, Placeholders("SELECT :id, :name, :id"))
}
