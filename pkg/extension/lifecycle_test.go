package extension

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const libraryDDL = `
CREATE TABLE author (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created DATETIME,
	updated DATETIME,
	deleted DATETIME
);
CREATE TABLE book (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	author_id INTEGER NOT NULL REFERENCES author(id),
	deleted DATETIME
);
CREATE TABLE tag (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	deleted DATETIME
);
CREATE TABLE author_tag (
	author_id INTEGER NOT NULL REFERENCES author(id),
	tag_id INTEGER NOT NULL REFERENCES tag(id)
);
INSERT INTO author (name) VALUES ('Ann'), ('Bob');
INSERT INTO book (title, author_id) VALUES ('A1', 1), ('A2', 1), ('B1', 2);
INSERT INTO tag (name, deleted) VALUES ('poetry', NULL), ('prose', '2020-01-01 00:00:00'), ('drama', NULL);
INSERT INTO author_tag (author_id, tag_id) VALUES (1, 1), (1, 2), (2, 3);
`

type library struct {
	db     *sql.DB
	repo   *repository.Repository
	tables *schema.Cache
}

func newLibrary(t *testing.T) *library {
	t.Helper()
	ctx := context.Background()

	db, err := repository.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.ExecContext(ctx, libraryDDL)
	require.NoError(t, err)

	repo, err := repository.New("default", db, "sqlite")
	require.NoError(t, err)

	tables := schema.NewCache(&schema.SQLiteLoader{DB: db})
	require.NoError(t, tables.Init(ctx))
	return &library{db: db, repo: repo, tables: tables}
}

func (l *library) table(t *testing.T, name string) schema.Table {
	t.Helper()
	tbl, ok := l.tables.Table(name)
	require.True(t, ok, name)
	return tbl
}

// deleted returns the raw stored deletion time of a row, or "" when it is not deleted.
func (l *library) deleted(t *testing.T, table string, id int) string {
	t.Helper()
	var v sql.NullString
	err := l.db.QueryRow(`SELECT CAST(deleted AS TEXT) FROM `+table+` WHERE id = ?`, id).Scan(&v)
	require.NoError(t, err)
	return v.String
}

var authorCascade = config.Cascade{
	OneToMany: []config.OneToMany{{Table: "book", ColumnID: "id", ColumnFK: "author_id"}},
	ManyToMany: []config.ManyToMany{{
		Table: "tag", JoinTable: "author_tag", ColumnID: "id",
		JoinColumns: config.JoinColumns{Main: "author_id", Join: "tag_id"},
	}},
}

func newSoftDelete(t *testing.T, l *library, logger *zap.Logger) *SoftDelete {
	t.Helper()
	ext, err := NewSoftDelete(LifecycleParams{
		Name:       SoftDeleteName,
		Source:     "default",
		Table:      l.table(t, "author"),
		Config:     config.ExtensionConfig{Enable: true, DefaultField: "deleted", Cascade: authorCascade},
		Repository: l.repo,
		Inspector:  l.tables,
		Logger:     logger,
	})
	require.NoError(t, err)
	require.NoError(t, ext.Validate())
	return ext.(*SoftDelete)
}

func TestSoftDeleteCascade(t *testing.T) {
	l := newLibrary(t)
	core, logs := observer.New(zap.DebugLevel)
	sd := newSoftDelete(t, l, zap.New(core))

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sd.Delete(context.Background(), "id", int64(1), now))

	assert.NotEmpty(t, l.deleted(t, "author", 1))
	assert.Empty(t, l.deleted(t, "author", 2), "other parent untouched")

	assert.NotEmpty(t, l.deleted(t, "book", 1))
	assert.NotEmpty(t, l.deleted(t, "book", 2))
	assert.Empty(t, l.deleted(t, "book", 3), "child of another parent untouched")

	assert.NotEmpty(t, l.deleted(t, "tag", 1))
	assert.Equal(t, "2020-01-01 00:00:00", l.deleted(t, "tag", 2), "first deletion time kept")
	assert.Empty(t, l.deleted(t, "tag", 3))

	cascades := logs.FilterMessage("cascading soft delete").All()
	require.Len(t, cascades, 2)
	assert.Equal(t, "book", cascades[0].ContextMap()["child_table"])
	assert.Equal(t, int64(2), cascades[0].ContextMap()["rows"])
	assert.Equal(t, "tag", cascades[1].ContextMap()["child_table"])
	assert.Equal(t, int64(1), cascades[1].ContextMap()["rows"])
}

func TestSoftDeleteBatch(t *testing.T) {
	l := newLibrary(t)
	sd := newSoftDelete(t, l, nil)

	require.NoError(t, sd.DeleteBatch(context.Background(), "id", []any{int64(1), int64(2)}, time.Now()))
	for _, id := range []int{1, 2, 3} {
		assert.NotEmpty(t, l.deleted(t, "book", id))
	}
	assert.NotEmpty(t, l.deleted(t, "tag", 3))
}

func TestSoftDeleteFilters(t *testing.T) {
	l := newLibrary(t)
	sd := newSoftDelete(t, l, nil)

	in := map[string]query.Filter{"name": {Op: "=", Value: "Ann"}}
	filtered := sd.AddQueryFilter(in)
	assert.Len(t, in, 1, "input not modified")
	assert.Equal(t, query.Filter{Op: query.OpIsNull}, filtered["deleted"])

	rows, err := l.repo.FetchBy(context.Background(), "author", []string{"id"}, filtered)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	assert.Equal(t, in, sd.RemoveFilterField(filtered))
}

func TestSoftDeleteValidate(t *testing.T) {
	l := newLibrary(t)

	tests := []struct {
		name    string
		cfg     config.ExtensionConfig
		wantErr error
	}{
		{
			name: "disabled skips checks",
			cfg:  config.ExtensionConfig{DefaultField: "nope"},
		},
		{
			name:    "missing default field",
			cfg:     config.ExtensionConfig{Enable: true, DefaultField: "nope"},
			wantErr: &config.ColumnNotExistError{Extension: SoftDeleteName, Table: "author", Column: "nope"},
		},
		{
			name: "missing cascade table",
			cfg: config.ExtensionConfig{Enable: true, DefaultField: "deleted", Cascade: config.Cascade{
				OneToMany: []config.OneToMany{{Table: "chapter", ColumnID: "id", ColumnFK: "author_id"}},
			}},
			wantErr: &config.TableNotExistError{Source: "default", Table: "chapter"},
		},
		{
			name: "missing cascade fk",
			cfg: config.ExtensionConfig{Enable: true, DefaultField: "deleted", Cascade: config.Cascade{
				OneToMany: []config.OneToMany{{Table: "book", ColumnID: "id", ColumnFK: "writer_id"}},
			}},
			wantErr: &config.ColumnNotExistError{Extension: SoftDeleteName, Table: "book", Column: "writer_id"},
		},
		{
			name: "child without soft delete column",
			cfg: config.ExtensionConfig{Enable: true, DefaultField: "deleted", Cascade: config.Cascade{
				ManyToMany: []config.ManyToMany{{
					Table: "author_tag", JoinTable: "author_tag", ColumnID: "tag_id",
					JoinColumns: config.JoinColumns{Main: "author_id", Join: "tag_id"},
				}},
			}},
			wantErr: &config.ColumnNotExistError{Extension: SoftDeleteName, Table: "author_tag", Column: "deleted"},
		},
		{
			name: "missing join column",
			cfg: config.ExtensionConfig{Enable: true, DefaultField: "deleted", Cascade: config.Cascade{
				ManyToMany: []config.ManyToMany{{
					Table: "tag", JoinTable: "author_tag", ColumnID: "id",
					JoinColumns: config.JoinColumns{Main: "writer_id", Join: "tag_id"},
				}},
			}},
			wantErr: &config.ColumnNotExistError{Extension: SoftDeleteName, Table: "author_tag", Column: "writer_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := NewSoftDelete(LifecycleParams{
				Name: SoftDeleteName, Source: "default", Table: l.table(t, "author"),
				Config: tt.cfg, Repository: l.repo, Inspector: l.tables,
			})
			require.NoError(t, err)
			err = ext.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

func TestTimestamp(t *testing.T) {
	ts := &Timestamp{base: base{name: OnCreateTimestampName, enabled: true, field: "created"}}
	now := time.Now()

	cols := []string{"id", "name"}
	assert.Equal(t, []string{"id", "name", "created"}, ts.SetColumns(cols))
	assert.Equal(t, []string{"id", "name"}, cols)
	assert.Equal(t, []string{"created", "id"}, ts.SetColumns([]string{"created", "id"}))

	params := map[string]any{"name": "Ann"}
	ts.SetFieldData(params, now)
	assert.Equal(t, now, params["created"])

	params = map[string]any{"created": "2020-01-01"}
	ts.SetFieldData(params, now)
	assert.Equal(t, "2020-01-01", params["created"], "caller value kept")

	ts.UnsetFieldData(params)
	assert.NotContains(t, params, "created")
}
