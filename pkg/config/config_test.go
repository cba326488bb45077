package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfig = `
app:
  name: library
  port: 9000
environment:
  APP_DB_URL: $TEST_LIBRARY_DB_URL
logger:
  sql:
    level: 40
database:
  driver: sqlite
  statement_timeout: 2s
  defaults:
    tables:
      fields_excluded:
        all: [secret]
      extensions:
        on_create_timestamp:
          enable: true
          default_field: created
        audit_logger:
          package: audit
          handler: log
  tables:
    - name: author
      fields_excluded:
        GET:
          LIST: [asin, secret]
        PUT:
          SINGLE: [id]
      extensions:
        soft_delete:
          enable: true
          default_field: deleted
          cascade:
            one_to_many:
              - table: book
                column_id: id
                column_fk: author_id
        validators:
          name:
            - handler: length
              handler_args:
                max: 10
    - name: book_author
      alias: writer
      api_endpoints:
        DELETE: []
  sql:
    - name: AuthorsByName
      url: /authors/by-name
      sql: SELECT * FROM author WHERE name = :name
      request_schema:
        type: object
        additionalProperties: false
  templates:
    - name: BookCount
      method: post
      url: /books/count
      template: ./count.sql
`

func parseYAML(t *testing.T, doc string) *Config {
	t.Helper()
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &raw))
	cfg, err := Parse(raw)
	require.NoError(t, err)
	return cfg
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.App.Name)
	assert.Equal(t, "0.0", cfg.App.Version)
	assert.Equal(t, "/swagger", cfg.App.SwaggerURL)
	assert.Equal(t, "/doc", cfg.App.SwaggerUIURL)
	assert.Equal(t, "0.0.0.0", cfg.App.Host)
	assert.Equal(t, 8000, cfg.App.Port)
	assert.True(t, cfg.App.Debug)
	assert.False(t, cfg.App.Auth.Strict)

	assert.Equal(t, "this-is-not-so-secret", cfg.Environment["APP_SECRET_KEY"])
	for _, name := range []string{"app", "audit_logger", "error_handler", "sql"} {
		assert.Equal(t, LoggerConfig{Output: "stdout", Level: "10"}, cfg.Logger[name], name)
	}
	assert.Empty(t, cfg.Sources)
}

func TestParse(t *testing.T) {
	t.Setenv("TEST_LIBRARY_DB_URL", "file:library.db")
	cfg := parseYAML(t, testConfig)

	assert.Equal(t, "library", cfg.App.Name)
	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, "/swagger", cfg.App.SwaggerURL)
	assert.Equal(t, "file:library.db", cfg.Environment["APP_DB_URL"])
	assert.Equal(t, "40", cfg.Logger["sql"].Level)
	assert.Equal(t, "stdout", cfg.Logger["sql"].Output)

	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "default", src.Name)
	assert.Equal(t, "sqlite", src.Driver)
	assert.Equal(t, "file:library.db", src.URL)
	assert.Equal(t, "public", src.Schema)
	assert.Equal(t, 2*time.Second, src.StatementTimeout)
	assert.False(t, src.TransactionalBatches)
	assert.Equal(t, "audit.log", src.AuditLogger.Key())

	t.Run("table merge", func(t *testing.T) {
		require.Len(t, src.Tables, 2)
		author := src.Tables[0]
		assert.Equal(t, "author", author.Name)
		assert.Equal(t, "id", author.IDField)

		// inherited from defaults.tables
		assert.True(t, author.Extensions.OnCreateTimestamp.Enable)
		assert.Equal(t, "created", author.Extensions.OnCreateTimestamp.DefaultField)
		// table level
		assert.True(t, author.Extensions.SoftDelete.Enable)
		assert.Equal(t, "deleted", author.Extensions.SoftDelete.DefaultField)
		require.Len(t, author.Extensions.SoftDelete.Cascade.OneToMany, 1)
		assert.Equal(t, OneToMany{Table: "book", ColumnID: "id", ColumnFK: "author_id"},
			author.Extensions.SoftDelete.Cascade.OneToMany[0])
		assert.False(t, author.Extensions.OnUpdateTimestamp.Enable)

		require.Len(t, author.Extensions.Validators["name"], 1)
		assert.Equal(t, "length", author.Extensions.Validators["name"][0].Key())
		assert.EqualValues(t, 10, author.Extensions.Validators["name"][0].HandlerArgs["max"])

		for _, verb := range Verbs {
			for _, action := range Actions {
				assert.True(t, author.Endpoint(verb, action), "%s %s", verb, action)
			}
		}

		writer := src.Tables[1]
		assert.Equal(t, "writer", writer.Alias)
		assert.False(t, writer.Endpoint(DELETE, Single))
		assert.False(t, writer.Endpoint(DELETE, List))
		assert.True(t, writer.Endpoint(GET, List))
		assert.False(t, writer.Extensions.SoftDelete.Enable)
	})

	t.Run("fields excluded", func(t *testing.T) {
		fe := src.Tables[0].FieldsExcluded
		assert.Equal(t, []string{"secret"}, fe.All)
		assert.Equal(t, []string{"asin", "secret"}, fe.For(GET, List))
		assert.Equal(t, []string{"secret"}, fe.For(GET, Single))
		assert.Equal(t, []string{"id", "secret"}, fe.For(PUT, Single))
		assert.True(t, fe.Excludes(POST, List, "secret"))

		for _, verb := range []string{GET, PUT, POST} {
			for _, action := range Actions {
				assert.Subset(t, fe.For(verb, action), fe.All)
			}
		}
	})

	t.Run("sql entries keep key case", func(t *testing.T) {
		require.Len(t, src.SQL, 1)
		q := src.SQL[0]
		assert.Equal(t, "AuthorsByName", q.Name)
		assert.Equal(t, GET, q.Method)
		assert.Equal(t, false, q.RequestSchema["additionalProperties"])

		require.Len(t, src.Templates, 1)
		assert.Equal(t, POST, src.Templates[0].Method)
		assert.Equal(t, "./count.sql", src.Templates[0].Template)
	})
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "lifecycle without default_field",
			doc: `
database:
  tables:
    - name: author
      extensions:
        soft_delete:
          enable: true`,
			want: "soft_delete is enabled but there is not default_field",
		},
		{
			name: "table without name",
			doc: `
database:
  tables:
    - alias: x`,
			want: "table entry without name",
		},
		{
			name: "sql without sql",
			doc: `
database:
  sql:
    - name: Q
      url: /q`,
			want: `sql "Q" requires sql`,
		},
		{
			name: "duplicate database",
			doc: `
databases:
  - name: a
  - name: a`,
			want: `database "a" is already defined`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]any
			require.NoError(t, yaml.Unmarshal([]byte(tt.doc), &raw))
			_, err := Parse(raw)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultsNotMutated(t *testing.T) {
	parseYAML(t, testConfig)
	cfg := parseYAML(t, `database: {tables: [{name: author}]}`)

	author := cfg.Sources[0].Tables[0]
	assert.False(t, author.Extensions.SoftDelete.Enable)
	assert.Empty(t, author.FieldsExcluded.All)
	assert.Equal(t, "audit.null", cfg.Sources[0].AuditLogger.Key())
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		driver, url      string
		wantDrv, wantURL string
	}{
		{"", "postgres://localhost/db", "postgres", "postgres://localhost/db"},
		{"", "sqlite://app.db", "sqlite", "app.db"},
		{"", ":memory:", "sqlite", ":memory:"},
		{"sqlite3", "file:x?mode=memory", "sqlite", "file:x?mode=memory"},
		{"POSTGRES", "host=localhost", "postgres", "host=localhost"},
	}
	for _, tt := range tests {
		drv, url := driverFor(tt.driver, tt.url)
		assert.Equal(t, tt.wantDrv, drv, tt.url)
		assert.Equal(t, tt.wantURL, url, tt.url)
	}
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "BookAuthor", ModelName("book_author"))
	assert.Equal(t, "Author", ModelName("author"))
	assert.Equal(t, "author", Slug("Author"))
	assert.Equal(t, "authors", PluralSlug("author"))
	assert.Equal(t, "sheep-list", PluralSlug("sheep"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	t.Setenv("SQLAPI_APP_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.App.Port)
	assert.Equal(t, "library", cfg.App.Name)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, false, cfg.Sources[0].SQL[0].RequestSchema["additionalProperties"])

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestExportEnvironment(t *testing.T) {
	t.Setenv("SQLAPI_TEST_PRESET", "kept")
	cfg := &Config{Environment: map[string]string{
		"SQLAPI_TEST_PRESET": "overwritten",
		"SQLAPI_TEST_NEW":    "set",
	}}
	t.Cleanup(func() { os.Unsetenv("SQLAPI_TEST_NEW") })

	cfg.ExportEnvironment()
	assert.Equal(t, "kept", os.Getenv("SQLAPI_TEST_PRESET"))
	assert.Equal(t, "set", os.Getenv("SQLAPI_TEST_NEW"))
}

func TestResolve(t *testing.T) {
	cache := schema.NewStaticCache(
		schema.Table{Name: "author", Columns: []schema.Column{
			{Name: "id", DataType: "integer", IsPrimaryKey: true},
			{Name: "name", DataType: "text"},
			{Name: "asin", DataType: "text", IsNullable: true},
			{Name: "secret", DataType: "text", IsNullable: true},
		}},
		schema.Table{Name: "book", Columns: []schema.Column{
			{Name: "id", DataType: "integer", IsPrimaryKey: true},
		}},
	)
	inspectors := map[string]Inspector{"default": cache}

	t.Run("ok", func(t *testing.T) {
		cfg := parseYAML(t, `
database:
  tables:
    - name: author
      fields_excluded:
        all: [secret]
        GET:
          LIST: [asin]
    - name: book
      alias: novel`)
		r, err := Resolve(cfg, inspectors)
		require.NoError(t, err)
		require.Len(t, r.Tables, 2)

		author, ok := r.Table("default", "author")
		require.True(t, ok)
		assert.Equal(t, "Author", author.ModelName)
		assert.Equal(t, "author", author.Slug)
		assert.Equal(t, "authors", author.PluralSlug)
		assert.Equal(t, schema.Int, author.IDColumn().Type)

		names := func(cols []schema.Column) []string {
			var out []string
			for _, c := range cols {
				out = append(out, c.Name)
			}
			return out
		}
		assert.Equal(t, []string{"id", "name", "asin"}, names(author.AllowedColumns(GET, Single)))
		assert.Equal(t, []string{"id", "name"}, names(author.AllowedColumns(GET, List)))

		book, _ := r.Table("default", "book")
		assert.Equal(t, "Novel", book.ModelName)
		assert.Equal(t, "novels", book.PluralSlug)
		assert.Len(t, r.SourceTables("default"), 2)
	})

	t.Run("duplicate model name", func(t *testing.T) {
		cfg := parseYAML(t, `
database:
  tables:
    - name: author
    - name: book
      alias: author`)
		_, err := Resolve(cfg, inspectors)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "Table 'book' with alias 'author' is already defined")
	})

	t.Run("missing table", func(t *testing.T) {
		cfg := parseYAML(t, `database: {tables: [{name: publisher}]}`)
		_, err := Resolve(cfg, inspectors)
		var notExist *TableNotExistError
		require.True(t, errors.As(err, &notExist))
		assert.Equal(t, "publisher", notExist.Table)
	})

	t.Run("missing id field", func(t *testing.T) {
		cfg := parseYAML(t, `database: {tables: [{name: book, id_field: isbn}]}`)
		_, err := Resolve(cfg, inspectors)
		var notExist *ColumnNotExistError
		require.ErrorAs(t, err, &notExist)
		assert.Equal(t, "isbn", notExist.Column)
	})

	t.Run("missing inspector", func(t *testing.T) {
		cfg := parseYAML(t, `database: {name: other, tables: [{name: book}]}`)
		_, err := Resolve(cfg, inspectors)
		assert.Error(t, err)
	})
}
