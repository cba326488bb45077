package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const inventoryDDL = `
CREATE TABLE part (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sku TEXT NOT NULL UNIQUE,
	quantity INTEGER NOT NULL DEFAULT 0,
	deleted TIMESTAMP
);
INSERT INTO part (sku, quantity) VALUES ('bolt-m4', 120), ('nut-m4', 300);
`

const inventoryConfig = `
app:
  name: inventory
  version: "1.2"
  debug: true
  auth:
    strict: true
    basic:
      clerk: s3cret
  security_schemes:
    basic:
      type: http
      scheme: basic
  security:
    - basic: []
database:
  url: %s
  defaults:
    tables:
      extensions:
        soft_delete:
          enable: true
          default_field: deleted
  tables:
    - name: part
`

func newInventory(t *testing.T, doc string) *AppContext {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(inventoryDDL)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(fmt.Appendf(nil, doc, path), &raw))
	cfg, err := config.Parse(raw)
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, WithLoggers(NopLoggers()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, auth bool) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth("clerk", "s3cret")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServe(t *testing.T) {
	a := newInventory(t, inventoryConfig)
	srv := httptest.NewServer(a.Router.Handler())
	defer srv.Close()

	t.Run("health", func(t *testing.T) {
		resp, body := call(t, srv, http.MethodGet, "/health", nil, false)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"OK","databases":{"default":"ok"}}`, string(body))
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})

	t.Run("robots", func(t *testing.T) {
		_, body := call(t, srv, http.MethodGet, "/robots.txt", nil, false)
		assert.Contains(t, string(body), "Disallow: /")
	})

	t.Run("openapi", func(t *testing.T) {
		resp, body := call(t, srv, http.MethodGet, "/swagger", nil, false)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(body, &doc))
		assert.Equal(t, "inventory", doc["info"].(map[string]any)["title"])
		paths := doc["paths"].(map[string]any)
		assert.Contains(t, paths, "/read/part/{id}")
		assert.Contains(t, paths, "/delete/parts")
	})

	t.Run("schema", func(t *testing.T) {
		resp, body := call(t, srv, http.MethodGet, "/_schema/default", nil, false)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "quantity")
	})

	t.Run("strict auth", func(t *testing.T) {
		resp, _ := call(t, srv, http.MethodGet, "/read/part/1", nil, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("create read delete", func(t *testing.T) {
		resp, body := call(t, srv, http.MethodPut, "/create/part", map[string]any{"sku": "washer-m4", "quantity": 50}, true)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var created map[string]any
		require.NoError(t, json.Unmarshal(body, &created))
		id := created["id"]
		require.NotNil(t, id)

		resp, body = call(t, srv, http.MethodGet, "/read/part/3", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "washer-m4")

		resp, _ = call(t, srv, http.MethodDelete, "/delete/part/3", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = call(t, srv, http.MethodGet, "/read/part/3", nil, true)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestNewUnknownTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE other (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg, err := config.Parse(map[string]any{
		"database": map[string]any{"url": path, "tables": []any{map[string]any{"name": "part"}}},
	})
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, WithLoggers(NopLoggers()))
	var te *config.TableNotExistError
	assert.ErrorAs(t, err, &te)
}

func TestNewWithoutDatabase(t *testing.T) {
	cfg, err := config.Parse(map[string]any{})
	require.NoError(t, err)
	_, err = New(context.Background(), cfg, WithLoggers(NopLoggers()))
	var ce *config.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"10", zapcore.DebugLevel, false},
		{"30", zapcore.WarnLevel, false},
		{"50", zapcore.FatalLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"CRITICAL", zapcore.FatalLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"15", zapcore.InfoLevel, true},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoggersFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	ls, err := NewLoggers(map[string]config.LoggerConfig{
		"audit_logger": {Output: path, Level: "20"},
	}, "")
	require.NoError(t, err)

	ls.Audit.Info("Create part record")
	ls.Audit.Debug("not written")
	require.NoError(t, ls.Audit.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Create part record"`)
	assert.Contains(t, string(data), `"logger":"audit_logger"`)
	assert.NotContains(t, string(data), "not written")

	_, err = NewLoggers(map[string]config.LoggerConfig{"sql": {Level: "verbose"}}, "")
	assert.ErrorContains(t, err, "logger sql")
}
