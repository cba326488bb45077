package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, args map[string]any) *Sink {
	t.Helper()
	s, err := audit.Open(config.ExtensionConfig{Package: "audit", Handler: audit.SinkHTTP, HandlerArgs: args})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.(*Sink)
}

func TestPublish(t *testing.T) {
	var got audit.Entry
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "tenant-a", r.Header.Get("X-Tenant"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("AUDIT_TOKEN", "s3cret")
	s := connect(t, map[string]any{
		"endpoints": []any{map[string]any{"url": srv.URL, "headers": map[string]any{"X-Tenant": "tenant-a"}}},
		"auth":      map[string]any{"type": "bearer", "token": "$AUDIT_TOKEN"},
	})

	err := s.Publish(context.Background(), audit.Entry{Message: "Create book record", Action: audit.ActionCreate, RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "Create book record", got.Message)
	assert.Equal(t, "r1", got.RequestID)
}

func TestPublishRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := connect(t, map[string]any{
		"endpoints": []any{map[string]any{"url": srv.URL}},
		"retry":     map[string]any{"max_retries": 5, "initial_wait": "1ms", "max_wait": "50ms"},
	})
	require.NoError(t, s.Publish(context.Background(), audit.Entry{Action: audit.ActionUpdate}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPublishClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := connect(t, map[string]any{
		"endpoints": []any{map[string]any{"url": srv.URL}},
		"retry":     map[string]any{"initial_wait": "1ms", "max_wait": "5ms"},
	})
	err := s.Publish(context.Background(), audit.Entry{Action: audit.ActionDelete})
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no endpoints", `{}`, "no endpoints"},
		{"no url", `{"endpoints":[{}]}`, "has no url"},
		{"bad timeout", `{"endpoints":[{"url":"http://x"}],"timeout":"soon"}`, "invalid timeout"},
		{"api key missing", `{"endpoints":[{"url":"http://x"}],"auth":{"type":"apikey"}}`, "requires an API key"},
		{"basic incomplete", `{"endpoints":[{"url":"http://x"}],"auth":{"type":"basic","username":"u"}}`, "username and password"},
		{"unsupported", `{"endpoints":[{"url":"http://x"}],"auth":{"type":"oauth2"}}`, "unsupported auth type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sink{}
			assert.ErrorContains(t, s.Connect(json.RawMessage(tt.raw)), tt.want)
		})
	}
}

func TestHeaders(t *testing.T) {
	s := &Sink{}
	require.NoError(t, s.Connect(json.RawMessage(`{"endpoints":[{"url":"http://x"}],"auth":{"type":"apikey","api_key":"k"}}`)))
	h := s.headers(s.endpoints[0])
	assert.Equal(t, []string{"k"}, h["X-API-Key"])
	assert.Equal(t, http.MethodPost, s.endpoints[0].Method)

	s = &Sink{}
	require.NoError(t, s.Connect(json.RawMessage(`{"endpoints":[{"url":"http://x"}],"auth":{"type":"basic","username":"u","password":"p"}}`)))
	assert.Equal(t, []string{"Basic dTpw"}, s.headers(s.endpoints[0])["Authorization"])
}
