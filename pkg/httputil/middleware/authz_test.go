package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func TestSchemeAuth(t *testing.T) {
	schemes := map[string]any{
		"basic":  map[string]any{"type": "http", "scheme": "basic"},
		"bearer": map[string]any{"type": "http", "scheme": "bearer"},
		"oidc":   map[string]any{"type": "openIdConnect", "openIdConnectUrl": "https://issuer.example/.well-known/openid-configuration"},
		"key":    map[string]any{"type": "apiKey", "in": "header", "name": "X-Api-Key"},
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/read/authors", nil)
	withBasic := anonymous.WithContext(context.WithValue(anonymous.Context(), httputil.BasicAuthCtxKey, "jane"))
	withToken := anonymous.WithContext(context.WithValue(anonymous.Context(), httputil.OIDCUserCtxKey,
		&oidc.IntrospectionResponse{Active: true, Subject: "1", Scope: oidc.SpaceDelimitedArray{"read"}}))
	withKey := httptest.NewRequest(http.MethodGet, "/read/authors", nil)
	withKey.Header.Set("X-Api-Key", "secret")

	tests := []struct {
		name     string
		security []map[string][]string
		r        *http.Request
		want     bool
	}{
		{name: "no requirements", r: anonymous, want: true},
		{name: "basic satisfied", security: []map[string][]string{{"basic": {}}}, r: withBasic, want: true},
		{name: "basic missing", security: []map[string][]string{{"basic": {}}}, r: anonymous, want: false},
		{name: "alternatives", security: []map[string][]string{{"basic": {}}, {"bearer": {}}}, r: withToken, want: true},
		{name: "all schemes of a requirement", security: []map[string][]string{{"basic": {}, "bearer": {}}}, r: withToken, want: false},
		{name: "scope granted", security: []map[string][]string{{"oidc": {"read"}}}, r: withToken, want: true},
		{name: "scope missing", security: []map[string][]string{{"oidc": {"write"}}}, r: withToken, want: false},
		{name: "api key header", security: []map[string][]string{{"key": {}}}, r: withKey, want: true},
		{name: "unknown scheme", security: []map[string][]string{{"nope": {}}}, r: withBasic, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SchemeAuth(schemes, tt.security, tt.r, "Author", http.MethodGet))
		})
	}
}
