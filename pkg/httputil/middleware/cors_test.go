package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSWithOptions(t *testing.T) {
	tests := []struct {
		name            string
		options         *CORSOptions
		method          string
		origin          string
		expectedHeaders map[string]string
		expectedStatus  int
	}{
		{
			name:    "defaults echo the origin for credentialed requests",
			method:  http.MethodGet,
			origin:  "https://app.example",
			options: nil,
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "https://app.example",
				"Access-Control-Allow-Methods":     "GET,POST,PUT,DELETE,OPTIONS",
				"Access-Control-Expose-Headers":    "X-Request-Id",
				"Access-Control-Allow-Credentials": "true",
				"Vary":                             "Origin",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "wildcard without credentials",
			method: http.MethodGet,
			origin: "https://app.example",
			options: &CORSOptions{
				AllowedOrigins: []string{"*"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin": "*",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "listed origin",
			method: http.MethodGet,
			origin: "http://example.com",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com"},
				AllowedMethods: []string{"GET", "POST"},
				AllowedHeaders: []string{"Content-Type"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "http://example.com",
				"Access-Control-Allow-Methods": "GET,POST",
				"Access-Control-Allow-Headers": "Content-Type",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "unlisted origin",
			method: http.MethodGet,
			origin: "http://evil.example",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "empty options",
			method:  http.MethodGet,
			origin:  "http://example.com",
			options: &CORSOptions{},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "",
				"Access-Control-Allow-Methods": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "preflight request",
			method:         http.MethodOptions,
			origin:         "https://app.example",
			options:        nil,
			expectedStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://api.example/read/authors", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()

			handler := CORSWithOptions(tt.options)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rr, req)

			for header, expected := range tt.expectedHeaders {
				assert.Equal(t, expected, rr.Header().Get(header), header)
			}
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}
