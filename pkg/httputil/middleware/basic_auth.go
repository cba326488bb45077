package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/edgeflare/sqlapi/pkg/httputil"
)

// BasicAuthConfig holds the username-password pairs for basic authentication.
type BasicAuthConfig struct {
	Credentials map[string]string
	Realm       string
}

// BasicAuthCreds creates a BasicAuthConfig with multiple username/password pairs.
func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{Credentials: credentials, Realm: "Restricted"}
}

// Check reports whether username and password match a configured pair.
func (c *BasicAuthConfig) Check(username, password string) bool {
	want, ok := c.Credentials[username]
	return ok && subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// VerifyBasicAuth is a middleware function for basic authentication. With send401Unauthorized
// false, requests without valid credentials continue without a user instead of being
// rejected.
func VerifyBasicAuth(config *BasicAuthConfig, send401Unauthorized ...bool) func(http.Handler) http.Handler {
	send401 := true
	if len(send401Unauthorized) > 0 {
		send401 = send401Unauthorized[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			switch {
			case ok && config.Check(username, password):
				ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
				next.ServeHTTP(w, r.WithContext(ctx))
			case !send401:
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("WWW-Authenticate", `Basic realm="`+config.Realm+`"`)
				if r.Header.Get("Authorization") == "" {
					httputil.Error(w, http.StatusUnauthorized, "Authorization header missing")
				} else {
					httputil.Error(w, http.StatusUnauthorized, "Invalid credentials")
				}
			}
		})
	}
}
