package rest

import (
	"net/http"

	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/google/uuid"
)

const (
	RequestIDHeader       = "X-Request-Id"
	TracedRequestIDHeader = "X-Traced-Request-Id"
)

// requestID prefers the id assigned by the RequestID middleware, then the incoming header.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(httputil.RequestIDCtxKey).(string); ok && id != "" {
		return id
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.New().String()
}

// tracedRequestID is the id of the request that caused this one, if the caller sent it.
func tracedRequestID(r *http.Request) string {
	return r.Header.Get(TracedRequestIDHeader)
}

// user is the authenticated principal recorded in audit entries.
func user(r *http.Request) string {
	if u, ok := httputil.BasicAuthUser(r); ok {
		return u
	}
	if u, ok := httputil.OIDCUser(r); ok {
		if u.Username != "" {
			return u.Username
		}
		return u.Subject
	}
	return ""
}
