// Package middleware holds the net/http middleware placed in front of the generated endpoints:
// request ids, access logs, CORS, and the basic-auth and OIDC authenticators whose users the
// endpoint auth check and the audit entries read from the request context.
package middleware
