package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/httputil"
)

// SchemeAuth decides whether r satisfies the OpenAPI security requirements of an endpoint,
// using the users put in the context by VerifyBasicAuth and VerifyOIDCToken. An empty
// requirement list allows every request. Requirements are alternatives; every scheme named in
// one requirement must be satisfied.
//
// Its signature matches rest.AuthFunc.
func SchemeAuth(securitySchemes map[string]any, security []map[string][]string, r *http.Request, _, _ string) bool {
	if len(security) == 0 {
		return true
	}
	for _, requirement := range security {
		if satisfies(securitySchemes, requirement, r) {
			return true
		}
	}
	return false
}

func satisfies(securitySchemes map[string]any, requirement map[string][]string, r *http.Request) bool {
	for name, scopes := range requirement {
		scheme, ok := securitySchemes[name].(map[string]any)
		if !ok {
			return false
		}
		if !schemeSatisfied(scheme, scopes, r) {
			return false
		}
	}
	return true
}

func schemeSatisfied(scheme map[string]any, scopes []string, r *http.Request) bool {
	kind, _ := scheme["type"].(string)
	switch kind {
	case "http":
		s, _ := scheme["scheme"].(string)
		if strings.EqualFold(s, "basic") {
			_, ok := httputil.BasicAuthUser(r)
			return ok
		}
		return oidcSatisfied(scopes, r)
	case "oauth2", "openIdConnect":
		return oidcSatisfied(scopes, r)
	case "apiKey":
		name, _ := scheme["name"].(string)
		switch scheme["in"] {
		case "header":
			return r.Header.Get(name) != ""
		case "query":
			return r.URL.Query().Get(name) != ""
		case "cookie":
			c, err := r.Cookie(name)
			return err == nil && c.Value != ""
		}
	}
	return false
}

func oidcSatisfied(scopes []string, r *http.Request) bool {
	user, ok := httputil.OIDCUser(r)
	if !ok {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(user.Scope, s) {
			return false
		}
	}
	return true
}
