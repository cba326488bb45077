package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/util"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// OIDCProviderConfig holds the configuration for token introspection.
type OIDCProviderConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Issuer       string `json:"issuer"`
	// UserClaim is a jq-like path into the token claims naming the user recorded in audit
	// entries, e.g. "email" or "user.login". Empty keeps the introspected username.
	UserClaim string `json:"user_claim"`
	// CacheTTL is how long an active introspection result is reused. Keep it below the token
	// lifetime. Zero disables caching.
	CacheTTL time.Duration `json:"cache_ttl"`
}

var ErrInactiveToken = errors.New("inactive token")

// IntrospectFunc resolves a bearer token to its introspection response.
type IntrospectFunc func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error)

// OIDCVerifier validates bearer tokens against the issuer's introspection endpoint.
type OIDCVerifier struct {
	introspect IntrospectFunc
	cache      *Cache[*oidc.IntrospectionResponse]
	config     OIDCProviderConfig
}

// NewOIDCVerifier discovers the issuer and authenticates as the configured resource server.
func NewOIDCVerifier(ctx context.Context, cfg OIDCProviderConfig) (*OIDCVerifier, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, errors.New("oidc: issuer, client_id and client_secret are required")
	}
	provider, err := rs.NewResourceServerClientCredentials(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("oidc: create resource server: %w", err)
	}
	return NewOIDCVerifierWith(cfg, func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return rs.Introspect[*oidc.IntrospectionResponse](ctx, provider, token)
	}), nil
}

// NewOIDCVerifierWith builds a verifier around an introspection function.
func NewOIDCVerifierWith(cfg OIDCProviderConfig, introspect IntrospectFunc) *OIDCVerifier {
	return &OIDCVerifier{
		introspect: introspect,
		cache:      NewCache[*oidc.IntrospectionResponse](),
		config:     cfg,
	}
}

// Verify returns the active introspection response of token.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
	key := tokenKey(token)
	if v.config.CacheTTL > 0 {
		if user, ok := v.cache.Get(key); ok {
			return user, nil
		}
	}

	user, err := v.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, ErrInactiveToken
	}
	if v.config.UserClaim != "" {
		if name, err := util.Jq(user.Claims, v.config.UserClaim); err == nil {
			if s, ok := name.(string); ok {
				user.Username = s
			}
		}
	}

	if v.config.CacheTTL > 0 {
		v.cache.Set(key, user, v.config.CacheTTL)
	}
	return user, nil
}

// VerifyOIDCToken is middleware that verifies bearer tokens in Authorization headers.
// By default, it sends a 401 Unauthorized response if the token is missing or invalid.
// If send401Unauthorized is false, requests without a valid bearer token continue without a
// user, so other schemes (e.g. Basic Auth) and the endpoint's own auth check can decide.
func VerifyOIDCToken(v *OIDCVerifier, send401Unauthorized ...bool) func(http.Handler) http.Handler {
	send401 := true
	if len(send401Unauthorized) > 0 {
		send401 = send401Unauthorized[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			if !strings.EqualFold(scheme, "bearer") || token == "" {
				if send401 {
					httputil.Error(w, http.StatusUnauthorized, "Bearer token missing")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := v.Verify(r.Context(), token)
			if err != nil {
				if send401 {
					httputil.Error(w, http.StatusUnauthorized, "Invalid token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.OIDCUserCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
