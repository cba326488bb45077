// Package http posts audit entries as JSON to one or more webhooks, retrying server errors with
// exponential backoff.
package http

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/util"
)

type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "apikey"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
)

// AuthConfig values of the form "$NAME" are read from the environment variable NAME.
type AuthConfig struct {
	Type       AuthType `json:"type"`
	APIKey     string   `json:"api_key,omitempty"`
	APIKeyName string   `json:"api_key_name,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Token      string   `json:"token,omitempty"`
}

type RetryConfig struct {
	MaxRetries  int    `json:"max_retries"`
	InitialWait string `json:"initial_wait"`
	MaxWait     string `json:"max_wait"`
}

type EndpointConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Config struct {
	Endpoints []EndpointConfig `json:"endpoints"`
	Auth      AuthConfig       `json:"auth"`
	Timeout   string           `json:"timeout"`
	Retry     RetryConfig      `json:"retry"`
}

type Sink struct {
	client    *http.Client
	endpoints []EndpointConfig
	auth      AuthConfig
	retry     struct {
		max              int
		initial, maxWait time.Duration
	}
}

func (s *Sink) Connect(raw json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("unmarshal http config: %w", err)
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}

	timeout, err := duration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if s.retry.initial, err = duration(cfg.Retry.InitialWait, time.Second); err != nil {
		return fmt.Errorf("invalid retry.initial_wait: %w", err)
	}
	if s.retry.maxWait, err = duration(cfg.Retry.MaxWait, 30*time.Second); err != nil {
		return fmt.Errorf("invalid retry.max_wait: %w", err)
	}
	s.retry.max = cmp.Or(cfg.Retry.MaxRetries, 3)

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].URL == "" {
			return fmt.Errorf("endpoint %d has no url", i)
		}
		cfg.Endpoints[i].Method = cmp.Or(cfg.Endpoints[i].Method, http.MethodPost)
	}
	s.client = &http.Client{Timeout: timeout}
	s.endpoints = cfg.Endpoints
	s.auth = cfg.Auth
	return s.validateAuth()
}

func duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (s *Sink) validateAuth() error {
	a := &s.auth
	a.APIKey = util.ExpandEnvRef(a.APIKey)
	a.Password = util.ExpandEnvRef(a.Password)
	a.Token = util.ExpandEnvRef(a.Token)

	switch a.Type {
	case "", AuthTypeNone:
		a.Type = AuthTypeNone
	case AuthTypeAPIKey:
		if a.APIKey == "" {
			return errors.New("API key authentication requires an API key")
		}
		a.APIKeyName = cmp.Or(a.APIKeyName, "X-API-Key")
	case AuthTypeBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New("basic authentication requires both username and password")
		}
	case AuthTypeBearer:
		if a.Token == "" {
			return errors.New("bearer authentication requires a token")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", a.Type)
	}
	return nil
}

// Publish delivers e to every endpoint. Every endpoint is attempted; the last failure is
// returned.
func (s *Sink) Publish(ctx context.Context, e audit.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	var lastErr error
	for _, ep := range s.endpoints {
		rc := httputil.DefaultRequestConfig(ep.Method, ep.URL)
		rc.Client = s.client
		rc.Headers = s.headers(ep)
		rc.MaxRetries = s.retry.max
		rc.InitialBackoff = s.retry.initial
		rc.MaxBackoff = s.retry.maxWait
		if _, err := httputil.Request(ctx, rc, payload); err != nil {
			lastErr = fmt.Errorf("%s %s: %w", ep.Method, ep.URL, err)
		}
	}
	return lastErr
}

func (s *Sink) headers(ep EndpointConfig) map[string][]string {
	h := map[string][]string{"Content-Type": {"application/json"}}
	for k, v := range ep.Headers {
		h[k] = []string{v}
	}
	switch s.auth.Type {
	case AuthTypeAPIKey:
		h[s.auth.APIKeyName] = []string{s.auth.APIKey}
	case AuthTypeBasic:
		h["Authorization"] = []string{"Basic " + base64.StdEncoding.EncodeToString([]byte(s.auth.Username+":"+s.auth.Password))}
	case AuthTypeBearer:
		h["Authorization"] = []string{"Bearer " + s.auth.Token}
	}
	return h
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}

func init() {
	audit.RegisterSink(audit.SinkHTTP, func() audit.Sink { return &Sink{} })
}
