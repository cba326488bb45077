package extension

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"go.uber.org/zap"
)

func init() {
	for _, kind := range RequestKinds {
		RegisterRequest(kind, "null", func(RequestParams) (any, error) { return Null{}, nil })
	}
	RegisterRequest(BeforeRequest, "require_header", newRequireHeader)
	RegisterRequest(BeforeResponse, "set_header", newSetHeader)
	RegisterRequest(AfterResponse, "log", newLogHook)
	RegisterRequest(AfterResponse, "webhook", newWebhook)
}

// Null implements every request hook and does nothing.
type Null struct{}

func (Null) BeforeRequest(context.Context, *rest.Request) (any, error)          { return nil, nil }
func (Null) BeforeResponse(context.Context, *rest.Request, *rest.Response) error { return nil }
func (Null) AfterResponse(context.Context, *rest.Request, *rest.Response) error  { return nil }

// RequireHeader rejects requests without the configured header. The header value is handed to
// the rest of the pipeline as the before_request result.
type RequireHeader struct {
	Header string `mapstructure:"header"`
	Status int    `mapstructure:"status"`
}

func newRequireHeader(p RequestParams) (any, error) {
	h := &RequireHeader{Status: http.StatusBadRequest}
	if err := decodeArgs(p.Config.HandlerArgs, h); err != nil {
		return nil, err
	}
	if h.Header == "" {
		return nil, errors.New("require_header: header is required")
	}
	return h, nil
}

func (h *RequireHeader) BeforeRequest(_ context.Context, req *rest.Request) (any, error) {
	v := req.HTTP.Header.Get(h.Header)
	if v == "" {
		return nil, &rest.HTTPError{Code: h.Status, Description: "missing header " + h.Header}
	}
	return v, nil
}

// SetHeader adds fixed headers to every response.
type SetHeader struct {
	Headers map[string]string `mapstructure:"headers"`
}

func newSetHeader(p RequestParams) (any, error) {
	h := &SetHeader{}
	if err := decodeArgs(p.Config.HandlerArgs, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SetHeader) BeforeResponse(_ context.Context, _ *rest.Request, resp *rest.Response) error {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string, len(h.Headers))
	}
	for k, v := range h.Headers {
		resp.Headers[k] = v
	}
	return nil
}

// LogHook logs every completed response.
type LogHook struct {
	logger *zap.Logger
	table  string
}

func newLogHook(p RequestParams) (any, error) {
	if err := decodeArgs(p.Config.HandlerArgs, &struct{}{}); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHook{logger: logger, table: p.Table}, nil
}

func (h *LogHook) AfterResponse(_ context.Context, req *rest.Request, resp *rest.Response) error {
	h.logger.Info("after response",
		zap.String("table", h.table),
		zap.String("req_id", req.ID),
		zap.String("method", req.HTTP.Method),
		zap.String("path", req.HTTP.URL.Path),
		zap.Int("status", resp.Code),
	)
	return nil
}

// Webhook posts every completed response to a URL, retrying with exponential backoff.
type Webhook struct {
	URL        string            `mapstructure:"url"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`

	logger *zap.Logger
	table  string
}

// WebhookPayload is the body posted by Webhook.
type WebhookPayload struct {
	Table     string `json:"table"`
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	Body      any    `json:"body"`
}

func newWebhook(p RequestParams) (any, error) {
	w := &Webhook{MaxRetries: 3, Timeout: 5 * time.Second, logger: p.Logger, table: p.Table}
	if err := decodeArgs(p.Config.HandlerArgs, w); err != nil {
		return nil, err
	}
	if w.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	return w, nil
}

func (w *Webhook) AfterResponse(ctx context.Context, req *rest.Request, resp *rest.Response) error {
	cfg := httputil.DefaultRequestConfig(http.MethodPost, w.URL)
	cfg.Logger = w.logger
	cfg.Timeout = w.Timeout
	cfg.MaxRetries = w.MaxRetries
	cfg.Headers = map[string][]string{"Content-Type": {"application/json"}}
	for k, v := range w.Headers {
		cfg.Headers[k] = []string{v}
	}

	_, err := httputil.Request(ctx, cfg, WebhookPayload{
		Table:     w.table,
		RequestID: req.ID,
		Method:    req.HTTP.Method,
		Path:      req.HTTP.URL.Path,
		Status:    resp.Code,
		Body:      resp.Body,
	})
	return err
}
