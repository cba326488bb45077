package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	mw "github.com/edgeflare/sqlapi/pkg/httputil/middleware"
	"github.com/edgeflare/sqlapi/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds request bodies when a Handler sets no limit.
const DefaultMaxBodyBytes = 10 << 20

// Request is one call to a Resource. Body holds the raw request body.
type Request struct {
	HTTP     *http.Request
	ID       string
	TracedID string
	User     string
	Body     []byte

	// BeforeRequest is the value returned by the before_request hook, if any.
	BeforeRequest any
	// Validated is whatever Validate stored for Request to use.
	Validated any
}

func (r *Request) PathValue(name string) string { return r.HTTP.PathValue(name) }

func (r *Request) Query() url.Values { return r.HTTP.URL.Query() }

// JSON decodes the body. An empty body decodes to nil.
func (r *Request) JSON() (any, error) {
	return DecodeJSON(r.Body)
}

// Response is what a Resource hands back to the pipeline for serialization.
type Response struct {
	Body    any
	Headers map[string]string
	Code    int
	Audit   *audit.Entry
}

func NewResponse(body any) *Response {
	return &Response{Body: body, Code: http.StatusOK}
}

// AuditLog attaches an audit entry to the response.
func (r *Response) AuditLog(message, action string, changeParameters, currentStatus, prevStatus any) {
	r.Audit = &audit.Entry{
		Message:          message,
		Action:           action,
		ChangeParameters: changeParameters,
		CurrentStatus:    currentStatus,
		PrevStatus:       prevStatus,
	}
}

// Resource is one generated endpoint. Validate runs before Request and short-circuits the
// pipeline on error.
type Resource interface {
	Validate(ctx context.Context, req *Request) error
	Request(ctx context.Context, req *Request) (*Response, error)
}

type BeforeRequestHook interface {
	BeforeRequest(ctx context.Context, req *Request) (any, error)
}

type BeforeResponseHook interface {
	BeforeResponse(ctx context.Context, req *Request, resp *Response) error
}

// AfterResponseHook runs after the response is written. Its error is logged only.
type AfterResponseHook interface {
	AfterResponse(ctx context.Context, req *Request, resp *Response) error
}

type Hooks struct {
	BeforeRequest  BeforeRequestHook
	BeforeResponse BeforeResponseHook
	AfterResponse  AfterResponseHook
}

// Auditor receives audit entries once the response has been sent.
type Auditor interface {
	Publish(ctx context.Context, e audit.Entry)
}

// AuthFunc decides whether r may call the endpoint. securitySchemes and security are the
// document-level OpenAPI settings.
type AuthFunc func(securitySchemes map[string]any, security []map[string][]string, r *http.Request, endpoint, method string) bool

type Auth struct {
	Func            AuthFunc
	SecuritySchemes map[string]any
	Security        []map[string][]string
	// Strict rejects requests refused by Func with 401. Otherwise they are only logged.
	Strict bool
}

// Handler runs a Resource through the request pipeline:
//
//	before_request -> Validate -> Request -> before_response -> write
//
// followed, on a separate goroutine, by after_response and the audit flush.
type Handler struct {
	Name         string
	Resource     Resource
	Hooks        Hooks
	Auditor      Auditor
	Auth         *Auth
	Logger       *zap.Logger
	MaxBodyBytes int64
	// Pending, when set, tracks the deferred after_response work so shutdown can wait for it.
	Pending *sync.WaitGroup
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := &Request{
		HTTP:     r,
		ID:       requestID(r),
		TracedID: tracedRequestID(r),
		User:     user(r),
	}
	logger := h.logger(r).With(zap.String("req_id", req.ID), zap.String("endpoint", h.Name))
	logger.Debug("request start", zap.String("method", r.Method), zap.String("url", r.URL.String()))

	w.Header().Set(RequestIDHeader, req.ID)

	resp, err := h.process(r.Context(), req, logger)
	if err != nil {
		code, body := ErrorResponse(err)
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.Error(err))
		} else {
			logger.Info("request rejected", zap.Int("status", code), zap.Error(err))
		}
		httputil.JSON(w, code, body)
		h.observe(r.Method, code, start)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	httputil.JSON(w, resp.Code, resp.Body)
	h.observe(r.Method, resp.Code, start)
	logger.Debug("response finish", zap.Int("status", resp.Code))

	if resp.Audit != nil {
		resp.Audit.RequestID = req.ID
		resp.Audit.PrevRequestID = req.TracedID
		resp.Audit.User = req.User
		resp.Audit.Date = time.Now()
	}
	h.afterResponse(r.Context(), req, resp, logger)
}

func (h *Handler) process(ctx context.Context, req *Request, logger *zap.Logger) (*Response, error) {
	if err := h.authorize(req, logger); err != nil {
		return nil, err
	}
	if err := h.readBody(req); err != nil {
		return nil, err
	}

	if h.Hooks.BeforeRequest != nil {
		logger.Debug("before request hook")
		v, err := h.Hooks.BeforeRequest.BeforeRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		req.BeforeRequest = v
	}

	if err := h.Resource.Validate(ctx, req); err != nil {
		return nil, err
	}

	resp, err := h.Resource.Request(ctx, req)
	if err != nil {
		return nil, err
	}

	if h.Hooks.BeforeResponse != nil {
		logger.Debug("before response hook")
		if err := h.Hooks.BeforeResponse.BeforeResponse(ctx, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (h *Handler) authorize(req *Request, logger *zap.Logger) error {
	if h.Auth == nil || h.Auth.Func == nil {
		return nil
	}
	if h.Auth.Func(h.Auth.SecuritySchemes, h.Auth.Security, req.HTTP, h.Name, req.HTTP.Method) {
		return nil
	}
	if h.Auth.Strict {
		return &HTTPError{Code: http.StatusUnauthorized, Description: "Unauthorized"}
	}
	logger.Debug("unauthenticated request allowed")
	return nil
}

func (h *Handler) readBody(req *Request) error {
	if req.HTTP.Body == nil {
		return nil
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, req.HTTP.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &HTTPError{Code: http.StatusRequestEntityTooLarge, Description: "Request body too large"}
		}
		return &HTTPError{Code: http.StatusBadRequest, Description: err.Error()}
	}
	req.Body = body
	return nil
}

func (h *Handler) afterResponse(ctx context.Context, req *Request, resp *Response, logger *zap.Logger) {
	publish := resp.Audit != nil && h.Auditor != nil
	if h.Hooks.AfterResponse == nil && !publish {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if h.Pending != nil {
		h.Pending.Add(1)
	}
	go func() {
		if h.Pending != nil {
			defer h.Pending.Done()
		}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("after response panic", zap.Any("panic", p))
			}
		}()

		if h.Hooks.AfterResponse != nil {
			if err := h.Hooks.AfterResponse.AfterResponse(ctx, req, resp); err != nil {
				logger.Error("after response hook failed", zap.Error(err))
			}
		}
		if publish {
			h.Auditor.Publish(ctx, *resp.Audit)
		}
	}()
}

func (h *Handler) observe(method string, code int, start time.Time) {
	metrics.Requests.WithLabelValues(h.Name, method, strconv.Itoa(code)).Inc()
	metrics.RequestDuration.WithLabelValues(h.Name, method).Observe(time.Since(start).Seconds())
}

// logger falls back to the access logger of the request.
func (h *Handler) logger(r *http.Request) *zap.Logger {
	if h.Logger == nil {
		return mw.RequestLogger(r.Context())
	}
	return h.Logger
}

// DecodeJSON decodes data keeping integral numbers as int64, so ids and integer columns bind
// as integers. Empty input decodes to nil.
func DecodeJSON(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after JSON value")
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeNumbers(x)
		}
	case []any:
		for i, x := range t {
			t[i] = normalizeNumbers(x)
		}
	}
	return v
}
