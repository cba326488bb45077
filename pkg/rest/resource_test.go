package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type echoResource struct {
	validateErr error
	requestErr  error
	steps       *[]string
}

func (e *echoResource) Validate(_ context.Context, req *Request) error {
	*e.steps = append(*e.steps, "validate")
	if e.validateErr != nil {
		return e.validateErr
	}
	body, err := req.JSON()
	if err != nil {
		return NewValidationError("body", err.Error())
	}
	req.Validated = body
	return nil
}

func (e *echoResource) Request(_ context.Context, req *Request) (*Response, error) {
	*e.steps = append(*e.steps, "request")
	if e.requestErr != nil {
		return nil, e.requestErr
	}
	resp := NewResponse(map[string]any{"echo": req.Validated, "before": req.BeforeRequest})
	resp.AuditLog("Create thing record", audit.ActionCreate, req.Validated, nil, nil)
	return resp, nil
}

type hooks struct {
	steps *[]string
	after chan struct{}
}

func (h hooks) BeforeRequest(context.Context, *Request) (any, error) {
	*h.steps = append(*h.steps, "before_request")
	return "hooked", nil
}

func (h hooks) BeforeResponse(_ context.Context, _ *Request, resp *Response) error {
	*h.steps = append(*h.steps, "before_response")
	resp.Headers = map[string]string{"X-Hooked": "yes"}
	return nil
}

func (h hooks) AfterResponse(context.Context, *Request, *Response) error {
	close(h.after)
	return errors.New("after response failure")
}

type chanAuditor chan audit.Entry

func (c chanAuditor) Publish(_ context.Context, e audit.Entry) { c <- e }

func TestHandlerPipeline(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var steps []string
	auditor := make(chanAuditor, 1)
	h := hooks{steps: &steps, after: make(chan struct{})}
	var pending sync.WaitGroup

	handler := &Handler{
		Name:     "CreateThing",
		Resource: &echoResource{steps: &steps},
		Hooks:    Hooks{BeforeRequest: h, BeforeResponse: h, AfterResponse: h},
		Auditor:  auditor,
		Logger:   zap.New(core),
		Pending:  &pending,
	}

	req := httptest.NewRequest(http.MethodPut, "/create/thing", strings.NewReader(`{"name":"bolt","qty":3}`))
	req.Header.Set(RequestIDHeader, "req-1")
	req.Header.Set(TracedRequestIDHeader, "req-0")
	req = req.WithContext(context.WithValue(req.Context(), httputil.BasicAuthCtxKey, "clerk"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"echo":{"name":"bolt","qty":3},"before":"hooked"}`, rec.Body.String())
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "yes", rec.Header().Get("X-Hooked"))
	assert.Equal(t, []string{"before_request", "validate", "request", "before_response"}, steps)

	entry := <-auditor
	<-h.after
	pending.Wait()

	assert.Equal(t, audit.ActionCreate, entry.Action)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "req-0", entry.PrevRequestID)
	assert.Equal(t, "clerk", entry.User)
	assert.Equal(t, map[string]any{"name": "bolt", "qty": int64(3)}, entry.ChangeParameters)
	assert.Equal(t, 1, logs.FilterMessage("after response hook failed").Len())
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		resource *echoResource
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "validation",
			resource: &echoResource{validateErr: NewValidationError("qty", []string{"Not a valid integer value."})},
			wantCode: http.StatusBadRequest,
			wantBody: `{"code":400,"description":{"qty":["Not a valid integer value."]}}`,
		},
		{
			name:     "malformed body",
			resource: &echoResource{},
			body:     `{"name":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not found",
			resource: &echoResource{requestErr: &NotFoundError{Message: "Thing with id: 9 not found"}},
			wantCode: http.StatusNotFound,
			wantBody: `{"code":404,"description":"Thing with id: 9 not found"}`,
		},
		{
			name: "constraint",
			resource: &echoResource{requestErr: &repository.ConstraintError{
				Kind: repository.ErrForeignKeyViolation, Message: "FOREIGN KEY constraint failed",
			}},
			wantCode: http.StatusBadRequest,
			wantBody: `{"code":400,"description":"ForeignKeyViolation : FOREIGN KEY constraint failed"}`,
		},
		{
			name:     "server error",
			resource: &echoResource{requestErr: errors.New("connection reset by peer")},
			wantCode: http.StatusInternalServerError,
			wantBody: `{"code":500,"description":"Server Error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var steps []string
			tt.resource.steps = &steps
			auditor := make(chanAuditor, 1)
			h := &Handler{Name: "UpdateThing", Resource: tt.resource, Auditor: auditor}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/update/thing/9", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
			assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
			assert.Empty(t, auditor)
		})
	}
}

func TestHandlerAuth(t *testing.T) {
	deny := func(map[string]any, []map[string][]string, *http.Request, string, string) bool { return false }

	t.Run("strict", func(t *testing.T) {
		var steps []string
		h := &Handler{Resource: &echoResource{steps: &steps}, Auth: &Auth{Func: deny, Strict: true}}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/read/thing/1", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, steps)
	})

	t.Run("lenient", func(t *testing.T) {
		var steps []string
		h := &Handler{Resource: &echoResource{steps: &steps}, Auth: &Auth{Func: deny}}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/read/thing/1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"validate", "request"}, steps)
	})
}

func TestHandlerBodyLimit(t *testing.T) {
	var steps []string
	h := &Handler{Resource: &echoResource{steps: &steps}, MaxBodyBytes: 8}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/create/thing", strings.NewReader(`{"name":"too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, steps)
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON([]byte(`{"id": 7, "price": 2.5, "tags": [1, "a"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(7), "price": 2.5, "tags": []any{int64(1), "a"}}, v)

	v, err = DecodeJSON([]byte("  "))
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = DecodeJSON([]byte(`{} {}`))
	assert.Error(t, err)
}
