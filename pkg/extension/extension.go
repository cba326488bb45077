// Package extension holds the pluggable per-table behaviour of the generated endpoints.
//
// Lifecycle extensions (soft_delete, on_create_timestamp, on_update_timestamp) change the
// statements an endpoint issues. Request extensions (before_request, before_response,
// after_response) are hooks run by the request pipeline, and validators check single column
// values before a record is written.
//
// Implementations are registered by name from init functions and selected in the
// configuration with package and handler:
//
//	extensions:
//	  before_request:
//	    package: headers
//	    handler: require_header
//	    handler_args:
//	      header: X-Tenant
//
// The lookup key is "package.handler", falling back to the handler alone.
package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"go.uber.org/zap"
)

// Lifecycle extension names, as used under a table's extensions block.
const (
	SoftDeleteName        = "soft_delete"
	OnCreateTimestampName = "on_create_timestamp"
	OnUpdateTimestampName = "on_update_timestamp"
)

// Request extension kinds.
const (
	BeforeRequest  = "before_request"
	BeforeResponse = "before_response"
	AfterResponse  = "after_response"
)

var (
	LifecycleNames = []string{SoftDeleteName, OnCreateTimestampName, OnUpdateTimestampName}
	RequestKinds   = []string{BeforeRequest, BeforeResponse, AfterResponse}
)

// Lifecycle is a lifecycle extension bound to one table.
type Lifecycle interface {
	Enabled() bool
	// Field is the column the extension maintains (default_field).
	Field() string
	// Validate checks the extension against the schema. It is called right after
	// construction.
	Validate() error
}

// SoftDeleter marks rows deleted instead of removing them.
type SoftDeleter interface {
	Lifecycle
	// AddQueryFilter returns filters plus the predicate hiding deleted rows.
	AddQueryFilter(filters map[string]query.Filter) map[string]query.Filter
	// RemoveFilterField drops the predicate added by AddQueryFilter from a copy of filters.
	RemoveFilterField(filters map[string]query.Filter) map[string]query.Filter
	Delete(ctx context.Context, idField string, id any, now time.Time) error
	DeleteBatch(ctx context.Context, idField string, ids []any, now time.Time) error
}

// Timestamper stamps a column on insert or update.
type Timestamper interface {
	Lifecycle
	// SetColumns returns columns with the extension's field appended when missing.
	SetColumns(columns []string) []string
	// SetFieldData sets the field in params unless the caller supplied it.
	SetFieldData(params map[string]any, now time.Time)
	// UnsetFieldData removes the field from params.
	UnsetFieldData(params map[string]any)
}

// LifecycleParams is what a lifecycle factory receives.
type LifecycleParams struct {
	Name       string
	Source     string
	Table      schema.Table
	Config     config.ExtensionConfig
	Repository *repository.Repository
	Inspector  config.Inspector
	Logger     *zap.Logger
}

// RequestParams is what a request extension factory receives.
type RequestParams struct {
	Kind   string
	Source string
	Table  string
	Config config.ExtensionConfig
	Logger *zap.Logger
}

type (
	LifecycleFactory func(p LifecycleParams) (Lifecycle, error)
	// RequestFactory returns a value implementing the hook interface of p.Kind:
	// rest.BeforeRequestHook, rest.BeforeResponseHook or rest.AfterResponseHook.
	RequestFactory   func(p RequestParams) (any, error)
	ValidatorFactory func(column schema.Column, args map[string]any) (Validator, error)
)

var (
	factoriesMu sync.RWMutex
	lifecycles  = map[string]LifecycleFactory{}
	requests    = map[string]map[string]RequestFactory{}
	validators  = map[string]ValidatorFactory{}
)

// RegisterLifecycle makes a lifecycle implementation available under name. The built-in
// implementations are registered under the extension names themselves. It panics on
// duplicates.
func RegisterLifecycle(name string, factory LifecycleFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := lifecycles[name]; dup {
		panic("extension: RegisterLifecycle called twice for " + name)
	}
	lifecycles[name] = factory
}

// RegisterRequest makes a request hook of the given kind available under name. It panics on
// duplicates and unknown kinds.
func RegisterRequest(kind, name string, factory RequestFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	switch kind {
	case BeforeRequest, BeforeResponse, AfterResponse:
	default:
		panic("extension: unknown request extension kind " + kind)
	}
	if requests[kind] == nil {
		requests[kind] = map[string]RequestFactory{}
	}
	if _, dup := requests[kind][name]; dup {
		panic("extension: RegisterRequest called twice for " + kind + " " + name)
	}
	requests[kind][name] = factory
}

// RegisterValidator makes a column validator available under name. It panics on duplicates.
func RegisterValidator(name string, factory ValidatorFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := validators[name]; dup {
		panic("extension: RegisterValidator called twice for " + name)
	}
	validators[name] = factory
}

// Names lists the registered implementations, for the check command and for error messages.
func Names() map[string][]string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := map[string][]string{}
	for name := range lifecycles {
		out["lifecycle"] = append(out["lifecycle"], name)
	}
	for kind, byName := range requests {
		for name := range byName {
			out[kind] = append(out[kind], name)
		}
	}
	for name := range validators {
		out["validators"] = append(out["validators"], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

func lookup[F any](registry map[string]F, cfg config.ExtensionConfig, fallback string) (F, string, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	for _, key := range []string{cfg.Key(), cfg.Handler, fallback} {
		if key == "" {
			continue
		}
		if f, ok := registry[key]; ok {
			return f, key, true
		}
	}
	var zero F
	return zero, "", false
}

func unknown(what string, cfg config.ExtensionConfig) error {
	return &config.ConfigError{Msg: fmt.Sprintf("unknown %s extension %q", what, cfg.Key())}
}
