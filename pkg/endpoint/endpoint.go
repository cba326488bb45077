// Package endpoint synthesizes the REST endpoints of the configured tables and SQL queries.
//
// Every table gets up to eight endpoints, one per verb and action:
//
//	GET    /read/{slug}/{id}     GET    /read/{plural}
//	PUT    /create/{slug}        PUT    /create/{plural}
//	POST   /update/{slug}/{id}   POST   /update/{plural}
//	DELETE /delete/{slug}/{id}   DELETE /delete/{plural}
//
// An Endpoint is built once at startup and shared read-only by concurrent requests; its
// Resource runs inside the rest request pipeline.
package endpoint

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/extension"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"go.uber.org/zap"
)

// DefaultMaxItems bounds the bodies of the LIST write endpoints.
const DefaultMaxItems = 100

const (
	msgTooLarge = "Body too large, max items: %d"
	msgTooSmall = "Body too small, min items: %d"
	msgIDAbsent = "id not found"
	msgNoField  = "No field to write."
)

// Params is what an endpoint factory receives.
type Params struct {
	Table *config.Table
	// Columns are the columns visible to the endpoint, in catalog order.
	Columns    []schema.Column
	ColumnMap  map[string]schema.Column
	Extensions *extension.Set
	Repository *repository.Repository
	Logger     *zap.Logger
	MaxItems   int
}

// NewParams returns the parameters of the verb/action endpoint of t.
func NewParams(t *config.Table, verb, action string, ext *extension.Set, repo *repository.Repository, logger *zap.Logger) Params {
	cols := t.AllowedColumns(verb, action)
	m := make(map[string]schema.Column, len(cols))
	for _, c := range cols {
		m[c.Name] = c
	}
	if ext == nil {
		ext = &extension.Set{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Params{
		Table:      t,
		Columns:    cols,
		ColumnMap:  m,
		Extensions: ext,
		Repository: repo,
		Logger:     logger.With(zap.String("table", t.Name()), zap.String("source", t.Source)),
		MaxItems:   DefaultMaxItems,
	}
}

// Endpoint is one synthesized route.
type Endpoint struct {
	Name      string
	Method    string
	Pattern   string
	Columns   []schema.Column
	Operation openapi.Operation
	Resource  rest.Resource
	Hooks     rest.Hooks
	// Source is the database the endpoint reads and writes.
	Source string
	// Table is nil for SQL endpoints.
	Table *config.Table
}

// Route is the pattern the endpoint registers with http.ServeMux.
func (e *Endpoint) Route() string { return e.Method + " " + e.Pattern }

// Handler wraps the endpoint in the request pipeline.
func (e *Endpoint) Handler(auditor rest.Auditor, auth *rest.Auth, logger *zap.Logger) *rest.Handler {
	return &rest.Handler{
		Name:     e.Name,
		Resource: e.Resource,
		Hooks:    e.Hooks,
		Auditor:  auditor,
		Auth:     auth,
		Logger:   logger,
	}
}

// Factory builds the endpoint of one verb and action.
type Factory func(p Params) (*Endpoint, error)

var factories = map[string]map[string]Factory{
	config.GET:    {config.Single: NewGetSingle, config.List: NewGetList},
	config.PUT:    {config.Single: NewPutSingle, config.List: NewPutList},
	config.POST:   {config.Single: NewPostSingle, config.List: NewPostList},
	config.DELETE: {config.Single: NewDeleteSingle, config.List: NewDeleteList},
}

// Synthesize builds the endpoints enabled for every resolved table, followed by the SQL and
// template endpoints of every source. repos is keyed by source name.
func Synthesize(resolved *config.Resolved, reg *extension.Registry, repos map[string]*repository.Repository, logger *zap.Logger) ([]*Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []*Endpoint
	for _, t := range resolved.Tables {
		repo, ok := repos[t.Source]
		if !ok {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("no repository for database %q", t.Source)}
		}
		ext := reg.Table(t.Source, t.Name())
		for _, verb := range config.Verbs {
			for _, action := range config.Actions {
				if !t.Config.Endpoint(verb, action) {
					continue
				}
				e, err := factories[verb][action](NewParams(t, verb, action, ext, repo, logger))
				if err != nil {
					return nil, err
				}
				out = append(out, e)
			}
		}
	}

	for _, src := range resolved.Config.Sources {
		repo := repos[src.Name]
		for _, sc := range src.SQL {
			e, err := NewSQL(sc, false, repo, logger)
			if err != nil {
				return nil, err
			}
			e.Source = src.Name
			out = append(out, e)
		}
		for _, sc := range src.Templates {
			e, err := NewSQL(sc, true, repo, logger)
			if err != nil {
				return nil, err
			}
			e.Source = src.Name
			out = append(out, e)
		}
	}
	logger.Debug("endpoints synthesized", zap.Int("count", len(out)))
	return out, nil
}

func (p Params) name(verb, action string) string {
	return p.Table.ModelName + titled(verb) + titled(action) + "Endpoint"
}

func titled(s string) string {
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func (p Params) newEndpoint(verb, action, method, pattern string, r rest.Resource) *Endpoint {
	return &Endpoint{
		Name:     p.name(verb, action),
		Method:   method,
		Pattern:  pattern,
		Columns:  p.Columns,
		Resource: r,
		Hooks:    p.Extensions.Hooks,
		Source:   p.Table.Source,
		Table:    p.Table,
		Operation: openapi.Operation{
			Method:      method,
			Path:        pattern,
			Tag:         p.Table.ModelName,
			OperationID: p.name(verb, action),
		},
	}
}

func (p Params) table() string   { return p.Table.Name() }
func (p Params) idField() string { return p.Table.IDField() }

func (p Params) columnNames() []string {
	out := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		out[i] = c.Name
	}
	return out
}

func (p Params) softDelete() extension.SoftDeleter {
	if sd := p.Extensions.SoftDelete; sd != nil && sd.Enabled() {
		return sd
	}
	return nil
}

func (p Params) onCreate() extension.Timestamper { return enabled(p.Extensions.OnCreate) }
func (p Params) onUpdate() extension.Timestamper { return enabled(p.Extensions.OnUpdate) }

func enabled(ts extension.Timestamper) extension.Timestamper {
	if ts != nil && ts.Enabled() {
		return ts
	}
	return nil
}

// visible adds the soft delete predicate to filters.
func (p Params) visible(filters map[string]query.Filter) map[string]query.Filter {
	if sd := p.softDelete(); sd != nil {
		return sd.AddQueryFilter(filters)
	}
	return filters
}

func (p Params) idFilter(id any) map[string]query.Filter {
	return map[string]query.Filter{p.idField(): {Op: query.OpEqual, Value: id}}
}

// fields returns the form descriptors of the endpoint. Timestamp columns are filled by their
// extension and never required.
func (p Params) fields(withRequired bool) []validate.Field {
	fields := validate.WithChecks(validate.Fields(p.Columns, withRequired), p.Extensions.Checks())
	for i, f := range fields {
		for _, ts := range []extension.Timestamper{p.onCreate(), p.onUpdate()} {
			if ts != nil && ts.Field() == f.Name {
				fields[i].Required = false
			}
		}
	}
	return fields
}

// parseID converts a path id to the type of the id column. An id that cannot be of that type
// matches no row.
func (p Params) parseID(raw string) (any, error) {
	switch p.Table.IDColumn().Type {
	case schema.Int:
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, p.notFound(raw)
		}
		return id, nil
	case schema.Float:
		id, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, p.notFound(raw)
		}
		return id, nil
	}
	return raw, nil
}

func (p Params) notFound(id any) error {
	return &rest.NotFoundError{Message: fmt.Sprintf("%s with id: %v not found", p.Table.ModelName, id)}
}

// hideTimestamp drops a timestamp column the endpoint does not expose from a response row.
func (p Params) hideTimestamp(ts extension.Timestamper, row map[string]any) {
	if ts == nil {
		return
	}
	if _, ok := p.ColumnMap[ts.Field()]; !ok {
		ts.UnsetFieldData(row)
	}
}

func now() time.Time { return time.Now().UTC() }

// decodeBody decodes the request body, rejecting malformed JSON with 400.
func decodeBody(req *rest.Request) (any, error) {
	body, err := req.JSON()
	if err != nil {
		return nil, rest.NewValidationError("_body", []string{"malformed JSON: " + err.Error()})
	}
	return body, nil
}

// writes reports whether data sets a column other than skip.
func writes(data map[string]any, skip string) bool {
	for k := range data {
		if k != skip {
			return true
		}
	}
	return false
}

// decodeList decodes a JSON array body of 1..max items.
func decodeList(req *rest.Request, max int) ([]any, error) {
	body, err := decodeBody(req)
	if err != nil {
		return nil, err
	}
	items, ok := body.([]any)
	if !ok {
		return nil, rest.NewValidationError("_body", []string{"Body must be a JSON array"})
	}
	switch {
	case len(items) > max:
		return nil, rest.NewValidationError("_body", []string{fmt.Sprintf(msgTooLarge, max)})
	case len(items) < 1:
		return nil, rest.NewValidationError("_body", []string{fmt.Sprintf(msgTooSmall, 1)})
	}
	return items, nil
}

func (p Params) singlePath(prefix string) string {
	return "/" + prefix + "/" + p.Table.Slug + "/{id}"
}

func (p Params) listPath(prefix string) string {
	return "/" + prefix + "/" + p.Table.PluralSlug
}

func okResponse() map[string]any {
	return map[string]any{"code": http.StatusOK, "message": "ok", "errors": []string{}}
}
