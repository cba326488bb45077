// Package openapi builds the OpenAPI 3 document of the generated API and serves it, together
// with a Swagger UI page.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	ErrorRef    = "#/components/schemas/Error"
	NotFoundRef = "#/components/schemas/NotFound"
)

// Operation documents one endpoint.
type Operation struct {
	Method      string
	Path        string // net/http pattern path, e.g. /read/author/{id}
	Tag         string
	OperationID string
	Description string
	Parameters  openapi3.Parameters
	RequestBody *openapi3.Schema
	Response    *openapi3.Schema
	// Codes lists the documented error statuses besides 500.
	Codes []int
}

// New returns an empty document carrying the application's info and security settings.
func New(app config.AppConfig) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   app.Name,
			Version: app.Version,
		},
		Paths: openapi3.NewPaths(),
	}
	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{
		"Error":    openapi3.NewSchemaRef("", ErrorSchema()),
		"NotFound": openapi3.NewSchemaRef("", ErrorSchema()),
	}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	names := make([]string, 0, len(app.SecuritySchemes))
	for name := range app.SecuritySchemes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := json.Marshal(app.SecuritySchemes[name])
		if err != nil {
			return nil, fmt.Errorf("security scheme %s: %w", name, err)
		}
		scheme := openapi3.NewSecurityScheme()
		if err := scheme.UnmarshalJSON(data); err != nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("security scheme %s: %v", name, err)}
		}
		doc.Components.SecuritySchemes[name] = &openapi3.SecuritySchemeRef{Value: scheme}
	}
	for _, req := range app.Security {
		r := openapi3.NewSecurityRequirement()
		for name, scopes := range req {
			r[name] = scopes
		}
		doc.Security = append(doc.Security, r)
	}
	return doc, nil
}

// Add registers op in doc.
func Add(doc *openapi3.T, op Operation) {
	o := openapi3.NewOperation()
	o.OperationID = op.OperationID
	o.Description = op.Description
	if op.Tag != "" {
		o.Tags = []string{op.Tag}
	}
	o.Parameters = op.Parameters

	for _, name := range pathParams(op.Path) {
		if o.Parameters.GetByInAndName(openapi3.ParameterInPath, name) == nil {
			o.Parameters = append(o.Parameters, &openapi3.ParameterRef{
				Value: openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()),
			})
		}
	}

	if op.RequestBody != nil {
		o.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithJSONSchema(op.RequestBody)}
	}

	response := op.Response
	if response == nil {
		response = openapi3.NewObjectSchema()
	}
	o.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription(op.Tag + " response").
			WithJSONSchema(response)}),
		openapi3.WithStatus(http.StatusInternalServerError, errorResponse("Operation failed", ErrorRef)),
	)
	for _, code := range op.Codes {
		ref := ErrorRef
		if code == http.StatusNotFound {
			ref = NotFoundRef
		}
		o.Responses.Set(strconv.Itoa(code), errorResponse(http.StatusText(code), ref))
	}

	doc.AddOperation(op.Path, op.Method, o)
}

func errorResponse(description, ref string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().
		WithDescription(description).
		WithContent(openapi3.NewContentWithJSONSchemaRef(openapi3.NewSchemaRef(ref, ErrorSchema())))}
}

func pathParams(path string) []string {
	var names []string
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			names = append(names, strings.TrimSuffix(strings.Trim(seg, "{}"), "..."))
		}
	}
	return names
}

// Validate checks the document. Problems are logged, never fatal: a request schema copied from
// the configuration should not keep the API from serving.
func Validate(ctx context.Context, doc *openapi3.T, logger *zap.Logger) error {
	err := doc.Validate(ctx)
	if err != nil && logger != nil {
		logger.Warn("openapi document is not valid", zap.Error(err))
	}
	return err
}

// ErrorSchema is the schema of every error body.
func ErrorSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewIntegerSchema()).
		WithProperty("description", &openapi3.Schema{})
}

// ObjectSchema returns the schema of a record made of columns. withRequired lists the columns
// an insert must carry.
func ObjectSchema(columns []schema.Column, withRequired bool) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for _, c := range columns {
		p := validate.Schema(c.Type)
		p.Nullable = c.IsNullable
		s.WithProperty(c.Name, p)
		if withRequired && c.Required() {
			s.Required = append(s.Required, c.Name)
		}
	}
	return s
}

// ArraySchema wraps items in an array of min..max elements.
func ArraySchema(items *openapi3.Schema, min, max uint64) *openapi3.Schema {
	s := openapi3.NewArraySchema().WithItems(items).WithMinItems(int64(min))
	s.WithMaxItems(int64(max))
	return s
}

// FilterSchema is the schema of one column filter, {"op": ..., "value": ...}.
func FilterSchema() *openapi3.Schema {
	ops := make([]any, len(query.Operators))
	for i, op := range query.Operators {
		ops[i] = op
	}
	s := openapi3.NewObjectSchema().
		WithProperty("op", openapi3.NewStringSchema().WithEnum(ops...)).
		WithProperty("value", &openapi3.Schema{})
	s.Required = []string{"op"}
	return s
}

// FiltersSchema maps column names to filters.
func FiltersSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().WithAdditionalProperties(FilterSchema())
}

func OrderSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("field", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()).WithMinItems(1)).
		WithProperty("direction", openapi3.NewStringSchema().WithEnum("asc", "desc"))
	s.Required = []string{"field", "direction"}
	return s
}

func SizeSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("limit", openapi3.NewIntegerSchema().WithMin(0).WithDefault(float64(100))).
		WithProperty("offset", openapi3.NewIntegerSchema().WithMin(0).WithDefault(float64(0)))
	s.Required = []string{"limit", "offset"}
	return s
}

// QueryParameter documents a JSON-encoded query parameter.
func QueryParameter(name, description string, s *openapi3.Schema) *openapi3.ParameterRef {
	p := openapi3.NewQueryParameter(name).WithDescription(description)
	p.Content = openapi3.NewContentWithJSONSchema(s)
	p.AllowEmptyValue = true
	return &openapi3.ParameterRef{Value: p}
}

// FromMap converts a schema written in the configuration file.
func FromMap(m map[string]any) (*openapi3.Schema, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := openapi3.NewSchema()
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Marshal encodes doc as json or yaml. YAML output keeps the key order of the JSON encoding.
func Marshal(doc *openapi3.T, format string) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil || format != "yaml" {
		return data, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)
	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// Handler serves doc as JSON, or as YAML with ?format=yaml.
func Handler(doc *openapi3.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		data, err := Marshal(doc, format)
		if err != nil {
			httputil.Error(w, http.StatusInternalServerError, "Server Error")
			return
		}
		contentType := "application/json"
		if format == "yaml" {
			contentType = "application/yaml"
		}
		httputil.Blob(w, http.StatusOK, data, contentType)
	})
}
