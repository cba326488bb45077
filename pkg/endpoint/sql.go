package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
)

// angleParam matches <name> and <converter:name> path segments.
var angleParam = regexp.MustCompile(`<(?:[a-z]+:)?([A-Za-z_][A-Za-z0-9_]*)>`)

type sqlResource struct {
	statement string
	params    []string
	body      *openapi3.Schema
	repo      *repository.Repository
	logger    *zap.Logger
}

// NewSQL returns the endpoint of a configured SQL statement or template. The statement is run
// with its :name placeholders bound from the query string, the path parameters and, for
// methods with a body, the JSON body, later sources winning. The response is every row.
func NewSQL(sc config.SQLConfig, template bool, repo *repository.Repository, logger *zap.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if repo == nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q has no database", sc.Name)}
	}
	method := strings.ToUpper(sc.Method)
	switch method {
	case http.MethodGet, http.MethodDelete:
	case http.MethodPost, http.MethodPut:
		if sc.RequestSchema == nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q: %s requires request_schema", sc.Name, method)}
		}
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q: unsupported method %q", sc.Name, sc.Method)}
	}

	statement := sc.SQL
	if template {
		data, err := os.ReadFile(sc.Template)
		if err != nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("template %q: %v", sc.Name, err)}
		}
		statement = string(data)
	}

	body, err := openapi.FromMap(sc.RequestSchema)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q request_schema: %v", sc.Name, err)}
	}
	response, err := openapi.FromMap(sc.ResponseSchema)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q response_schema: %v", sc.Name, err)}
	}
	if response == nil {
		response = openapi3.NewArraySchema().WithItems(openapi3.NewObjectSchema())
	}
	params, err := queryParameters(sc.QueryParameters)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("sql %q query_parameters: %v", sc.Name, err)}
	}

	pattern := "/" + strings.TrimLeft(angleParam.ReplaceAllString(sc.URL, "{$1}"), "/")
	name := sc.Name
	if template {
		name += "Template"
	}
	name += "QueryEndpoint"

	r := &sqlResource{
		statement: statement,
		params:    pathNames(pattern),
		body:      body,
		repo:      repo,
		logger:    logger.With(zap.String("endpoint", name)),
	}
	tag := "SQL"
	if template {
		tag = "Template"
	}
	return &Endpoint{
		Name:     name,
		Method:   method,
		Pattern:  pattern,
		Resource: r,
		Operation: openapi.Operation{
			Method:      method,
			Path:        pattern,
			Tag:         tag,
			OperationID: name,
			Description: sc.Description,
			Parameters:  params,
			RequestBody: body,
			Response:    response,
			Codes:       []int{http.StatusBadRequest, http.StatusNotFound},
		},
	}, nil
}

func (s *sqlResource) Validate(_ context.Context, req *rest.Request) error {
	values := map[string]any{}
	for k, v := range req.Query() {
		values[k] = v[0]
	}
	for _, name := range s.params {
		values[name] = req.PathValue(name)
	}

	if req.HTTP.Method != http.MethodGet {
		body, err := decodeBody(req)
		if err != nil {
			return err
		}
		if s.body != nil {
			if err := validate.Value(s.body, body); err != nil {
				return rest.NewValidationError("_body", []string{err.Error()})
			}
		}
		if obj, ok := body.(map[string]any); ok {
			for k, v := range obj {
				values[k] = v
			}
		}
	}
	req.Validated = values
	return nil
}

func (s *sqlResource) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	rows, err := s.repo.Execute(ctx, s.statement, req.Validated.(map[string]any))
	if errors.Is(err, query.ErrMissingParameter) {
		return nil, rest.NewValidationError("_query", []string{err.Error()})
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	s.logger.Debug("statement executed", zap.Int("rows", len(rows)), zap.String("req_id", req.ID))
	return rest.NewResponse(rows), nil
}

func pathNames(pattern string) []string {
	var names []string
	for _, seg := range strings.Split(pattern, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			names = append(names, strings.TrimSuffix(strings.Trim(seg, "{}"), "..."))
		}
	}
	return names
}

// queryParameters converts the parameters written in the configuration. Entries default to
// in: query.
func queryParameters(entries []map[string]any) (openapi3.Parameters, error) {
	var out openapi3.Parameters
	for _, entry := range entries {
		entry = maps.Clone(entry)
		if _, ok := entry["in"]; !ok {
			entry["in"] = openapi3.ParameterInQuery
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		p := &openapi3.Parameter{}
		if err := p.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		if p.Schema == nil && p.Content == nil {
			p.Schema = openapi3.NewStringSchema().NewRef()
		}
		out = append(out, &openapi3.ParameterRef{Value: p})
	}
	return out, nil
}
