package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/query"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"github.com/getkin/kin-openapi/openapi3"
)

// List query parameters.
const (
	ParamFilters = "filters"
	ParamOrder   = "order"
	ParamSize    = "size"
)

type getSingle struct {
	Params
}

// NewGetSingle returns GET /read/{slug}/{id}, reading one visible row.
func NewGetSingle(p Params) (*Endpoint, error) {
	e := p.newEndpoint(config.GET, config.Single, http.MethodGet, p.singlePath("read"), &getSingle{p})
	e.Operation.Description = fmt.Sprintf("Read one %s record", p.table())
	e.Operation.Response = openapi.ObjectSchema(p.Columns, false)
	e.Operation.Codes = []int{http.StatusNotFound}
	return e, nil
}

func (g *getSingle) Validate(_ context.Context, req *rest.Request) error {
	id, err := g.parseID(req.PathValue("id"))
	if err != nil {
		return err
	}
	req.Validated = id
	return nil
}

func (g *getSingle) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	id := req.Validated
	rows, err := g.Repository.FetchBy(ctx, g.table(), g.columnNames(), g.visible(g.idFilter(id)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, g.notFound(id)
	}

	resp := rest.NewResponse(rows[0])
	resp.AuditLog(fmt.Sprintf("Read %s record", g.table()), audit.ActionRead,
		map[string]any{"entity": g.table(), "record_id": id}, nil, nil)
	return resp, nil
}

type getList struct {
	Params
	filter, order, size *openapi3.Schema
}

// listQuery is a parsed list request.
type listQuery struct {
	Filters map[string]query.Filter
	Order   query.Order
	Size    query.Size
}

// NewGetList returns GET /read/{plural}. Rows are selected with the JSON query parameters
// filters, order and size; a column name used as a parameter filters that column and takes
// precedence over the same column in filters.
func NewGetList(p Params) (*Endpoint, error) {
	g := &getList{
		Params: p,
		filter: openapi.FiltersSchema(),
		order:  openapi.OrderSchema(),
		size:   openapi.SizeSchema(),
	}
	e := p.newEndpoint(config.GET, config.List, http.MethodGet, p.listPath("read"), g)
	e.Operation.Description = fmt.Sprintf("Read a filtered page of %s records", p.table())
	e.Operation.Parameters = openapi3.Parameters{
		openapi.QueryParameter(ParamFilters, "Column filters, {\"<column>\": {\"op\": \"=\", \"value\": 1}}", g.filter),
		openapi.QueryParameter(ParamOrder, "Ordering, {\"field\": [\"id\"], \"direction\": \"asc\"}", g.order),
		openapi.QueryParameter(ParamSize, "Paging, {\"limit\": 100, \"offset\": 0}", g.size),
	}
	for _, c := range p.Columns {
		if reserved(c.Name) {
			continue
		}
		e.Operation.Parameters = append(e.Operation.Parameters,
			openapi.QueryParameter(c.Name, "Filter on "+c.Name, openapi.FilterSchema()))
	}
	e.Operation.Response = openapi3.NewObjectSchema().
		WithProperty("data", openapi3.NewArraySchema().WithItems(openapi.ObjectSchema(p.Columns, false))).
		WithProperty("_meta", openapi3.NewObjectSchema())
	e.Operation.Codes = []int{http.StatusBadRequest, http.StatusNotFound}
	return e, nil
}

// Validate parses every list parameter and reports all malformed ones at once.
func (g *getList) Validate(_ context.Context, req *rest.Request) error {
	values := req.Query()
	q := &listQuery{
		Filters: map[string]query.Filter{},
		Order:   query.Order{Field: []string{g.idField()}, Direction: "asc"},
		Size:    query.Size{Limit: DefaultMaxItems, Offset: 0},
	}
	errs := map[string]any{}

	if raw, ok := values[ParamFilters]; ok {
		v, err := g.param(ParamFilters, raw[0], g.filter)
		if err != nil {
			errs[ParamFilters] = err.Error()
		} else if err := g.addFilters(q.Filters, v.(map[string]any)); err != nil {
			errs[ParamFilters] = invalidParam(ParamFilters, err)
		}
	}
	for _, c := range g.Columns {
		raw, ok := values[c.Name]
		if !ok || reserved(c.Name) {
			continue
		}
		v, err := g.param(c.Name, raw[0], openapi.FilterSchema())
		if err != nil {
			errs[c.Name] = err.Error()
			continue
		}
		f := toFilter(v.(map[string]any))
		if err := checkFilter(c, f); err != nil {
			errs[c.Name] = invalidParam(c.Name, err)
			continue
		}
		q.Filters[c.Name] = f
	}
	if raw, ok := values[ParamOrder]; ok {
		if err := g.decode(ParamOrder, raw[0], g.order, &q.Order); err != nil {
			errs[ParamOrder] = err.Error()
		} else if i := slices.IndexFunc(q.Order.Field, g.unknown); i >= 0 {
			errs[ParamOrder] = invalidParam(ParamOrder, fmt.Errorf("unknown column %q", q.Order.Field[i]))
		}
	}
	if raw, ok := values[ParamSize]; ok {
		if err := g.decode(ParamSize, raw[0], g.size, &q.Size); err != nil {
			errs[ParamSize] = err.Error()
		}
	}

	if len(errs) > 0 {
		return &rest.ValidationError{Errors: errs}
	}
	req.Validated = q
	return nil
}

// param decodes a JSON query parameter and checks it against s.
func (g *getList) param(name, raw string, s *openapi3.Schema) (any, error) {
	v, err := rest.DecodeJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("'%s' query parameter seem to be a malformed JSON: %v", name, err)
	}
	if err := validate.Value(s, v); err != nil {
		return nil, fmt.Errorf("%s", invalidParam(name, err))
	}
	return v, nil
}

func (g *getList) decode(name, raw string, s *openapi3.Schema, dst any) error {
	if _, err := g.param(name, raw, s); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%s", invalidParam(name, err))
	}
	return nil
}

func reserved(name string) bool {
	return name == ParamFilters || name == ParamOrder || name == ParamSize
}

func invalidParam(name string, err error) string {
	return fmt.Sprintf("'%s' query parameter is not valid: %v", name, err)
}

func (g *getList) addFilters(dst map[string]query.Filter, filters map[string]any) error {
	for _, col := range slices.Sorted(maps.Keys(filters)) {
		c, ok := g.ColumnMap[col]
		if !ok {
			return fmt.Errorf("unknown column %q", col)
		}
		f := toFilter(filters[col].(map[string]any))
		if err := checkFilter(c, f); err != nil {
			return err
		}
		dst[col] = f
	}
	return nil
}

// checkFilter rejects a value the operator cannot compare against the column. The null
// operators ignore the value.
func checkFilter(c schema.Column, f query.Filter) error {
	switch f.Op {
	case query.OpIsNull, query.OpIsNotNull:
		return nil
	case query.OpLike:
		if _, ok := f.Value.(string); !ok {
			return fmt.Errorf("%s: like takes a string value", c.Name)
		}
		return nil
	}
	switch f.Value.(type) {
	case nil:
		return fmt.Errorf("%s: value is required, use isnull for NULL", c.Name)
	case map[string]any, []any:
		return fmt.Errorf("%s: value must be a string, number or boolean", c.Name)
	}
	s := validate.Schema(c.Type)
	if c.Type == schema.DateTime {
		s = openapi3.NewStringSchema()
	}
	if err := validate.Value(s, f.Value); err != nil {
		return fmt.Errorf("%s: %v", c.Name, err)
	}
	return nil
}

func (g *getList) unknown(col string) bool {
	_, ok := g.ColumnMap[col]
	return !ok
}

func toFilter(m map[string]any) query.Filter {
	op, _ := m["op"].(string)
	return query.Filter{Op: op, Value: m["value"]}
}

func (g *getList) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	q := req.Validated.(*listQuery)
	filters := g.visible(q.Filters)

	total, err := g.Repository.Count(ctx, g.table(), g.idField(), filters)
	if err != nil {
		return nil, err
	}
	data := []map[string]any{}
	if total > 0 {
		data, err = g.Repository.FetchAll(ctx, g.table(), g.columnNames(), filters, &q.Order, &q.Size)
		if err != nil {
			return nil, err
		}
	}

	meta := map[string]any{}
	applied := filters
	if sd := g.softDelete(); sd != nil {
		applied = sd.RemoveFilterField(filters)
	}
	for col, f := range applied {
		meta[col] = f
	}
	meta[ParamOrder] = q.Order
	meta[ParamSize] = q.Size
	meta["total_records"] = total

	resp := rest.NewResponse(map[string]any{"data": data, "_meta": meta})
	if total == 0 {
		resp.Code = http.StatusNotFound
	}
	resp.AuditLog(fmt.Sprintf("Read List %s record", g.table()), audit.ActionRead,
		map[string]any{"entity": g.table()}, nil, meta)
	return resp, nil
}
