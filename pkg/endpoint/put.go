package endpoint

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strconv"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"go.uber.org/zap"
)

type putSingle struct {
	Params
	form []validate.Field
}

// NewPutSingle returns PUT /create/{slug}, inserting one row.
func NewPutSingle(p Params) (*Endpoint, error) {
	r := &putSingle{Params: p, form: p.fields(true)}
	e := p.newEndpoint(config.PUT, config.Single, http.MethodPut, "/create/"+p.Table.Slug, r)
	e.Operation.Description = fmt.Sprintf("Create one %s record", p.table())
	e.Operation.RequestBody = openapi.ObjectSchema(p.Columns, true)
	e.Operation.Response = openapi.ObjectSchema(p.Columns, false)
	e.Operation.Codes = []int{http.StatusBadRequest}
	return e, nil
}

func (r *putSingle) Validate(_ context.Context, req *rest.Request) error {
	body, err := decodeBody(req)
	if err != nil {
		return err
	}
	data, errs := validate.Form(r.form, body)
	if errs != nil {
		return &rest.ValidationError{Errors: errs}
	}
	if r.onCreate() == nil && len(data) == 0 {
		return rest.NewValidationError("_body", []string{msgNoField})
	}
	req.Validated = data
	return nil
}

func (r *putSingle) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	data := req.Validated.(map[string]any)
	columns := r.columnNames()
	ts := r.onCreate()
	if ts != nil {
		columns = ts.SetColumns(columns)
		ts.SetFieldData(data, now())
	}

	id, err := r.Repository.InsertRecord(ctx, r.table(), r.idField(), columns, data)
	if err != nil {
		return nil, err
	}
	r.Logger.Debug("record created", zap.Any("id", id), zap.String("req_id", req.ID))

	change := maps.Clone(data)
	change["entity"] = r.table()

	body := maps.Clone(data)
	body[r.idField()] = id
	r.hideTimestamp(ts, body)
	resp := rest.NewResponse(body)
	resp.AuditLog(fmt.Sprintf("Create %s record", r.table()), audit.ActionCreate, change, body, nil)
	return resp, nil
}

type putList struct {
	Params
	form []validate.Field
}

// NewPutList returns PUT /create/{plural}, inserting up to MaxItems rows with one statement.
func NewPutList(p Params) (*Endpoint, error) {
	r := &putList{Params: p, form: p.fields(true)}
	e := p.newEndpoint(config.PUT, config.List, http.MethodPut, p.listPath("create"), r)
	e.Operation.Description = fmt.Sprintf("Create up to %d %s records", p.MaxItems, p.table())
	e.Operation.RequestBody = openapi.ArraySchema(openapi.ObjectSchema(p.Columns, true), 1, uint64(p.MaxItems))
	e.Operation.Codes = []int{http.StatusBadRequest}
	return e, nil
}

func (r *putList) Validate(_ context.Context, req *rest.Request) error {
	items, err := decodeList(req, r.MaxItems)
	if err != nil {
		return err
	}
	rows, errs := forms(r.form, items)
	if r.onCreate() == nil {
		for i, row := range rows {
			if row != nil && len(row) == 0 {
				addError(errs, i, "_body", msgNoField)
			}
		}
	}
	if len(errs) > 0 {
		return &rest.ValidationError{Errors: errs}
	}
	req.Validated = rows
	return nil
}

func (r *putList) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	rows := req.Validated.([]map[string]any)
	columns := r.columnNames()
	if ts := r.onCreate(); ts != nil {
		columns = ts.SetColumns(columns)
		at := now()
		for _, row := range rows {
			ts.SetFieldData(row, at)
		}
	}

	n, err := r.Repository.InsertBatch(ctx, r.table(), columns, rows)
	if err != nil {
		return nil, err
	}
	resp := rest.NewResponse(map[string]any{"code": http.StatusOK, "message": fmt.Sprintf("Affected rows: %d", n)})
	resp.AuditLog(fmt.Sprintf("Create List %s record", r.table()), audit.ActionCreate,
		map[string]any{"entity": r.table(), "rows": n}, nil, nil)
	return resp, nil
}

// forms validates every item of a list body. Errors are keyed by item index.
func forms(fields []validate.Field, items []any) ([]map[string]any, map[string]any) {
	rows := make([]map[string]any, len(items))
	errs := map[string]any{}
	for i, item := range items {
		data, fe := validate.Form(fields, item)
		if fe != nil {
			errs[strconv.Itoa(i)] = fe
			continue
		}
		rows[i] = data
	}
	return rows, errs
}
