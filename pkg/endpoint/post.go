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
)

type postSingle struct {
	Params
	form []validate.Field
}

type update struct {
	id   any
	data map[string]any
	prev map[string]any
}

// NewPostSingle returns POST /update/{slug}/{id}, updating the columns present in the body.
func NewPostSingle(p Params) (*Endpoint, error) {
	r := &postSingle{Params: p, form: p.fields(false)}
	e := p.newEndpoint(config.POST, config.Single, http.MethodPost, p.singlePath("update"), r)
	e.Operation.Description = fmt.Sprintf("Update one %s record", p.table())
	e.Operation.RequestBody = openapi.ObjectSchema(p.Columns, false)
	e.Operation.Response = openapi.ObjectSchema(p.Columns, false)
	e.Operation.Codes = []int{http.StatusBadRequest, http.StatusNotFound}
	return e, nil
}

func (r *postSingle) Validate(ctx context.Context, req *rest.Request) error {
	id, err := r.parseID(req.PathValue("id"))
	if err != nil {
		return err
	}
	rows, err := r.Repository.FetchBy(ctx, r.table(), r.columnNames(), r.visible(r.idFilter(id)))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.notFound(id)
	}

	body, err := decodeBody(req)
	if err != nil {
		return err
	}
	data, errs := validate.Form(r.form, body)
	if errs != nil {
		return &rest.ValidationError{Errors: errs}
	}
	if r.onUpdate() == nil && !writes(data, r.idField()) {
		return rest.NewValidationError("_body", []string{msgNoField})
	}
	req.Validated = &update{id: id, data: data, prev: rows[0]}
	return nil
}

func (r *postSingle) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	u := req.Validated.(*update)
	data := u.data
	data[r.idField()] = u.id

	columns := r.columnNames()
	ts := r.onUpdate()
	if ts != nil {
		columns = ts.SetColumns(columns)
		ts.SetFieldData(data, now())
	}
	if _, err := r.Repository.UpdateRecord(ctx, r.table(), r.idField(), columns, data); err != nil {
		return nil, err
	}

	change := maps.Clone(data)
	change["entity"] = r.table()

	body := maps.Clone(data)
	r.hideTimestamp(ts, body)
	resp := rest.NewResponse(body)
	resp.AuditLog(fmt.Sprintf("Update %s record", r.table()), audit.ActionUpdate, change, body, u.prev)
	return resp, nil
}

type postList struct {
	Params
	form []validate.Field
}

// NewPostList returns POST /update/{plural}. Every item carries the id of the row it updates
// and is applied with its own UPDATE.
func NewPostList(p Params) (*Endpoint, error) {
	r := &postList{Params: p, form: p.fields(false)}
	e := p.newEndpoint(config.POST, config.List, http.MethodPost, p.listPath("update"), r)
	e.Operation.Description = fmt.Sprintf("Update up to %d %s records", p.MaxItems, p.table())
	item := openapi.ObjectSchema(p.Columns, false)
	item.Required = []string{p.idField()}
	e.Operation.RequestBody = openapi.ArraySchema(item, 1, uint64(p.MaxItems))
	e.Operation.Response = openapi.ArraySchema(openapi.ObjectSchema(p.Columns, false), 1, uint64(p.MaxItems))
	e.Operation.Codes = []int{http.StatusBadRequest}
	return e, nil
}

func (r *postList) Validate(ctx context.Context, req *rest.Request) error {
	items, err := decodeList(req, r.MaxItems)
	if err != nil {
		return err
	}
	rows, errs := forms(r.form, items)
	stamped := r.onUpdate() != nil

	// Row ids are checked even when some items failed, so the client sees every problem.
	var ids []any
	index := map[string][]int{}
	for i, item := range items {
		obj, _ := item.(map[string]any)
		id, ok := obj[r.idField()]
		if !ok || id == nil {
			addError(errs, i, r.idField(), validate.MsgRequired)
			continue
		}
		if rows[i] != nil {
			if !stamped && !writes(rows[i], r.idField()) {
				addError(errs, i, "_body", msgNoField)
			}
			rows[i][r.idField()] = id
		}
		key := fmt.Sprint(id)
		if _, seen := index[key]; !seen {
			ids = append(ids, id)
		}
		index[key] = append(index[key], i)
	}

	missing, err := r.Repository.IDsNotInTable(ctx, r.table(), r.idField(), ids, r.visible(nil))
	if err != nil {
		return err
	}
	for _, id := range missing {
		for _, i := range index[fmt.Sprint(id)] {
			addError(errs, i, r.idField(), msgIDAbsent)
		}
	}

	if len(errs) > 0 {
		return &rest.ValidationError{Errors: errs}
	}
	req.Validated = rows
	return nil
}

// addError records msg for field of item i, keeping the errors the form already reported.
func addError(errs map[string]any, i int, field, msg string) {
	key := strconv.Itoa(i)
	fe, ok := errs[key].(map[string]any)
	if !ok {
		fe = map[string]any{}
		errs[key] = fe
	}
	fe[field] = msg
}

func (r *postList) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	rows := req.Validated.([]map[string]any)
	columns := r.columnNames()
	ts := r.onUpdate()
	if ts != nil {
		columns = ts.SetColumns(columns)
		at := now()
		for _, row := range rows {
			ts.SetFieldData(row, at)
		}
	}

	if _, err := r.Repository.UpdateBatch(ctx, r.table(), r.idField(), columns, rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		r.hideTimestamp(ts, row)
	}
	resp := rest.NewResponse(rows)
	resp.AuditLog(fmt.Sprintf("Update List %s record", r.table()), audit.ActionUpdate,
		map[string]any{"entity": r.table(), "rows": len(rows)}, rows, nil)
	return resp, nil
}
