package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
)

type deleteSingle struct {
	Params
}

type removal struct {
	id any
	// deleted is set when the row is already soft deleted.
	deleted bool
}

// NewDeleteSingle returns DELETE /delete/{slug}/{id}. With soft_delete enabled the row is
// stamped and the configured cascades follow; deleting a soft deleted row again succeeds
// without touching it.
func NewDeleteSingle(p Params) (*Endpoint, error) {
	e := p.newEndpoint(config.DELETE, config.Single, http.MethodDelete, p.singlePath("delete"), &deleteSingle{p})
	e.Operation.Description = fmt.Sprintf("Delete one %s record", p.table())
	e.Operation.Response = deleteResponseSchema()
	e.Operation.Codes = []int{http.StatusBadRequest, http.StatusNotFound}
	return e, nil
}

func (r *deleteSingle) Validate(ctx context.Context, req *rest.Request) error {
	id, err := r.parseID(req.PathValue("id"))
	if err != nil {
		return err
	}
	columns := []string{r.idField()}
	sd := r.softDelete()
	if sd != nil {
		columns = append(columns, sd.Field())
	}
	rows, err := r.Repository.FetchBy(ctx, r.table(), columns, r.idFilter(id))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.notFound(id)
	}
	req.Validated = &removal{id: id, deleted: sd != nil && rows[0][sd.Field()] != nil}
	return nil
}

func (r *deleteSingle) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	rm := req.Validated.(*removal)
	action := audit.ActionDelete
	switch sd := r.softDelete(); {
	case sd != nil && rm.deleted:
		action = audit.ActionSoftDelete
		r.Logger.Debug("record already deleted", zap.Any("id", rm.id), zap.String("req_id", req.ID))
	case sd != nil:
		action = audit.ActionSoftDelete
		if err := sd.Delete(ctx, r.idField(), rm.id, now()); err != nil {
			return nil, err
		}
	default:
		if _, err := r.Repository.DeleteRecord(ctx, r.table(), r.idField(), rm.id); err != nil {
			return nil, err
		}
	}

	resp := rest.NewResponse(okResponse())
	resp.AuditLog(fmt.Sprintf("Delete %s record", r.table()), action,
		map[string]any{"entity": r.table(), "id": rm.id}, map[string]any{"deleted": "deleted"}, nil)
	return resp, nil
}

type deleteList struct {
	Params
	ids *openapi3.Schema
}

// NewDeleteList returns DELETE /delete/{plural}, whose body is the array of ids to delete.
func NewDeleteList(p Params) (*Endpoint, error) {
	r := &deleteList{Params: p, ids: openapi3.NewArraySchema().WithItems(validate.Schema(p.Table.IDColumn().Type))}
	e := p.newEndpoint(config.DELETE, config.List, http.MethodDelete, p.listPath("delete"), r)
	e.Operation.Description = fmt.Sprintf("Delete up to %d %s records", p.MaxItems, p.table())
	e.Operation.RequestBody = openapi.ArraySchema(validate.Schema(p.Table.IDColumn().Type), 1, uint64(p.MaxItems))
	e.Operation.Response = deleteResponseSchema()
	e.Operation.Codes = []int{http.StatusBadRequest}
	return e, nil
}

func (r *deleteList) Validate(ctx context.Context, req *rest.Request) error {
	ids, err := decodeList(req, r.MaxItems)
	if err != nil {
		return err
	}
	if err := validate.Value(r.ids, ids); err != nil {
		return rest.NewValidationError("_body", []string{err.Error()})
	}

	missing, err := r.Repository.IDsNotInTable(ctx, r.table(), r.idField(), ids, nil)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		errs := make(map[string]any, len(missing))
		for _, id := range missing {
			errs[fmt.Sprint(id)] = msgIDAbsent
		}
		return &rest.ValidationError{Errors: errs}
	}

	// Rows already soft deleted keep their first deletion time.
	if sd := r.softDelete(); sd != nil {
		gone, err := r.Repository.IDsNotInTable(ctx, r.table(), r.idField(), ids, r.visible(nil))
		if err != nil {
			return err
		}
		ids = slices.DeleteFunc(ids, func(id any) bool {
			return slices.ContainsFunc(gone, func(g any) bool { return fmt.Sprint(g) == fmt.Sprint(id) })
		})
	}
	req.Validated = ids
	return nil
}

func (r *deleteList) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	ids := req.Validated.([]any)
	action := audit.ActionDelete
	if sd := r.softDelete(); sd != nil {
		action = audit.ActionSoftDelete
		if len(ids) > 0 {
			if err := sd.DeleteBatch(ctx, r.idField(), ids, now()); err != nil {
				return nil, err
			}
		}
	} else if _, err := r.Repository.DeleteBatch(ctx, r.table(), r.idField(), ids); err != nil {
		return nil, err
	}

	resp := rest.NewResponse(okResponse())
	resp.AuditLog(fmt.Sprintf("Delete List %s record", r.table()), action,
		map[string]any{"entity": r.table(), "ids": ids}, map[string]any{"deleted": "deleted"}, nil)
	return resp, nil
}

func deleteResponseSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewIntegerSchema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("errors", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()))
}
