// Package validate checks request payloads against field descriptors derived from table
// columns. A Field is plain data: one generic function interprets a list of them, and value
// checks are delegated to kin-openapi schemas, the same schemas published in the API document.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/getkin/kin-openapi/openapi3"
)

const (
	MsgRequired = "This field is required."
	MsgNotNull  = "This field may not be null."
	MsgNoObject = "Body must be a JSON object"
)

// Check is an extra per-field rule, typically a validator extension.
type Check interface {
	Validate(value any) error
}

// Field describes one input field.
type Field struct {
	Name     string
	Type     schema.PrimitiveType
	Required bool
	Nullable bool
	Checks   []Check
}

// Fields returns the descriptors of columns. withRequired marks NOT NULL columns without a
// default as required, as for inserts.
func Fields(columns []schema.Column, withRequired bool) []Field {
	out := make([]Field, 0, len(columns))
	for _, c := range columns {
		out = append(out, Field{
			Name:     c.Name,
			Type:     c.Type,
			Required: withRequired && c.Required(),
			Nullable: c.IsNullable,
		})
	}
	return out
}

// WithChecks attaches checks to the named fields and returns fields.
func WithChecks(fields []Field, checks map[string][]Check) []Field {
	for i := range fields {
		fields[i].Checks = append(fields[i].Checks, checks[fields[i].Name]...)
	}
	return fields
}

// Form validates a decoded JSON body and returns the known fields it carries. Unknown keys
// are dropped. Errors maps each failing field to its messages.
func Form(fields []Field, body any) (map[string]any, map[string]any) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, map[string]any{"_body": []string{MsgNoObject}}
	}

	data := make(map[string]any, len(fields))
	errs := map[string]any{}
	for _, f := range fields {
		v, present := obj[f.Name]
		if !present {
			if f.Required {
				errs[f.Name] = []string{MsgRequired}
			}
			continue
		}
		if msgs := f.check(v); len(msgs) > 0 {
			errs[f.Name] = msgs
			continue
		}
		data[f.Name] = v
	}
	if len(errs) == 0 {
		return data, nil
	}
	return data, errs
}

func (f Field) check(v any) []string {
	if v == nil {
		if f.Required || !f.Nullable {
			return []string{MsgNotNull}
		}
		return nil
	}
	if err := Value(Schema(f.Type), v); err != nil {
		return []string{err.Error()}
	}
	var msgs []string
	for _, c := range f.Checks {
		if err := c.Validate(v); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

// Schema returns the OpenAPI schema of a primitive type.
func Schema(t schema.PrimitiveType) *openapi3.Schema {
	switch t {
	case schema.Int:
		return openapi3.NewIntegerSchema()
	case schema.Float:
		return openapi3.NewFloat64Schema()
	case schema.Bool:
		return openapi3.NewBoolSchema()
	case schema.DateTime:
		return openapi3.NewDateTimeSchema()
	case schema.Object:
		return &openapi3.Schema{}
	default:
		return openapi3.NewStringSchema()
	}
}

// Value checks v against s. The error is the schema failure reason without the value dump
// kin-openapi appends.
func Value(s *openapi3.Schema, v any) error {
	err := s.VisitJSON(JSONValue(v))
	if err == nil {
		return nil
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) && se.Reason != "" {
		return errors.New(se.Reason)
	}
	return err
}

// JSONValue converts v to the types encoding/json produces, which is what schema validation
// understands: integers become float64 and structured values are round-tripped through JSON.
func JSONValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return v
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = JSONValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = JSONValue(x)
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}
