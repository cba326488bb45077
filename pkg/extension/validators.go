package extension

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mitchellh/mapstructure"
)

// Validator checks one column value. Nil values never reach a validator.
type Validator interface {
	Validate(value any) error
}

type ValidatorFunc func(value any) error

func (f ValidatorFunc) Validate(value any) error { return f(value) }

// schemaValidator checks values against an OpenAPI schema.
type schemaValidator struct {
	schema *openapi3.Schema
}

func (v schemaValidator) Validate(value any) error {
	return validate.Value(v.schema, value)
}

func init() {
	RegisterValidator("pattern", newPattern)
	RegisterValidator("length", newLength)
	RegisterValidator("range", newRange)
	RegisterValidator("one_of", newOneOf)
	RegisterValidator("not_blank", func(schema.Column, map[string]any) (Validator, error) {
		return ValidatorFunc(notBlank), nil
	})
}

func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

func newPattern(_ schema.Column, args map[string]any) (Validator, error) {
	var a struct {
		Pattern string `mapstructure:"pattern"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Pattern == "" {
		return nil, errors.New("pattern: pattern is required")
	}
	if _, err := regexp.Compile(a.Pattern); err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	return schemaValidator{&openapi3.Schema{Pattern: a.Pattern}}, nil
}

func newLength(_ schema.Column, args map[string]any) (Validator, error) {
	var a struct {
		Min uint64  `mapstructure:"min"`
		Max *uint64 `mapstructure:"max"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Max != nil && *a.Max < a.Min {
		return nil, fmt.Errorf("length: max %d is lower than min %d", *a.Max, a.Min)
	}
	return schemaValidator{&openapi3.Schema{MinLength: a.Min, MaxLength: a.Max}}, nil
}

func newRange(_ schema.Column, args map[string]any) (Validator, error) {
	var a struct {
		Min *float64 `mapstructure:"min"`
		Max *float64 `mapstructure:"max"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Min == nil && a.Max == nil {
		return nil, errors.New("range: min or max is required")
	}
	return schemaValidator{&openapi3.Schema{Min: a.Min, Max: a.Max}}, nil
}

func newOneOf(_ schema.Column, args map[string]any) (Validator, error) {
	var a struct {
		Values []any `mapstructure:"values"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if len(a.Values) == 0 {
		return nil, errors.New("one_of: values is required")
	}
	enum := make([]any, len(a.Values))
	for i, v := range a.Values {
		enum[i] = validate.JSONValue(v)
	}
	return schemaValidator{&openapi3.Schema{Enum: enum}}, nil
}

func notBlank(value any) error {
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return errors.New("value must not be blank")
	}
	return nil
}
