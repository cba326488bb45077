package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/edgeflare/sqlapi/pkg/repository"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code        int `json:"code"`
	Description any `json:"description"`
}

// ValidationError rejects a request with 400. Errors maps a field, or a list index, to what
// is wrong with it.
type ValidationError struct {
	Errors map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Errors)
}

// NewValidationError returns a ValidationError for one field.
func NewValidationError(field string, reason any) *ValidationError {
	return &ValidationError{Errors: map[string]any{field: reason}}
}

// NotFoundError rejects a request with 404.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// HTTPError is an error with an explicit status, as raised by request hooks.
type HTTPError struct {
	Code        int
	Description any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Code, http.StatusText(e.Code), e.Description)
}

// ErrorResponse maps err to a status code and body. Details of unclassified errors never
// reach the client.
func ErrorResponse(err error) (int, ErrorBody) {
	var (
		ve *ValidationError
		nf *NotFoundError
		he *HTTPError
		ce *repository.ConstraintError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorBody{Code: http.StatusBadRequest, Description: ve.Errors}
	case errors.As(err, &nf):
		return http.StatusNotFound, ErrorBody{Code: http.StatusNotFound, Description: nf.Message}
	case errors.As(err, &he):
		return he.Code, ErrorBody{Code: he.Code, Description: he.Description}
	case errors.As(err, &ce):
		return http.StatusBadRequest, ErrorBody{Code: http.StatusBadRequest, Description: ce.Error()}
	}
	return http.StatusInternalServerError, ErrorBody{Code: http.StatusInternalServerError, Description: "Server Error"}
}
