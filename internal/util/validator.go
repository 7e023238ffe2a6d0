package util

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
)

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationErrors converts validator field errors into a ValidationError.
// Field names are dotted JSON paths without the root type. It reports false
// when err does not come from struct validation.
func ValidationErrors(err error) (*types.ValidationError, bool) {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return nil, false
	}

	verr := types.NewValidationError()
	for _, e := range fieldErrors {
		field := e.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		verr.Add(field, formatValidationMessage(e), e.Value())
	}
	return verr, true
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hostname_port":
		return "must be a host:port address"
	case "uuid":
		return "must be a valid GUID"
	case "email":
		return "must be a valid email address"
	case "hostname_rfc1123|ip":
		return "must be a hostname or IP address"
	case "excludesall":
		return "must not contain path separators"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
