// Package validation checks request structs with go-playground/validator and
// reports failures as field details in the shape API clients already parse:
//
//	{"message": "\"start\" is required", "path": ["start"], "type": "any.required",
//	 "context": {"key": "start", "label": "start"}}
//
// Details come out in struct field order.
package validation

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"metering-gateway/internal/common/errors"
)

// Validator validates structs tagged with `validate`.
type Validator struct {
	validator *validator.Validate
}

// New creates a Validator. Field names come from the query tag, then the
// json tag, then the Go name.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(fieldName)
	return &Validator{validator: v}
}

func fieldName(fld reflect.StructField) string {
	for _, tag := range []string{"query", "json"} {
		name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return fld.Name
}

// ValidateStruct returns nil or a validation AppError carrying one detail per
// invalid field.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !stderrors.As(err, &fieldErrors) {
		return errors.ValidationError(err.Error())
	}

	details := make([]errors.FieldDetail, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		details = append(details, detail(fe))
	}
	return errors.FieldValidationError(details)
}

func detail(fe validator.FieldError) errors.FieldDetail {
	name := fe.Field()
	ctx := map[string]string{"key": name, "label": name}
	d := errors.FieldDetail{
		Path:    []string{name},
		Context: ctx,
	}

	switch fe.Tag() {
	case "required":
		d.Type = "any.required"
		d.Message = fmt.Sprintf("%q is required", name)
	case "datetime":
		d.Type = "date.format"
		d.Message = fmt.Sprintf("%q must be in %s format", name, fe.Param())
		ctx["format"] = fe.Param()
	case "oneof":
		d.Type = "any.only"
		d.Message = fmt.Sprintf("%q must be one of [%s]", name, strings.Join(strings.Fields(fe.Param()), ", "))
		ctx["valids"] = fe.Param()
	case "min":
		d.Type = "string.min"
		d.Message = fmt.Sprintf("%q length must be at least %s characters long", name, fe.Param())
		ctx["limit"] = fe.Param()
	case "max":
		d.Type = "string.max"
		d.Message = fmt.Sprintf("%q length must be less than or equal to %s characters long", name, fe.Param())
		ctx["limit"] = fe.Param()
	default:
		d.Type = "any." + fe.Tag()
		d.Message = fmt.Sprintf("%q failed %s validation", name, fe.Tag())
	}
	return d
}
