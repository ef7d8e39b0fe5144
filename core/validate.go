package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator. Field names in errors are
// taken from json tags so they match what API clients send.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// checkStruct runs tag validation on s and appends every failure to ve.
func checkStruct(ve *ValidationError, prefix string, s interface{}) {
	err := Validator().Struct(s)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		ve.Add(prefix, err.Error())
		return
	}
	for _, fe := range fieldErrs {
		// Namespace is "Type.field.sub"; drop the root type name.
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		if prefix != "" {
			ns = prefix + "." + ns
		}
		ve.Add(ns, describeTag(fe))
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url", "http_url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "hostname_rfc1123", "hostname":
		return "must be a valid hostname"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// ValidateStruct runs tag validation on any request struct and returns a
// ValidationError of the given kind, or nil.
func ValidateStruct(kind string, s interface{}) error {
	ve := NewValidationError(kind, "")
	checkStruct(ve, "", s)
	return ve.ErrOrNil()
}
