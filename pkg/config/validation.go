package config

import (
	"reflect"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// Validator is implemented by configuration structs that need checks beyond
// `required:"true"`. Load calls Validate after the required-field pass.
// Returned *cgerr.Error values pass through unchanged; any other error is
// wrapped with [cgerr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isCGErr := cgerr.AsError(err); isCGErr {
			return err
		}
		return cgerr.Wrap(err, cgerr.CodeValidation, "config: custom validation failed")
	}
	return nil
}

// validateRequired walks rv and reports the first `required:"true"` field
// that is still zero, using a dotted path such as "Cognito.UserPoolID".
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return cgerr.Newf(cgerr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
