package errors

import (
	"errors"
)

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "" if
// there is none.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL_xxx error.
func IsValidation(err error) bool { return hasCategory(err, categoryValidation) }

// IsAuthentication reports whether err is an AUTH_xxx error. All token
// validation failures satisfy this predicate.
func IsAuthentication(err error) bool { return hasCategory(err, categoryAuthentication) }

// IsNotFound reports whether err is an NF_xxx error.
func IsNotFound(err error) bool { return hasCategory(err, categoryNotFound) }

// IsConflict reports whether err is a CONF_xxx error.
func IsConflict(err error) bool { return hasCategory(err, categoryConflict) }

// IsInternal reports whether err is an INT_xxx error.
func IsInternal(err error) bool { return hasCategory(err, categoryInternal) }

// IsUnavailable reports whether err is an UNAVAIL_xxx error.
func IsUnavailable(err error) bool { return hasCategory(err, categoryUnavailable) }

// IsTimeout reports whether err is a TIMEOUT_xxx error.
func IsTimeout(err error) bool { return hasCategory(err, categoryTimeout) }

// IsRetryable reports whether a client may retry the failed request.
// Only unavailable and timeout errors qualify.
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    w.Header().Set("Retry-After", "1")
//	}
func IsRetryable(err error) bool {
	return IsUnavailable(err) || IsTimeout(err)
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case categoryValidation, categoryAuthentication, categoryNotFound, categoryConflict:
		return true
	default:
		return false
	}
}

// IsServerError reports whether err maps to a 5xx status.
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case categoryInternal, categoryUnavailable, categoryTimeout:
		return true
	default:
		return false
	}
}
