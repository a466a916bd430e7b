package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned; clients and dashboards key off them.
type Code string

const (
	categoryValidation     = "VAL"
	categoryAuthentication = "AUTH"
	categoryNotFound       = "NF"
	categoryConflict       = "CONF"
	categoryInternal       = "INT"
	categoryUnavailable    = "UNAVAIL"
	categoryTimeout        = "TIMEOUT"
)

// Validation errors (VAL_xxx) - HTTP 400.
const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
)

// Authentication errors (AUTH_xxx) - HTTP 401. Every token validation
// failure lives here so that callers can reject with a single check.
const (
	// CodeNoAuthorizationHeader: no "Authorization: Bearer" header.
	CodeNoAuthorizationHeader Code = "AUTH_001"

	// CodeMalformedToken: the token is not a well-formed compact JWT, its
	// header names a forbidden algorithm, or its payload lacks a subject.
	CodeMalformedToken Code = "AUTH_002"

	// CodeInvalidSignature: the signature does not verify against the
	// resolved public key.
	CodeInvalidSignature Code = "AUTH_003"

	// CodeExpiredToken: exp is at or before the verification instant.
	CodeExpiredToken Code = "AUTH_004"

	// CodeAudienceMismatch: aud does not contain the configured client id.
	CodeAudienceMismatch Code = "AUTH_005"

	// CodeIssuerMismatch: iss is not the configured user pool issuer.
	CodeIssuerMismatch Code = "AUTH_006"

	// CodeKeyNotFound: the token's kid is absent from the issuer's key set,
	// even after the permitted refresh.
	CodeKeyNotFound Code = "AUTH_007"

	// CodeAuthentication is a general authentication failure, used when a
	// handler requires an identity that no middleware attached.
	CodeAuthentication Code = "AUTH_008"
)

// Not found errors (NF_xxx) - HTTP 404.
const (
	CodeNotFound     Code = "NF_001"
	CodeUserNotFound Code = "NF_002"
)

// Conflict errors (CONF_xxx) - HTTP 409.
const (
	CodeConflict Code = "CONF_001"

	// CodeAlreadyExists is returned by the Postgres client for unique
	// constraint violations (SQLSTATE 23505).
	CodeAlreadyExists Code = "CONF_002"
)

// Internal errors (INT_xxx) - HTTP 500.
const (
	CodeInternal              Code = "INT_001"
	CodePersistence           Code = "INT_002"
	CodeInternalConfiguration Code = "INT_003"
)

// Unavailable errors (UNAVAIL_xxx) - HTTP 503.
const (
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeAuthServiceUnavailable: the identity provider's key set could not
	// be retrieved. The token was never adjudicated, so this is not a 401.
	CodeAuthServiceUnavailable Code = "UNAVAIL_002"

	CodeDependencyUnavailable Code = "UNAVAIL_003"
)

// Timeout errors (TIMEOUT_xxx) - HTTP 504.
const (
	CodeTimeout         Code = "TIMEOUT_001"
	CodeTimeoutDatabase Code = "TIMEOUT_002"
)

// String returns the code as a string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g., "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
