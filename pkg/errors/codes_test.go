package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_Category(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want string
	}{
		{CodeValidationRequired, "VAL"},
		{CodeKeyNotFound, "AUTH"},
		{CodeUserNotFound, "NF"},
		{CodeAlreadyExists, "CONF"},
		{CodePersistence, "INT"},
		{CodeAuthServiceUnavailable, "UNAVAIL"},
		{CodeTimeoutDatabase, "TIMEOUT"},
		{Code("NOUNDERSCORE"), "NOUNDERSCORE"},
		{Code(""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestCodes_AreUnique(t *testing.T) {
	t.Parallel()
	all := []Code{
		CodeValidation, CodeValidationRequired,
		CodeNoAuthorizationHeader, CodeMalformedToken, CodeInvalidSignature,
		CodeExpiredToken, CodeAudienceMismatch, CodeIssuerMismatch,
		CodeKeyNotFound, CodeAuthentication,
		CodeNotFound, CodeUserNotFound,
		CodeConflict, CodeAlreadyExists,
		CodeInternal, CodePersistence, CodeInternalConfiguration,
		CodeUnavailable, CodeAuthServiceUnavailable, CodeDependencyUnavailable,
		CodeTimeout, CodeTimeoutDatabase,
	}
	seen := make(map[Code]bool, len(all))
	for _, c := range all {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}
