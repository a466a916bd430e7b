// Package testutil provides shared test helpers.
//
// Helpers accept [testing.TB] and call t.Helper(). Functions named Require*
// halt the test; Assert* record the failure and continue.
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// RequireErrorCode halts the test unless err is a *cgerr.Error carrying
// code.
func RequireErrorCode(t testing.TB, err error, code cgerr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	cgErr, ok := cgerr.AsError(err)
	require.True(t, ok, "expected *cgerr.Error, got %T: %v", err, err)
	require.Equal(t, code, cgErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		cgErr.Code, code, cgErr.Message)
}

// AssertErrorCode is the non-halting form of [RequireErrorCode], for table
// tests.
func AssertErrorCode(t testing.TB, err error, code cgerr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	cgErr, ok := cgerr.AsError(err)
	if !assert.True(t, ok, "expected *cgerr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, cgErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		cgErr.Code, code, cgErr.Message)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DecodeJSONBody decodes a recorded response body into a map.
func DecodeJSONBody(t testing.TB, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body),
		"response body is not JSON: %s", rec.Body.String())
	return body
}

// AssertErrorBody asserts the response carries status and {"error": msg}.
func AssertErrorBody(t testing.TB, rec *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":`+mustJSON(t, msg)+`}`, rec.Body.String())
}

// AssertJSONNotContains asserts the JSON encoding of v does not contain
// unexpected. Used to check that secrets stay redacted.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.NotContains(t, string(data), unexpected,
		"expected JSON to NOT contain %q, got: %s", unexpected, string(data))
}

func mustJSON(t testing.TB, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
