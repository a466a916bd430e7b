// Package errors defines the structured error type shared by every Chore
// Garden backend package. Each error carries a machine-readable [Code] whose
// category prefix determines the HTTP status the API layer responds with.
//
// # Error Categories
//
//   - Validation (VAL): malformed request bodies and configuration
//   - Authentication (AUTH): missing headers and every token validation failure
//   - NotFound (NF): unknown users or resources
//   - Conflict (CONF): unique constraint violations
//   - Internal (INT): persistence and configuration failures
//   - Unavailable (UNAVAIL): the identity provider or a dependency cannot be reached
//   - Timeout (TIMEOUT): an operation exceeded its deadline
//
// Only Unavailable and Timeout errors are eligible for client retry; see
// [IsRetryable].
//
// # Usage
//
//	err := errors.New(errors.CodeExpiredToken, "auth: token has expired")
//
//	row, err := db.Query(ctx, sql)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodePersistence, "users: lookup failed")
//	}
//
//	if errors.IsAuthentication(err) {
//	    // respond 401 with a generic message
//	}
package errors
