package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// ExternalIdentity is who a bearer token says the caller is. It is never
// persisted as-is.
type ExternalIdentity struct {
	SubjectID string
	Email     string

	// ExpiresAt is zero when the token carried no exp claim.
	ExpiresAt time.Time
}

// UserIdentity converts to the provisioning input.
func (e ExternalIdentity) UserIdentity() users.Identity {
	return users.Identity{SubjectID: e.SubjectID, Email: e.Email}
}

// FromVerifiedClaims maps a verified claim set. It performs no checks of
// its own.
func FromVerifiedClaims(c *ClaimSet) ExternalIdentity {
	return ExternalIdentity{
		SubjectID: c.Subject,
		Email:     c.Email,
		ExpiresAt: c.ExpiresAt,
	}
}

// FromUnverifiedToken decodes the payload of a compact token WITHOUT
// checking its signature or any claim. Only call it for requests that a
// trusted gateway has already authenticated.
//
// It fails with [cgerr.CodeMalformedToken] when the token cannot be decoded
// or has no sub claim.
func FromUnverifiedToken(token string) (ExternalIdentity, error) {
	if token == "" || len(token) > maxTokenSize {
		return ExternalIdentity{}, cgerr.New(cgerr.CodeMalformedToken, "auth: token is empty or oversized")
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return ExternalIdentity{}, cgerr.Wrap(err, cgerr.CodeMalformedToken, "auth: token payload cannot be decoded")
	}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return ExternalIdentity{}, cgerr.New(cgerr.CodeMalformedToken, "auth: token payload has no subject")
	}

	id := ExternalIdentity{SubjectID: sub}
	id.Email, _ = mc["email"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}
