package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choregarden/choregarden-core/internal/testutil"
	"github.com/choregarden/choregarden-core/internal/testutil/fixtures"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

func TestFromVerifiedClaims(t *testing.T) {
	t.Parallel()
	exp := time.Unix(1_900_000_000, 0)
	id := FromVerifiedClaims(&ClaimSet{Subject: fixtures.SubjectID, Email: fixtures.Email, ExpiresAt: exp})

	assert.Equal(t, fixtures.SubjectID, id.SubjectID)
	assert.Equal(t, fixtures.Email, id.Email)
	assert.True(t, exp.Equal(id.ExpiresAt))
	assert.Equal(t, fixtures.SubjectID, id.UserIdentity().SubjectID)
	assert.Equal(t, fixtures.Email, id.UserIdentity().Email)
}

func TestFromUnverifiedToken(t *testing.T) {
	t.Parallel()
	token := testutil.UnsignedToken(t, map[string]any{
		"sub":   fixtures.SubjectID,
		"email": fixtures.Email,
		"exp":   1_900_000_000,
	})

	id, err := FromUnverifiedToken(token)
	require.NoError(t, err)
	assert.Equal(t, fixtures.SubjectID, id.SubjectID)
	assert.Equal(t, fixtures.Email, id.Email)
	assert.Equal(t, int64(1_900_000_000), id.ExpiresAt.Unix())
}

func TestFromUnverifiedToken_IgnoresSignatureAndExpiry(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	claims := idp.Claims(fixtures.SubjectID, fixtures.Email)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	claims["aud"] = "someone-else"
	token := idp.Sign(t, fixtures.KeyID, claims)

	id, err := FromUnverifiedToken(token)
	require.NoError(t, err)
	assert.Equal(t, fixtures.SubjectID, id.SubjectID)
	assert.Zero(t, idp.Fetches(), "payload decoding must not contact the provider")
}

func TestFromUnverifiedToken_NoEmail(t *testing.T) {
	t.Parallel()
	id, err := FromUnverifiedToken(testutil.UnsignedToken(t, map[string]any{"sub": "only-sub"}))
	require.NoError(t, err)
	assert.Equal(t, "only-sub", id.SubjectID)
	assert.Empty(t, id.Email)
	assert.True(t, id.ExpiresAt.IsZero())
}

func TestFromUnverifiedToken_Malformed(t *testing.T) {
	t.Parallel()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", header + "." + payload(`{"sub":"x"}`)},
		{"payload not base64", header + ".!!!.c2ln"},
		{"payload not json", header + "." + payload("not json") + ".c2ln"},
		{"payload is array", header + "." + payload(`["sub"]`) + ".c2ln"},
		{"no subject", header + "." + payload(`{"email":"a@b.c"}`) + ".c2ln"},
		{"empty subject", header + "." + payload(`{"sub":""}`) + ".c2ln"},
		{"non-string subject", header + "." + payload(`{"sub":42}`) + ".c2ln"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := FromUnverifiedToken(tt.token)
			testutil.AssertErrorCode(t, err, cgerr.CodeMalformedToken)
		})
	}
}
