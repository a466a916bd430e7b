package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choregarden/choregarden-core/internal/testutil"
	"github.com/choregarden/choregarden-core/internal/testutil/fixtures"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/metrics"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// authHarness wires an Authenticator to a fake provider and an in-memory
// user table.
type authHarness struct {
	idp   *testutil.IdentityProvider
	repo  *users.MemoryRepository
	auth  *Authenticator
	m     *metrics.Metrics
	seen  *RequestIdentity
	calls int
}

func newAuthHarness(t *testing.T, gatewayTrust bool) *authHarness {
	t.Helper()
	idp := testutil.NewIdentityProvider(t)
	repo := users.NewMemoryRepository()
	m := metrics.New(metrics.WithoutDefaultCollectors())
	prov := users.NewProvisioner(repo, testutil.DiscardLogger())

	a := NewAuthenticator(
		AuthenticatorConfig{Issuer: issuerFor(idp), GatewayTrust: gatewayTrust},
		newTestVerifier(), prov, prov, testutil.DiscardLogger(),
		WithAuthMetrics(m),
	)
	return &authHarness{idp: idp, repo: repo, auth: a, m: m}
}

// handler records the identity it was called with.
func (h *authHarness) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		h.seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func request(token string, headers ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/pingprotected", nil)
	if token != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// ExtractBearerToken
// ---------------------------------------------------------------------------

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"abc.def.ghi", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractBearerToken(tt.header), "header %q", tt.header)
	}
}

// ---------------------------------------------------------------------------
// RequireAuth: direct path
// ---------------------------------------------------------------------------

func TestRequireAuth_DirectProvisionsUser(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	rec := serve(h.auth.RequireAuth(h.handler()), request(h.idp.Token(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, h.seen)
	assert.Equal(t, fixtures.SubjectID, h.seen.SubjectID)
	assert.Equal(t, fixtures.Email, h.seen.Email)
	assert.Equal(t, TrustDirect, h.seen.Source)
	require.NotNil(t, h.seen.AppUser())
	assert.Equal(t, fixtures.SubjectID, h.seen.AppUser().CognitoUserID)
	assert.Equal(t, 1, h.repo.Len())

	rec = serve(h.auth.RequireAuth(h.handler()), request(h.idp.Token(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.repo.Len(), "repeat logins reuse the row")
	assert.Equal(t, 1, h.repo.Calls("Create"))
}

func TestRequireAuth_MissingToken(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(HeaderAuthorization, header)
		}
		rec := serve(h.auth.RequireAuth(h.handler()), req)
		testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "No authorization header")
	}
	assert.Zero(t, h.calls)
}

func TestRequireAuth_InvalidTokenHasNoSideEffects(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	impostor := testutil.NewIdentityProvider(t)
	forged := impostor.Sign(t, fixtures.KeyID, h.idp.Claims(fixtures.SubjectID, fixtures.Email))

	rec := serve(h.auth.RequireAuth(h.handler()), request(forged))
	testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Invalid token")
	assert.Zero(t, h.calls)
	assert.Zero(t, h.repo.Len())
	assert.Zero(t, h.repo.Calls("FindBySubjectID"))
	assert.Zero(t, h.repo.Calls("Create"))
}

func TestRequireAuth_RejectionsShareOneBody(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	expired := h.idp.Claims(fixtures.SubjectID, fixtures.Email)
	expired["exp"] = int64(1)
	wrongAud := h.idp.Claims(fixtures.SubjectID, fixtures.Email)
	wrongAud["aud"] = "other"

	for _, token := range []string{
		"garbage",
		h.idp.Sign(t, fixtures.KeyID, expired),
		h.idp.Sign(t, fixtures.KeyID, wrongAud),
		testutil.UnsignedToken(t, h.idp.Claims(fixtures.SubjectID, fixtures.Email)),
	} {
		rec := serve(h.auth.RequireAuth(h.handler()), request(token))
		testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Invalid token")
	}
	assert.Zero(t, h.calls)
}

func TestRequireAuth_KeySetUnavailable(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	h.idp.SetStatus(http.StatusBadGateway)

	rec := serve(h.auth.RequireAuth(h.handler()), request(h.idp.Token(t)))
	testutil.AssertErrorBody(t, rec, http.StatusServiceUnavailable, "Authentication service unavailable")
	assert.Zero(t, h.calls)
}

type failingProvisioner struct{ err error }

func (p failingProvisioner) GetOrCreate(context.Context, users.Identity) (*users.User, error) {
	return nil, p.err
}

func TestRequireAuth_ProvisioningFailure(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	a := NewAuthenticator(
		AuthenticatorConfig{Issuer: issuerFor(idp), GatewayTrust: true},
		newTestVerifier(),
		failingProvisioner{err: cgerr.New(cgerr.CodePersistence, "connection reset")},
		nil, testutil.DiscardLogger(),
	)

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	rec := serve(a.RequireAuth(next), request(idp.Token(t)))
	testutil.AssertErrorBody(t, rec, http.StatusInternalServerError, "Failed to provision user")
	assert.NotContains(t, rec.Body.String(), "connection reset")
	assert.False(t, called)
}

// ---------------------------------------------------------------------------
// RequireAuth: gateway path
// ---------------------------------------------------------------------------

func TestRequireAuth_GatewayDecodesWithoutVerification(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	token := testutil.UnsignedToken(t, map[string]any{"sub": fixtures.SubjectID, "email": fixtures.Email})

	rec := serve(h.auth.RequireAuth(h.handler()), request(token, "x-amzn-requestid", "req-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, h.seen)
	assert.Equal(t, fixtures.SubjectID, h.seen.SubjectID)
	assert.Equal(t, fixtures.Email, h.seen.Email)
	assert.Equal(t, TrustGateway, h.seen.Source)
	assert.Nil(t, h.seen.AppUser(), "the gateway path never loads the user")

	assert.Zero(t, h.idp.Fetches())
	assert.Zero(t, h.repo.Calls("FindBySubjectID"))
	assert.Zero(t, h.repo.Calls("Create"))
}

func TestRequireAuth_GatewayViaHeader(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	token := testutil.UnsignedToken(t, map[string]any{"sub": fixtures.SubjectID})

	rec := serve(h.auth.RequireAuth(h.handler()), request(token, "Via", "HTTP/1.1 AmazonAPIGateway"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TrustGateway, h.seen.Source)
}

func TestRequireAuth_GatewayUndecodableToken(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	rec := serve(h.auth.RequireAuth(h.handler()), request("garbage", "X-Amzn-Requestid", "req-1"))
	testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Invalid token format")

	noSub := testutil.UnsignedToken(t, map[string]any{"email": fixtures.Email})
	rec = serve(h.auth.RequireAuth(h.handler()), request(noSub, "X-Amzn-Requestid", "req-2"))
	testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Invalid token format")
	assert.Zero(t, h.calls)
}

func TestRequireAuth_GatewayTrustDisabled(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, false)
	token := testutil.UnsignedToken(t, map[string]any{"sub": fixtures.SubjectID})

	rec := serve(h.auth.RequireAuth(h.handler()), request(token, "X-Amzn-Requestid", "spoofed"))
	testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Invalid token")
	assert.Zero(t, h.calls)

	rec = serve(h.auth.RequireAuth(h.handler()), request(h.idp.Token(t), "X-Amzn-Requestid", "req-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TrustDirect, h.seen.Source)
	assert.NotNil(t, h.seen.AppUser())
}

func TestRequireAuth_RecordsMetrics(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	gw := testutil.UnsignedToken(t, map[string]any{"sub": fixtures.SubjectID})

	serve(h.auth.RequireAuth(h.handler()), request(h.idp.Token(t)))
	serve(h.auth.RequireAuth(h.handler()), request("garbage"))
	serve(h.auth.RequireAuth(h.handler()), request(""))
	serve(h.auth.RequireAuth(h.handler()), request(gw, "X-Amz-Cf-Id", "cf"))

	expected := `
# HELP auth_attempts_total Request authentication attempts by trust path and outcome.
# TYPE auth_attempts_total counter
auth_attempts_total{outcome="missing",path="direct"} 1
auth_attempts_total{outcome="rejected",path="direct"} 1
auth_attempts_total{outcome="success",path="direct"} 1
auth_attempts_total{outcome="success",path="gateway"} 1
`
	require.NoError(t, promtestutil.GatherAndCompare(h.m.Registry(), strings.NewReader(expected), "auth_attempts_total"))
}

// ---------------------------------------------------------------------------
// RequireUser / LoadUser
// ---------------------------------------------------------------------------

func gatewayRequest(t *testing.T, subject string) *http.Request {
	t.Helper()
	return request(testutil.UnsignedToken(t, map[string]any{"sub": subject}), "X-Amzn-Requestid", "req")
}

func TestRequireUser_LoadsExistingUser(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	_, err := h.repo.Create(context.Background(), users.NewUser{SubjectID: fixtures.SubjectID, Email: fixtures.Email})
	require.NoError(t, err)

	chain := h.auth.RequireAuth(h.auth.RequireUser(h.handler()))
	rec := serve(chain, gatewayRequest(t, fixtures.SubjectID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, h.seen.AppUser())
	assert.Equal(t, fixtures.Email, h.seen.AppUser().Email)
}

func TestRequireUser_UnknownUserNeverProvisions(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	chain := h.auth.RequireAuth(h.auth.RequireUser(h.handler()))
	rec := serve(chain, gatewayRequest(t, fixtures.SubjectID))
	testutil.AssertErrorBody(t, rec, http.StatusNotFound, "User not found. Please register first.")
	assert.Zero(t, h.repo.Len())
	assert.Zero(t, h.repo.Calls("Create"))
	assert.Zero(t, h.calls)
}

func TestRequireUser_DirectPathSkipsLookup(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	chain := h.auth.RequireAuth(h.auth.RequireUser(h.handler()))
	rec := serve(chain, request(h.idp.Token(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.repo.Calls("FindBySubjectID"), "only the provisioning lookup runs")
}

func TestRequireUser_WithoutIdentity(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)

	rec := serve(h.auth.RequireUser(h.handler()), httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.AssertErrorBody(t, rec, http.StatusUnauthorized, "Authentication required")
}

type failingLookup struct{}

func (failingLookup) Lookup(context.Context, string) (*users.User, error) {
	return nil, errors.New("db down")
}

func TestRequireUser_LookupFailure(t *testing.T) {
	t.Parallel()
	a := NewAuthenticator(AuthenticatorConfig{}, nil, nil, failingLookup{}, testutil.DiscardLogger())
	ctx := ContextWithIdentity(context.Background(), &RequestIdentity{SubjectID: fixtures.SubjectID, Source: TrustGateway})

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	rec := serve(a.RequireUser(next), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	testutil.AssertErrorBody(t, rec, http.StatusInternalServerError, "Failed to look up user")
	assert.False(t, called)
}

func TestLoadUser(t *testing.T) {
	t.Parallel()
	h := newAuthHarness(t, true)
	_, err := h.repo.Create(context.Background(), users.NewUser{SubjectID: fixtures.SubjectID, Email: fixtures.Email})
	require.NoError(t, err)
	chain := h.auth.RequireAuth(h.auth.LoadUser(h.handler()))

	rec := serve(chain, gatewayRequest(t, fixtures.SubjectID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, h.seen.AppUser())

	rec = serve(chain, gatewayRequest(t, fixtures.AltSubjectID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.seen)
	assert.Nil(t, h.seen.AppUser())
	assert.Equal(t, 1, h.repo.Len())
}

func TestLoadUser_LookupFailureContinues(t *testing.T) {
	t.Parallel()
	a := NewAuthenticator(AuthenticatorConfig{}, nil, nil, failingLookup{}, testutil.DiscardLogger())
	ctx := ContextWithIdentity(context.Background(), &RequestIdentity{SubjectID: fixtures.SubjectID})

	var seen *RequestIdentity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	rec := serve(a.LoadUser(next), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Nil(t, seen.AppUser())
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

func TestIdentityFromContext(t *testing.T) {
	t.Parallel()
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithIdentity(context.Background(), nil)
	_, ok = IdentityFromContext(ctx)
	assert.False(t, ok, "a nil identity is not an identity")

	id := &RequestIdentity{SubjectID: fixtures.SubjectID}
	got, ok := IdentityFromContext(ContextWithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Same(t, id, got)
}

func TestRequestIdentity_WithUserCopies(t *testing.T) {
	t.Parallel()
	id := &RequestIdentity{SubjectID: fixtures.SubjectID}
	u := &users.User{ID: fixtures.UserID, CognitoUserID: fixtures.SubjectID}

	withUser := id.WithUser(u)
	assert.Nil(t, id.AppUser())
	assert.Same(t, u, withUser.AppUser())
	assert.Equal(t, id.SubjectID, withUser.SubjectID)

	var nilID *RequestIdentity
	assert.Nil(t, nilID.AppUser())
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	t.Parallel()
	_, ok := TraceIDFromContext(context.Background())
	assert.False(t, ok)
}
