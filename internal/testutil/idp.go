package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"

	"github.com/choregarden/choregarden-core/internal/testutil/fixtures"
)

// IdentityProvider is a fake user-pool token issuer. It signs ID tokens
// with RSA keys and publishes the public halves at
// {Authority}/{PoolID}/.well-known/jwks.json.
type IdentityProvider struct {
	Server   *httptest.Server
	PoolID   string
	ClientID string

	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	published map[string]bool
	status    int
	delay     time.Duration
	fetches   atomic.Int64
}

// NewIdentityProvider starts a provider with one published key,
// [fixtures.KeyID]. The server is closed on test cleanup.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()
	p := &IdentityProvider{
		PoolID:    fixtures.UserPoolID,
		ClientID:  fixtures.ClientID,
		keys:      make(map[string]*rsa.PrivateKey),
		published: make(map[string]bool),
		status:    http.StatusOK,
	}
	p.AddKey(t, fixtures.KeyID, true)
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveJWKS))
	t.Cleanup(p.Server.Close)
	return p
}

// Authority is the base URL to configure in place of the regional
// provider endpoint.
func (p *IdentityProvider) Authority() string { return p.Server.URL }

// Issuer is the expected iss claim.
func (p *IdentityProvider) Issuer() string { return p.Server.URL + "/" + p.PoolID }

// Fetches counts key-set requests served so far.
func (p *IdentityProvider) Fetches() int64 { return p.fetches.Load() }

// AddKey generates an RSA key under kid, optionally publishing it.
func (p *IdentityProvider) AddKey(t testing.TB, kid string, publish bool) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = key
	p.published[kid] = publish
}

// Publish makes kid visible in the key set.
func (p *IdentityProvider) Publish(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[kid] = true
}

// SetStatus makes the key-set endpoint answer with status and an empty body
// when status is not 200.
func (p *IdentityProvider) SetStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// SetDelay slows every key-set response by d.
func (p *IdentityProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Claims returns valid ID-token claims for subject and email, expiring in
// one hour.
func (p *IdentityProvider) Claims(subject, email string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":       subject,
		"email":     email,
		"iss":       p.Issuer(),
		"aud":       p.ClientID,
		"token_use": "id",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
}

// Token signs valid claims for the default fixture user with
// [fixtures.KeyID].
func (p *IdentityProvider) Token(t testing.TB) string {
	t.Helper()
	return p.Sign(t, fixtures.KeyID, p.Claims(fixtures.SubjectID, fixtures.Email))
}

// Sign signs claims with RS256 using the key registered as kid.
func (p *IdentityProvider) Sign(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	key, ok := p.keys[kid]
	p.mu.Unlock()
	require.True(t, ok, "no key registered as %q", kid)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return signed
}

// KeySetJSON renders the currently published key set.
func (p *IdentityProvider) KeySetJSON(t testing.TB) []byte {
	t.Helper()
	buf, err := p.keySetJSON()
	require.NoError(t, err)
	return buf
}

func (p *IdentityProvider) keySetJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := jwk.NewSet()
	for kid, key := range p.keys {
		if !p.published[kid] {
			continue
		}
		pub, err := jwk.Import(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

func (p *IdentityProvider) serveJWKS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/"+p.PoolID+"/.well-known/jwks.json" {
		http.NotFound(w, r)
		return
	}
	p.fetches.Add(1)

	p.mu.Lock()
	status, delay := p.status, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	buf, err := p.keySetJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// UnsignedToken builds a compact token whose payload is claims and whose
// signature is garbage. Gateway-path tests use it.
func UnsignedToken(t testing.TB, claims map[string]any) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims(claims))
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return strings.TrimSuffix(s, ".") + ".c2lnbmF0dXJl"
}
