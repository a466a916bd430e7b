package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/choregarden/choregarden-core/pkg/auth"

// signingAlgorithm is the only algorithm the provider signs with. Every
// other alg, including "none" and the HMAC family, is rejected before a
// key is looked up.
const signingAlgorithm = "RS256"

// maxTokenSize is the largest accepted token string (8 KB).
const maxTokenSize = 8192

// KeySource resolves verification keys. [*KeyResolver] implements it.
type KeySource interface {
	SigningKey(ctx context.Context, issuer IssuerConfig, kid string) (*rsa.PublicKey, error)
}

var _ KeySource = (*KeyResolver)(nil)

// ClaimSet is the verified content of an ID token.
type ClaimSet struct {
	Subject   string
	Email     string
	Username  string
	TokenUse  string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time

	// Raw holds every claim as decoded.
	Raw map[string]any
}

// TokenVerifier checks signature, algorithm, audience, issuer and expiry
// of bearer tokens. It is safe for concurrent use.
type TokenVerifier struct {
	keys   KeySource
	tracer trace.Tracer
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a [TokenVerifier].
type VerifierOption func(*TokenVerifier)

// WithLeeway tolerates clock skew on exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *TokenVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock replaces the verification clock.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *TokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewTokenVerifier returns a verifier that resolves keys through keys.
func NewTokenVerifier(keys KeySource, opts ...VerifierOption) *TokenVerifier {
	v := &TokenVerifier{
		keys:   keys,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates token against issuer and returns its claims. The
// signature is checked before any claim is trusted, and every check must
// pass.
//
// Error codes returned:
//   - [cgerr.CodeMalformedToken]: not a compact JWT, no kid, or no sub
//   - [cgerr.CodeInvalidSignature]: wrong algorithm or bad signature
//   - [cgerr.CodeKeyNotFound]: kid not published by the issuer
//   - [cgerr.CodeExpiredToken]: exp missing or not in the future
//   - [cgerr.CodeAudienceMismatch], [cgerr.CodeIssuerMismatch]
//   - [cgerr.CodeAuthServiceUnavailable]: key set could not be fetched
func (v *TokenVerifier) Verify(ctx context.Context, token string, issuer IssuerConfig) (*ClaimSet, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.Verify")
	defer span.End()

	if token == "" || len(token) > maxTokenSize {
		err := cgerr.New(cgerr.CodeMalformedToken, "auth: token is empty or oversized")
		finishSpan(span, err)
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithAudience(issuer.ClientID),
		jwt.WithIssuer(issuer.IssuerURL()),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, cgerr.New(cgerr.CodeMalformedToken, "auth: token header has no kid")
		}
		span.SetAttributes(attribute.String("auth.kid", kid))
		return v.keys.SigningKey(ctx, issuer, kid)
	})
	if err != nil {
		classified := classifyError(err)
		span.SetAttributes(attribute.String("auth.error_code", string(classified.Code)))
		finishSpan(span, classified)
		return nil, classified
	}

	claims, err := claimSetFrom(mc)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}

func claimSetFrom(mc jwt.MapClaims) (*ClaimSet, error) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, cgerr.New(cgerr.CodeMalformedToken, "auth: token has no subject")
	}
	cs := &ClaimSet{Subject: sub, Raw: make(map[string]any, len(mc))}
	for k, val := range mc {
		cs.Raw[k] = val
	}

	cs.Email, _ = mc["email"].(string)
	cs.Username, _ = mc["cognito:username"].(string)
	cs.TokenUse, _ = mc["token_use"].(string)
	cs.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		cs.Audience = aud
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		cs.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		cs.IssuedAt = iat.Time
	}
	return cs, nil
}

// classifyError maps a parse failure to the auth taxonomy. Errors raised by
// the key lookup are already classified and pass through.
func classifyError(err error) *cgerr.Error {
	if err == nil {
		return nil
	}
	if e, ok := cgerr.AsError(err); ok {
		return e
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return cgerr.Wrap(err, cgerr.CodeMalformedToken, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return cgerr.Wrap(err, cgerr.CodeInvalidSignature, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return cgerr.Wrap(err, cgerr.CodeExpiredToken, "auth: token is expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return cgerr.Wrap(err, cgerr.CodeAudienceMismatch, "auth: token audience mismatch")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return cgerr.Wrap(err, cgerr.CodeIssuerMismatch, "auth: token issuer mismatch")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return missingClaimError(err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return cgerr.Wrap(err, cgerr.CodeMalformedToken, "auth: token is unverifiable")
	default:
		return cgerr.Wrap(err, cgerr.CodeAuthentication, "auth: token validation failed")
	}
}

// missingClaimError classifies a required-claim failure by the claim the
// parser names.
func missingClaimError(err error) *cgerr.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "aud claim"):
		return cgerr.Wrap(err, cgerr.CodeAudienceMismatch, "auth: token has no audience")
	case strings.Contains(msg, "iss claim"):
		return cgerr.Wrap(err, cgerr.CodeIssuerMismatch, "auth: token has no issuer")
	default:
		return cgerr.Wrap(err, cgerr.CodeExpiredToken, "auth: token has no expiry")
	}
}

// startSpan starts a span named name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on the span. It does not end the span.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
