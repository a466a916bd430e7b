package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/metrics"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// HeaderAuthorization carries the bearer token.
const HeaderAuthorization = "Authorization"

const bearerPrefix = "Bearer "

// Response bodies. Token failures are deliberately generic.
const (
	msgNoAuthHeader       = "No authorization header"
	msgInvalidToken       = "Invalid token"
	msgInvalidTokenFormat = "Invalid token format"
	msgAuthUnavailable    = "Authentication service unavailable"
	msgProvisionFailed    = "Failed to provision user"
	msgAuthRequired       = "Authentication required"
	msgLookupFailed       = "Failed to look up user"
	msgRegisterFirst      = "User not found. Please register first."
)

// ExtractBearerToken returns the token from an Authorization header value,
// matching the "Bearer " prefix case-insensitively. It returns "" when
// there is no bearer token.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// Verifier verifies bearer tokens. [*TokenVerifier] implements it.
type Verifier interface {
	Verify(ctx context.Context, token string, issuer IssuerConfig) (*ClaimSet, error)
}

// Provisioner creates or loads the local user for a verified identity.
// [*users.Provisioner] implements it.
type Provisioner interface {
	GetOrCreate(ctx context.Context, id users.Identity) (*users.User, error)
}

// UserLookup loads an existing user without creating one, returning
// (nil, nil) when none exists. [*users.Provisioner] implements it.
type UserLookup interface {
	Lookup(ctx context.Context, subjectID string) (*users.User, error)
}

var (
	_ Verifier    = (*TokenVerifier)(nil)
	_ Provisioner = (*users.Provisioner)(nil)
	_ UserLookup  = (*users.Provisioner)(nil)
)

// AuthenticatorConfig configures an [Authenticator].
type AuthenticatorConfig struct {
	Issuer IssuerConfig

	// GatewayTrust enables the gateway path. When false every request is
	// fully verified regardless of its headers; set it false whenever the
	// service is reachable without passing through the gateway.
	GatewayTrust bool
}

// Authenticator is the request authentication middleware.
//
// [Authenticator.RequireAuth] takes one of two paths per request:
//
//   - gateway: a trusted gateway already validated the token, so the
//     payload is decoded without verification and no user is loaded
//   - direct: the token is fully verified and the user is provisioned
//     before the handler runs
//
// [Authenticator.RequireUser] and [Authenticator.LoadUser] load the user
// later for gateway requests. Neither ever creates a user.
type Authenticator struct {
	issuer       IssuerConfig
	gatewayTrust bool
	verifier     Verifier
	provisioner  Provisioner
	lookup       UserLookup
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// AuthenticatorOption configures an [Authenticator].
type AuthenticatorOption func(*Authenticator)

// WithAuthMetrics records authentication outcomes on m.
func WithAuthMetrics(m *metrics.Metrics) AuthenticatorOption {
	return func(a *Authenticator) { a.metrics = m }
}

// NewAuthenticator wires the middleware. A nil logger uses [slog.Default].
func NewAuthenticator(cfg AuthenticatorConfig, verifier Verifier, provisioner Provisioner,
	lookup UserLookup, logger *slog.Logger, opts ...AuthenticatorOption,
) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		issuer:       cfg.Issuer,
		gatewayTrust: cfg.GatewayTrust,
		verifier:     verifier,
		provisioner:  provisioner,
		lookup:       lookup,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequireAuth attaches a [RequestIdentity] or ends the request with 401,
// 503 or 500. See [Authenticator] for the two paths.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		source := TrustDirect
		if a.gatewayTrust {
			source = ClassifyTrustSource(r.Header)
		}

		token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
		if token == "" {
			a.metrics.AuthAttempt(source.String(), metrics.OutcomeMissing)
			writeError(w, http.StatusUnauthorized, msgNoAuthHeader)
			return
		}

		var id *RequestIdentity
		if source == TrustGateway {
			id = a.identifyFromGateway(ctx, w, token)
		} else {
			id = a.authenticateDirect(ctx, w, token)
		}
		if id == nil {
			return
		}

		a.metrics.AuthAttempt(source.String(), metrics.OutcomeSuccess)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(ctx, id)))
	})
}

func (a *Authenticator) identifyFromGateway(ctx context.Context, w http.ResponseWriter, token string) *RequestIdentity {
	ext, err := FromUnverifiedToken(token)
	if err != nil {
		a.metrics.AuthAttempt(TrustGateway.String(), metrics.OutcomeRejected)
		a.logFailure(ctx, "gateway token payload rejected", err)
		writeError(w, http.StatusUnauthorized, msgInvalidTokenFormat)
		return nil
	}
	return &RequestIdentity{SubjectID: ext.SubjectID, Email: ext.Email, Source: TrustGateway}
}

func (a *Authenticator) authenticateDirect(ctx context.Context, w http.ResponseWriter, token string) *RequestIdentity {
	path := TrustDirect.String()

	claims, err := a.verifier.Verify(ctx, token, a.issuer)
	if err != nil {
		if cgerr.IsUnavailable(err) || cgerr.IsTimeout(err) {
			a.metrics.AuthAttempt(path, metrics.OutcomeUnavailable)
			a.logger.ErrorContext(ctx, "token verification could not complete",
				"error", err, "code", cgerr.GetCode(err))
			writeError(w, http.StatusServiceUnavailable, msgAuthUnavailable)
			return nil
		}
		a.metrics.AuthAttempt(path, metrics.OutcomeRejected)
		a.logFailure(ctx, "token rejected", err)
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return nil
	}

	ext := FromVerifiedClaims(claims)
	u, err := a.provisioner.GetOrCreate(ctx, ext.UserIdentity())
	if err != nil {
		a.metrics.AuthAttempt(path, metrics.OutcomeError)
		a.logger.ErrorContext(ctx, "user provisioning failed",
			"error", err, "subject", ext.SubjectID)
		writeError(w, http.StatusInternalServerError, msgProvisionFailed)
		return nil
	}

	return &RequestIdentity{
		SubjectID: ext.SubjectID,
		Email:     ext.Email,
		Source:    TrustDirect,
		appUser:   u,
	}
}

// RequireUser guarantees [RequestIdentity.AppUser] is non-nil. It must run
// after RequireAuth; without an identity it answers 401. A missing user
// answers 404 and a lookup failure 500.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := IdentityFromContext(ctx)
		if !ok {
			writeError(w, http.StatusUnauthorized, msgAuthRequired)
			return
		}
		if id.AppUser() != nil {
			next.ServeHTTP(w, r)
			return
		}

		u, err := a.lookup.Lookup(ctx, id.SubjectID)
		if err != nil {
			a.logger.ErrorContext(ctx, "user lookup failed",
				"error", err, "subject", id.SubjectID)
			writeError(w, http.StatusInternalServerError, msgLookupFailed)
			return
		}
		if u == nil {
			writeError(w, http.StatusNotFound, msgRegisterFirst)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(ctx, id.WithUser(u))))
	})
}

// LoadUser attaches the user when one exists and never fails the request.
func (a *Authenticator) LoadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := IdentityFromContext(ctx)
		if !ok || id.AppUser() != nil {
			next.ServeHTTP(w, r)
			return
		}

		u, err := a.lookup.Lookup(ctx, id.SubjectID)
		if err != nil {
			a.logger.WarnContext(ctx, "user load failed, continuing without user",
				"error", err, "subject", id.SubjectID)
		}
		if u == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(ctx, id.WithUser(u))))
	})
}

func (a *Authenticator) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{"error", err, "code", cgerr.GetCode(err)}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	a.logger.WarnContext(ctx, msg, attrs...)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
