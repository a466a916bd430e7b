package auth

import (
	"net/url"
	"strings"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// IssuerConfig identifies one user pool at the identity provider. Every
// token accepted by the verifier was issued by exactly one IssuerConfig.
type IssuerConfig struct {
	// Region selects the regional provider endpoint when Authority is empty.
	Region string `yaml:"region" json:"region" env:"REGION" envDefault:"us-east-1"`

	// UserPoolID is the pool identifier, e.g. "us-east-1_AbCdEf123".
	UserPoolID string `yaml:"user_pool_id" json:"user_pool_id" env:"USER_POOL_ID" required:"true"`

	// ClientID is the app client the tokens are issued to. It must match
	// the aud claim.
	ClientID string `yaml:"client_id" json:"client_id" env:"CLIENT_ID" required:"true"`

	// Authority overrides the provider base URL. Local stacks and tests
	// point it at a fake provider.
	Authority string `yaml:"authority,omitempty" json:"authority,omitempty" env:"AUTHORITY"`
}

// Validate checks that the pool can be addressed.
func (c IssuerConfig) Validate() error {
	if c.UserPoolID == "" {
		return cgerr.New(cgerr.CodeValidationRequired, "auth: user pool id is required")
	}
	if c.ClientID == "" {
		return cgerr.New(cgerr.CodeValidationRequired, "auth: client id is required")
	}
	if c.Authority == "" && c.Region == "" {
		return cgerr.New(cgerr.CodeValidationRequired, "auth: region or authority is required")
	}
	if strings.ContainsAny(c.UserPoolID, "/?#") {
		return cgerr.Newf(cgerr.CodeValidation, "auth: user pool id %q contains URL separators", c.UserPoolID)
	}
	if c.Authority != "" {
		u, err := url.Parse(c.Authority)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return cgerr.Newf(cgerr.CodeValidation, "auth: authority %q must be an absolute http(s) URL", c.Authority)
		}
	}
	return nil
}

func (c IssuerConfig) authority() string {
	if c.Authority != "" {
		return strings.TrimRight(c.Authority, "/")
	}
	return "https://cognito-idp." + c.Region + ".amazonaws.com"
}

// IssuerURL is the exact iss claim expected in tokens from this pool.
func (c IssuerConfig) IssuerURL() string {
	return c.authority() + "/" + c.UserPoolID
}

// JWKSURL is the pool's key set endpoint.
func (c IssuerConfig) JWKSURL() string {
	return c.IssuerURL() + "/.well-known/jwks.json"
}

// CacheKey identifies the pool's key set in a [KeyCache] or [KeySetStore].
func (c IssuerConfig) CacheKey() string {
	return c.IssuerURL()
}
