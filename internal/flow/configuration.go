package flow

import (
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
)

// GrantType is the OAuth2 grant a configuration drives.
type GrantType string

const (
	// AuthorizationCode is the interactive, user-delegated grant.
	AuthorizationCode GrantType = "authorization_code"
	// ClientCredentials is the non-interactive, service-to-service grant.
	ClientCredentials GrantType = "client_credentials"
)

// Valid reports whether g is a supported grant type.
func (g GrantType) Valid() bool {
	return g == AuthorizationCode || g == ClientCredentials
}

// CallbackPath is the fixed redirect path on the relay's origin.
const CallbackPath = "/oauth2-callback"

// Configuration is the operator-entered flow setup. Fields shared by both
// grants live at the top level; fields that only apply to the
// authorization code grant live in AuthorizationCode, which is non-nil
// exactly when GrantType is AuthorizationCode.
type Configuration struct {
	GrantType        GrantType `json:"grant_type" yaml:"grant_type"`
	TokenEndpoint    string    `json:"token_endpoint" yaml:"token_endpoint"`
	ClientID         string    `json:"client_id" yaml:"client_id"`
	ClientSecret     string    `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Scope            string    `json:"scope,omitempty" yaml:"scope,omitempty"`
	ExtraTokenParams Params    `json:"extra_token_params,omitempty" yaml:"extra_token_params,omitempty"`

	AuthorizationCode *AuthorizationCodeSettings `json:"authorization_code,omitempty" yaml:"authorization_code,omitempty"`
}

// AuthorizationCodeSettings holds the fields only the authorization code
// grant uses.
type AuthorizationCodeSettings struct {
	AuthorizationEndpoint    string `json:"authorization_endpoint" yaml:"authorization_endpoint"`
	RedirectURI              string `json:"redirect_uri" yaml:"redirect_uri"`
	ExtraAuthorizationParams Params `json:"extra_authorization_params,omitempty" yaml:"extra_authorization_params,omitempty"`
}

// DefaultRedirectURI returns the callback URL on the given origin.
func DefaultRedirectURI(origin string) string {
	if origin == "" {
		return CallbackPath
	}

	return strings.TrimSuffix(origin, "/") + CallbackPath
}

// NewConfiguration returns an empty authorization code configuration
// whose redirect URI defaults to redirectURI.
func NewConfiguration(redirectURI string) Configuration {
	return Configuration{
		GrantType: AuthorizationCode,
		AuthorizationCode: &AuthorizationCodeSettings{
			RedirectURI: redirectURI,
		},
	}
}

// WithGrantType returns a copy switched to g. Switching to client
// credentials drops the authorization code settings; switching to
// authorization code starts them empty with redirectURI as the default
// redirect. Shared fields are preserved.
func (c Configuration) WithGrantType(g GrantType, redirectURI string) Configuration {
	out := c.Clone()
	if out.GrantType == g {
		return out.Normalize(redirectURI)
	}

	out.GrantType = g
	out.AuthorizationCode = nil

	return out.Normalize(redirectURI)
}

// Normalize re-establishes the grant-type invariant on a configuration
// read from storage or a profile file.
func (c Configuration) Normalize(redirectURI string) Configuration {
	out := c.Clone()
	if out.GrantType == "" {
		out.GrantType = AuthorizationCode
	}

	switch out.GrantType {
	case AuthorizationCode:
		if out.AuthorizationCode == nil {
			out.AuthorizationCode = &AuthorizationCodeSettings{}
		}

		if out.AuthorizationCode.RedirectURI == "" {
			out.AuthorizationCode.RedirectURI = redirectURI
		}
	default:
		out.AuthorizationCode = nil
	}

	return out
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	out := c
	out.ExtraTokenParams = c.ExtraTokenParams.clone()

	if c.AuthorizationCode != nil {
		ac := *c.AuthorizationCode
		ac.ExtraAuthorizationParams = c.AuthorizationCode.ExtraAuthorizationParams.clone()
		out.AuthorizationCode = &ac
	}

	return out
}

// ConfigurationError lists the fields that failed validation.
type ConfigurationError struct {
	Fields []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: missing or invalid %s", strings.Join(e.Fields, ", "))
}

func (e *ConfigurationError) Unwrap() error {
	return apperrors.ErrConfiguration
}

// Validate checks the required fields for the configured grant.
func (c Configuration) Validate() error {
	var missing []string

	if !c.GrantType.Valid() {
		missing = append(missing, "grant_type")
	}

	if strings.TrimSpace(c.TokenEndpoint) == "" {
		missing = append(missing, "token_endpoint")
	}

	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}

	if c.GrantType == AuthorizationCode {
		ac := c.AuthorizationCode
		if ac == nil || strings.TrimSpace(ac.AuthorizationEndpoint) == "" {
			missing = append(missing, "authorization_endpoint")
		}

		if ac == nil || strings.TrimSpace(ac.RedirectURI) == "" {
			missing = append(missing, "redirect_uri")
		}
	}

	if len(missing) > 0 {
		return &ConfigurationError{Fields: missing}
	}

	return nil
}

// TokenParams assembles the token request parameters for the grant.
// The client secret is always sent, even when empty. Canonical
// parameters win over extras; the dropped extra keys are returned.
func TokenParams(c Configuration, code string) (Params, []string) {
	var canonical Params

	switch c.GrantType {
	case ClientCredentials:
		canonical = Params{
			{Key: "grant_type", Value: string(ClientCredentials)},
			{Key: "client_id", Value: c.ClientID},
			{Key: "client_secret", Value: c.ClientSecret},
			{Key: "scope", Value: c.Scope},
		}
	default:
		redirectURI := ""
		if c.AuthorizationCode != nil {
			redirectURI = c.AuthorizationCode.RedirectURI
		}

		canonical = Params{
			{Key: "grant_type", Value: string(AuthorizationCode)},
			{Key: "code", Value: code},
			{Key: "redirect_uri", Value: redirectURI},
			{Key: "client_id", Value: c.ClientID},
			{Key: "client_secret", Value: c.ClientSecret},
		}
	}

	return merge(canonical, c.ExtraTokenParams)
}
