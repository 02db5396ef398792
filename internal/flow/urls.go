package flow

import (
	"net/url"
	"strings"
)

// Path suffixes offered as one-click completions for the endpoints.
const (
	AuthorizePathSuffix = "/oauth2/authorize"
	TokenPathSuffix     = "/oauth2/token"
)

// AppendPath completes base with the path suffix. If base is an absolute
// URL whose path does not end in suffix, one trailing slash is stripped
// from the path and suffix is appended; query and fragment are kept.
// Bases that do not parse as absolute URLs get the same treatment as
// plain strings. Applying it twice gives the same result as once.
func AppendPath(base, suffix string) string {
	if base == "" {
		return suffix
	}

	if strings.HasSuffix(base, suffix) {
		return base
	}

	u, ok := parseAbsolute(base)
	if !ok {
		return strings.TrimSuffix(base, "/") + suffix
	}

	if strings.HasSuffix(u.Path, suffix) {
		return base
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	u.RawPath = ""

	return u.String()
}

// AuthorizationURL is the result of building an authorization request.
type AuthorizationURL struct {
	URL string
	// Degraded is set when the endpoint was not an absolute URL and the
	// query was attached by string concatenation.
	Degraded bool
	// Ignored lists extra parameter keys dropped because they collide
	// with a canonical parameter.
	Ignored []string
}

// BuildAuthorizationURL builds the authorization request URL. Canonical
// parameters come first (response_type, client_id, redirect_uri, scope)
// followed by the extras in operator order. Canonical parameters win:
// an extra with a canonical key is dropped and reported in Ignored.
func BuildAuthorizationURL(cfg Configuration) AuthorizationURL {
	ac := cfg.AuthorizationCode
	if ac == nil {
		ac = &AuthorizationCodeSettings{}
	}

	canonical := Params{
		{Key: "response_type", Value: "code"},
		{Key: "client_id", Value: cfg.ClientID},
		{Key: "redirect_uri", Value: ac.RedirectURI},
		{Key: "scope", Value: cfg.Scope},
	}

	params, ignored := merge(canonical, ac.ExtraAuthorizationParams)
	query := params.Encode()

	u, ok := parseAbsolute(ac.AuthorizationEndpoint)
	if !ok {
		return AuthorizationURL{
			URL:      joinQuery(ac.AuthorizationEndpoint, query),
			Degraded: true,
			Ignored:  ignored,
		}
	}

	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}

	return AuthorizationURL{URL: u.String(), Ignored: ignored}
}

func joinQuery(endpoint, query string) string {
	if strings.Contains(endpoint, "?") {
		if strings.HasSuffix(endpoint, "?") || strings.HasSuffix(endpoint, "&") {
			return endpoint + query
		}

		return endpoint + "&" + query
	}

	return endpoint + "?" + query
}

// parseAbsolute parses s and accepts it only when it has a scheme and
// a host.
func parseAbsolute(s string) (*url.URL, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}

	return u, true
}
