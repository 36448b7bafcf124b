package capability

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

// AuthType selects which credential variant of an AuthConfig is active.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// AuthConfig is a tagged credential. Exactly one variant is active at a
// time, selected by Type, but the field sets of all variants are retained
// so switching variants and back loses nothing the user entered.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`

	// oauth2
	ClientID         string `json:"clientId,omitempty"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	TokenURL         string `json:"tokenUrl,omitempty"`
	Scope            string `json:"scope,omitempty"`
	RedirectURL      string `json:"redirectUrl,omitempty"`
}

// AdoptToken rewrites the credential in place to a bearer token. This is
// how a completed oauth2 authorization becomes usable: oauth2 itself never
// emits headers.
func (a *AuthConfig) AdoptToken(token string) {
	a.Type = AuthBearer
	a.Token = token
}

// Headers produces the Authorization header for the active variant.
// Templated values pass through the resolver first. The oauth2 and none
// variants contribute nothing.
func (a *AuthConfig) Headers(r Resolver, vars map[string]string) (map[string]string, error) {
	switch a.Type {
	case AuthBasic:
		user, err := resolveAll(r, a.Username, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve username: %w", err)
		}
		pass, err := resolveAll(r, a.Password, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve password: %w", err)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return map[string]string{"Authorization": "Basic " + cred}, nil

	case AuthBearer:
		token, err := resolveAll(r, a.Token, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve token: %w", err)
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil

	default:
		return nil, nil
	}
}

// HeaderEntry is one static header row on a profile. Disabled entries are
// kept but never sent.
type HeaderEntry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// EnvEntry is one environment row on a profile. Opaque to this package;
// carried for the surrounding tooling.
type EnvEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConnectionProfile describes one capability server target. Profiles are
// created and edited elsewhere; connections read them.
type ConnectionProfile struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	UseRelay bool          `json:"useRelay"`
	RelayURL string        `json:"relayUrl,omitempty"`
	Headers  []HeaderEntry `json:"headers,omitempty"`
	Env      []EnvEntry    `json:"env,omitempty"`
	Auth     AuthConfig    `json:"auth"`
}

// Validate checks the fields a connection attempt depends on.
func (p *ConnectionProfile) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("profile has no server URL")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return fmt.Errorf("server URL must use http or https scheme, got %q", u.Scheme)
	}
	if p.UseRelay && p.RelayURL == "" {
		return fmt.Errorf("relay requested but no relay URL configured")
	}
	return nil
}

// relayWrap routes target through the profile's relay when the relay flag
// is set, otherwise returns target unchanged.
func (p *ConnectionProfile) relayWrap(target string) string {
	if !p.UseRelay || p.RelayURL == "" {
		return target
	}
	return p.RelayURL + "?url=" + url.QueryEscape(target)
}
