package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// Maximum size for metadata documents (1MB)
	maxMetadataSize = 1024 * 1024

	// HTTP timeout for individual discovery requests
	metadataRequestTimeout = 10 * time.Second

	// defaultRedirectURL is used when an oauth2 config has no redirect
	// URL of its own after discovery.
	defaultRedirectURL = "http://localhost:8765/callback"
)

// EndpointMetadata is the working document discovery builds up: the
// resource's own metadata, optionally merged with its authorization
// server's metadata when the resource document only names servers.
type EndpointMetadata struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	ClientID              string   `json:"client_id,omitempty"`
	AuthorizationServers  []string `json:"authorization_servers,omitempty"`
}

// merge copies fields from other into m where m has none. Existing values
// always win; indirection supplements, it never overwrites.
func (m *EndpointMetadata) merge(other *EndpointMetadata) {
	if m.AuthorizationEndpoint == "" {
		m.AuthorizationEndpoint = other.AuthorizationEndpoint
	}
	if m.TokenEndpoint == "" {
		m.TokenEndpoint = other.TokenEndpoint
	}
	if len(m.ScopesSupported) == 0 {
		m.ScopesSupported = other.ScopesSupported
	}
	if m.ClientID == "" {
		m.ClientID = other.ClientID
	}
}

// providerMetadataRules maps known identity-provider host suffixes to the
// metadata path they serve. Checked only when the 401 probe yields no
// resource_metadata pointer.
var providerMetadataRules = []struct {
	hostSuffix string
	path       string
}{
	{".auth0.com", "/.well-known/openid-configuration"},
	{".okta.com", "/.well-known/openid-configuration"},
	{"accounts.google.com", "/.well-known/openid-configuration"},
}

// wellKnownResourcePath is the conventional fallback derived from the
// server's origin.
const wellKnownResourcePath = "/.well-known/oauth-protected-resource"

// Authorization-server metadata paths tried during indirection, in order.
const (
	wellKnownAuthServerPath = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDPath     = "/.well-known/openid-configuration"
)

// Discoverer resolves OAuth2 endpoints for a target server. Discovery is
// best-effort: each strategy's failure is swallowed and the next one
// tried; only exhaustion surfaces an AuthDiscoveryError.
type Discoverer struct {
	http     *http.Client
	logger   *Logger
	relayURL string
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithDiscoveryHTTPClient overrides the HTTP client used for probing and
// metadata fetches.
func WithDiscoveryHTTPClient(h *http.Client) DiscovererOption {
	return func(d *Discoverer) { d.http = h }
}

// WithRelay sets a CORS-relay URL retried through when a direct metadata
// fetch fails.
func WithRelay(relayURL string) DiscovererOption {
	return func(d *Discoverer) { d.relayURL = relayURL }
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(logger *Logger, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		http:   &http.Client{Timeout: metadataRequestTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover resolves OAuth2 endpoints for serverURL and populates cfg's
// oauth2 fields. A client id the user already entered is preserved.
func (d *Discoverer) Discover(ctx context.Context, serverURL string, cfg *AuthConfig) error {
	metaURL := d.metadataLocation(ctx, serverURL)
	if metaURL == "" {
		return &AuthDiscoveryError{URL: serverURL, Reason: "no metadata location could be determined"}
	}
	d.logger.InfoVerbose("Fetching auth metadata from %s", metaURL)

	doc, err := d.fetchMetadata(ctx, metaURL)
	if err != nil {
		return &AuthDiscoveryError{URL: serverURL, Reason: err.Error()}
	}

	if doc.AuthorizationEndpoint == "" && len(doc.AuthorizationServers) > 0 {
		d.resolveAuthServer(ctx, doc)
	}

	if doc.AuthorizationEndpoint == "" {
		return &AuthDiscoveryError{URL: serverURL, Reason: "metadata lists no authorization_endpoint"}
	}

	cfg.Type = AuthOAuth2
	cfg.AuthorizationURL = doc.AuthorizationEndpoint
	cfg.TokenURL = doc.TokenEndpoint
	cfg.Scope = strings.Join(doc.ScopesSupported, " ")
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = defaultRedirectURL
	}
	if cfg.ClientID == "" && doc.ClientID != "" {
		cfg.ClientID = doc.ClientID
	}

	d.logger.Success("Discovered authorization endpoint: %s", cfg.AuthorizationURL)
	return nil
}

// metadataLocation determines where the metadata document lives: the
// resource_metadata pointer from a 401 probe when the server offers one,
// else a provider heuristic, else the conventional well-known path on the
// server's origin.
func (d *Discoverer) metadataLocation(ctx context.Context, serverURL string) string {
	if metaURL := d.probeChallenge(ctx, serverURL); metaURL != "" {
		d.logger.InfoVerbose("Using resource_metadata from WWW-Authenticate: %s", metaURL)
		return metaURL
	}

	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	origin := u.Scheme + "://" + u.Host

	for _, rule := range providerMetadataRules {
		if u.Host == strings.TrimPrefix(rule.hostSuffix, ".") || strings.HasSuffix(u.Host, rule.hostSuffix) {
			d.logger.InfoVerbose("Using provider heuristic for %s", u.Host)
			return origin + rule.path
		}
	}

	return origin + wellKnownResourcePath
}

// probeChallenge issues a lightweight request to the server and extracts
// the resource_metadata URL from a 401 challenge, if any.
func (d *Discoverer) probeChallenge(ctx context.Context, serverURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataSize))

	if resp.StatusCode != http.StatusUnauthorized {
		return ""
	}
	return challengeParam(resp.Header.Get("WWW-Authenticate"), "resource_metadata")
}

// resolveAuthServer follows the authorization_servers indirection: the
// named server's own metadata is fetched at the conventional path, falling
// back to the OpenID-style path, and merged into doc. Failures leave doc
// untouched; the caller decides whether that is fatal.
func (d *Discoverer) resolveAuthServer(ctx context.Context, doc *EndpointMetadata) {
	server := strings.TrimSuffix(doc.AuthorizationServers[0], "/")

	for _, path := range []string{wellKnownAuthServerPath, wellKnownOpenIDPath} {
		asDoc, err := d.fetchMetadata(ctx, server+path)
		if err != nil {
			d.logger.WarningVerbose("Auth server metadata fetch failed at %s: %v", server+path, err)
			continue
		}
		doc.merge(asDoc)
		return
	}
}

// fetchMetadata fetches and parses one metadata document, retrying
// through the CORS relay when the direct fetch fails and a relay is
// configured.
func (d *Discoverer) fetchMetadata(ctx context.Context, metadataURL string) (*EndpointMetadata, error) {
	doc, err := d.fetchMetadataDirect(ctx, metadataURL)
	if err == nil || d.relayURL == "" {
		return doc, err
	}

	d.logger.InfoVerbose("Direct metadata fetch failed (%v), retrying through relay", err)
	return d.fetchMetadataDirect(ctx, d.relayURL+"?url="+url.QueryEscape(metadataURL))
}

func (d *Discoverer) fetchMetadataDirect(ctx context.Context, metadataURL string) (*EndpointMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	var doc EndpointMetadata
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}
	return &doc, nil
}

// challengeParam extracts one parameter value from a WWW-Authenticate
// challenge, handling quoted values that may contain commas.
func challengeParam(header, key string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}

	for _, param := range splitQuoted(parts[1], ',') {
		eq := strings.Index(param, "=")
		if eq == -1 {
			continue
		}
		name := strings.TrimSpace(param[:eq])
		if name != key {
			continue
		}
		value := strings.TrimSpace(param[eq+1:])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		return value
	}
	return ""
}

// splitQuoted splits s on delim, keeping quoted sections intact.
func splitQuoted(s string, delim byte) []string {
	var out []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
			current.WriteByte(s[i])
		case s[i] == delim && !inQuotes:
			out = append(out, current.String())
			current.Reset()
		default:
			current.WriteByte(s[i])
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
