package capability

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const (
	// stateAlphabet and stateLength define the opaque CSRF state string.
	stateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	stateLength   = 32

	// authorizeTimeout bounds how long the flow waits for the callback
	// before treating the attempt as abandoned.
	authorizeTimeout = 5 * time.Minute
)

// Response modes selected by the flow.
const (
	responseModeToken = "token"
	responseModeCode  = "code"
)

// fragmentRelayPage converts an implicit-mode fragment into query
// parameters the loopback listener can read; fragments never reach the
// server otherwise.
const fragmentRelayPage = `<!doctype html><html><body><script>
var h = window.location.hash;
if (h && h.length > 1) {
  window.location.replace(window.location.pathname + "?" + h.substring(1));
} else {
  document.body.textContent = "No authorization response received.";
}
</script></body></html>`

// completedPage is shown once the callback has been captured.
const completedPage = `<html><body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>`

// AuthFlow drives one interactive OAuth2 authorization for an oauth2
// credential: a browser window navigated to the authorization endpoint, a
// loopback listener on the configured redirect URL, CSRF verification,
// and, for confidential clients, the authorization-code exchange. On
// success the credential is rewritten in place to a bearer token.
type AuthFlow struct {
	cfg     *AuthConfig
	logger  *Logger
	http    *http.Client
	timeout time.Duration
	openURL func(string) error
}

// AuthFlowOption configures an AuthFlow.
type AuthFlowOption func(*AuthFlow)

// WithFlowHTTPClient overrides the HTTP client used for the token
// exchange.
func WithFlowHTTPClient(h *http.Client) AuthFlowOption {
	return func(f *AuthFlow) { f.http = h }
}

// WithFlowTimeout overrides how long the flow waits for the callback.
func WithFlowTimeout(d time.Duration) AuthFlowOption {
	return func(f *AuthFlow) { f.timeout = d }
}

// WithBrowserOpener overrides how the authorization URL is opened.
func WithBrowserOpener(open func(string) error) AuthFlowOption {
	return func(f *AuthFlow) { f.openURL = open }
}

// NewAuthFlow creates a flow for the given oauth2 credential.
func NewAuthFlow(cfg *AuthConfig, logger *Logger, opts ...AuthFlowOption) *AuthFlow {
	f := &AuthFlow{
		cfg:     cfg,
		logger:  logger,
		http:    &http.Client{Timeout: metadataRequestTimeout},
		timeout: authorizeTimeout,
		openURL: openBrowser,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// responseMode selects the OAuth2 response type: implicit when no client
// secret is configured, authorization code otherwise.
func (f *AuthFlow) responseMode() string {
	if f.cfg.ClientSecret == "" {
		return responseModeToken
	}
	return responseModeCode
}

// Authorize runs the interactive flow. Every termination path, success or
// failure, shuts the loopback listener down exactly once.
func (f *AuthFlow) Authorize(ctx context.Context) error {
	if f.cfg.AuthorizationURL == "" {
		return &AuthFlowError{Reason: "no authorization URL configured; run discovery first"}
	}
	if f.cfg.ClientID == "" {
		return &AuthFlowError{Reason: "no client ID configured"}
	}

	state, err := randomState()
	if err != nil {
		return &AuthFlowError{Reason: "failed to generate state: " + err.Error()}
	}
	mode := f.responseMode()

	redirectURL := f.cfg.RedirectURL
	if redirectURL == "" {
		redirectURL = defaultRedirectURL
	}
	parsedRedirect, err := url.Parse(redirectURL)
	if err != nil {
		return &AuthFlowError{Reason: "invalid redirect URL: " + err.Error()}
	}

	authURL, err := f.buildAuthorizationURL(mode, redirectURL, state)
	if err != nil {
		return err
	}

	callbackChan := make(chan url.Values, 1)
	mux := http.NewServeMux()
	path := parsedRedirect.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if q.Get("code") == "" && q.Get("access_token") == "" && q.Get("error") == "" {
			// Implicit-mode responses arrive in the fragment; bounce them
			// into the query string so we can read them.
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(fragmentRelayPage))
			return
		}
		select {
		case callbackChan <- q:
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(completedPage))
	})

	server := &http.Server{
		Addr:         parsedRedirect.Host,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	f.logger.Info("Opening browser for authorization (%s flow)...", mode)
	f.logger.InfoVerbose("Authorization URL: %s", authURL)
	if err := f.openURL(authURL); err != nil {
		return &AuthFlowError{Reason: "could not open authorization window: " + err.Error()}
	}

	var params url.Values
	select {
	case params = <-callbackChan:
	case err := <-serverErr:
		return &AuthFlowError{Reason: "callback listener failed: " + err.Error()}
	case <-time.After(f.timeout):
		return &AuthFlowError{Reason: "authorization window closed or timed out"}
	case <-ctx.Done():
		return &AuthFlowError{Reason: ctx.Err().Error()}
	}

	if errCode := params.Get("error"); errCode != "" {
		reason := params.Get("error_description")
		if reason == "" {
			reason = errCode
		}
		return &AuthFlowError{Reason: reason}
	}

	// State mismatch is terminal even when a valid token or code came
	// with it.
	if params.Get("state") != state {
		return &AuthFlowError{Reason: "state mismatch, possible CSRF attempt"}
	}

	if token := params.Get("access_token"); token != "" {
		f.cfg.AdoptToken(token)
		f.logger.Success("Access token obtained")
		return nil
	}

	code := params.Get("code")
	if code == "" {
		return &AuthFlowError{Reason: "callback carried neither token nor code"}
	}

	f.logger.InfoVerbose("Exchanging authorization code for access token...")
	return f.exchangeCode(ctx, code, redirectURL)
}

// buildAuthorizationURL appends the standard query parameters to the
// configured authorization endpoint.
func (f *AuthFlow) buildAuthorizationURL(mode, redirectURL, state string) (string, error) {
	u, err := url.Parse(f.cfg.AuthorizationURL)
	if err != nil {
		return "", &AuthFlowError{Reason: "invalid authorization URL: " + err.Error()}
	}

	q := u.Query()
	q.Set("response_type", mode)
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", redirectURL)
	if f.cfg.Scope != "" {
		q.Set("scope", f.cfg.Scope)
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// exchangeCode POSTs the authorization-code grant to the token endpoint
// and adopts the returned access token as a bearer credential.
func (f *AuthFlow) exchangeCode(ctx context.Context, code, redirectURL string) error {
	if f.cfg.TokenURL == "" {
		return &TokenExchangeError{Reason: "no token URL configured"}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURL)
	form.Set("client_id", f.cfg.ClientID)
	if f.cfg.ClientSecret != "" {
		form.Set("client_secret", f.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &TokenExchangeError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return &TokenExchangeError{Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return &TokenExchangeError{Reason: err.Error()}
	}

	var reply struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &reply)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || reply.AccessToken == "" {
		reason := reply.ErrorDescription
		if reason == "" {
			reason = reply.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("token endpoint replied with status %d", resp.StatusCode)
		}
		return &TokenExchangeError{Reason: reason}
	}

	f.cfg.AdoptToken(reply.AccessToken)
	f.logger.Success("Access token obtained")
	return nil
}

// randomState generates the opaque CSRF state string.
func randomState() (string, error) {
	buf := make([]byte, stateLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, stateLength)
	for i, b := range buf {
		out[i] = stateAlphabet[int(b)%len(stateAlphabet)]
	}
	return string(out), nil
}

// openBrowser opens the specified URL in the default browser.
func openBrowser(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != schemeHTTP && parsed.Scheme != schemeHTTPS {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsed.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
