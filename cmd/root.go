package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stencilworks/capctl/internal/capability"
	"github.com/stencilworks/capctl/internal/profilestore"
)

var (
	version     string
	serverURL   string
	relayURL    string
	headerFlags []string
	varFlags    []string
	profileName string
	timeout     time.Duration
	verbose     bool
	noColor     bool
	jsonRPC     bool
	repl        bool

	// Auth flags
	authType          string
	authUsername      string
	authPassword      string
	authToken         string
	oauthClientID     string
	oauthClientSecret string
	oauthAuthURL      string
	oauthTokenURL     string
	oauthScope        string
	oauthRedirectURL  string
	login             bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capctl",
	Short: "Capability server client",
	Long: `capctl connects to capability servers that speak JSON-RPC over a
server-sent-events push channel.

It opens the push channel, resolves the command endpoint the server
announces, runs the initialize handshake, and lists the server's tools.

The tool supports two modes:
- Normal mode (default): connect and wait for pushed notifications
- REPL mode (--repl): interactive exploration and tool invocation

In REPL mode, you can:
- List and describe available tools
- Edit tool arguments seeded from the tool's input schema
- Invoke tools and view their results
- Discover OAuth2 endpoints and run the authorization flow

Servers behind OAuth2 can be discovered with --auth-type oauth2 and
authorized interactively with --login; the obtained access token is used
as a bearer credential for the session.

By default, it connects to http://localhost:8090/sse. You can override
this with the --url flag or a stored profile (--profile).`,
	RunE: runConnect,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// addConnectionFlags registers the flags a connection profile is
// assembled from. Shared between the root command and profile add;
// run-only flags like --profile and --repl stay off this set.
func addConnectionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&serverURL, "url", "http://localhost:8090/sse", "Capability server URL")
	fs.StringVar(&relayURL, "relay-url", "", "CORS relay URL; requests are routed through it when set")
	fs.StringArrayVar(&headerFlags, "header", nil, "Static header to send, key=value (repeatable, supports ${var} templates)")

	// Auth flags
	fs.StringVar(&authType, "auth-type", "none", "Credential type: none, basic, bearer, oauth2")
	fs.StringVar(&authUsername, "username", "", "Username for basic auth")
	fs.StringVar(&authPassword, "password", "", "Password for basic auth")
	fs.StringVar(&authToken, "token", "", "Token for bearer auth")
	fs.StringVar(&oauthClientID, "oauth-client-id", "", "OAuth2 client ID")
	fs.StringVar(&oauthClientSecret, "oauth-client-secret", "", "OAuth2 client secret (enables the authorization-code flow)")
	fs.StringVar(&oauthAuthURL, "oauth-authorization-url", "", "OAuth2 authorization endpoint (discovered when empty)")
	fs.StringVar(&oauthTokenURL, "oauth-token-url", "", "OAuth2 token endpoint (discovered when empty)")
	fs.StringVar(&oauthScope, "oauth-scope", "", "OAuth2 scope to request")
	fs.StringVar(&oauthRedirectURL, "oauth-redirect-url", "", "OAuth2 redirect URL for the loopback callback")
}

func init() {
	addConnectionFlags(rootCmd.Flags())

	rootCmd.Flags().StringArrayVar(&varFlags, "var", nil, "Template variable, name=value (repeatable)")
	rootCmd.Flags().StringVar(&profileName, "profile", "", "Name of a stored profile to connect with")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Timeout for waiting for notifications")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (show keepalive messages)")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")
	rootCmd.Flags().BoolVar(&repl, "repl", false, "Start interactive REPL mode")
	rootCmd.Flags().BoolVar(&login, "login", false, "Run the interactive authorization flow before connecting")

	// Add subcommands
	rootCmd.AddCommand(newProfileCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())

	rootCmd.MarkFlagsMutuallyExclusive("url", "profile")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// parseKeyValueFlags parses repeatable key=value flags.
func parseKeyValueFlags(flags []string, flagName string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, kv := range flags {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --%s %q, expected key=value", flagName, kv)
		}
		out[key] = value
	}
	return out, nil
}

// buildProfile assembles a connection profile from CLI flags, or loads a
// stored one when --profile is set.
func buildProfile(cmd *cobra.Command, logger *capability.Logger) (*capability.ConnectionProfile, error) {
	if profileName != "" {
		path, err := profilestore.DefaultPath()
		if err != nil {
			return nil, err
		}
		store, err := profilestore.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = store.Close() }()
		return store.Get(profileName)
	}

	headers, err := parseKeyValueFlags(headerFlags, "header")
	if err != nil {
		return nil, err
	}

	profile := &capability.ConnectionProfile{
		Name:     "cli",
		URL:      serverURL,
		UseRelay: relayURL != "",
		RelayURL: relayURL,
	}
	for key, value := range headers {
		profile.Headers = append(profile.Headers, capability.HeaderEntry{Key: key, Value: value, Enabled: true})
	}

	switch capability.AuthType(authType) {
	case capability.AuthNone:
		profile.Auth.Type = capability.AuthNone
	case capability.AuthBasic:
		profile.Auth = capability.AuthConfig{
			Type:     capability.AuthBasic,
			Username: authUsername,
			Password: authPassword,
		}
	case capability.AuthBearer:
		profile.Auth = capability.AuthConfig{
			Type:  capability.AuthBearer,
			Token: authToken,
		}
	case capability.AuthOAuth2:
		if oauthClientSecret != "" && cmd.Flags().Changed("oauth-client-secret") {
			logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		}
		profile.Auth = capability.AuthConfig{
			Type:             capability.AuthOAuth2,
			ClientID:         oauthClientID,
			ClientSecret:     oauthClientSecret,
			AuthorizationURL: oauthAuthURL,
			TokenURL:         oauthTokenURL,
			Scope:            oauthScope,
			RedirectURL:      oauthRedirectURL,
		}
	default:
		return nil, fmt.Errorf("unknown auth type %q (none, basic, bearer, oauth2)", authType)
	}

	return profile, nil
}

// authorizeIfNeeded runs discovery and the interactive flow for oauth2
// profiles when --login is set.
func authorizeIfNeeded(ctx context.Context, profile *capability.ConnectionProfile, logger *capability.Logger) error {
	if !login {
		return nil
	}
	if profile.Auth.Type != capability.AuthOAuth2 {
		return fmt.Errorf("--login requires --auth-type oauth2, got %s", profile.Auth.Type)
	}

	if profile.Auth.AuthorizationURL == "" {
		discoverer := capability.NewDiscoverer(logger, capability.WithRelay(profile.RelayURL))
		if err := discoverer.Discover(ctx, profile.URL, &profile.Auth); err != nil {
			return err
		}
	}

	flow := capability.NewAuthFlow(&profile.Auth, logger)
	return flow.Authorize(ctx)
}

// runNormalMode keeps the connection open and surfaces pushed
// notifications until the timeout elapses or the context is cancelled.
func runNormalMode(ctx context.Context, conn *capability.Connection, logger *capability.Logger) error {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	logger.Info("Listening for notifications (timeout %v)...", timeout)
	for {
		select {
		case <-timeoutCtx.Done():
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				logger.Info("Timeout reached after %v", timeout)
			}
			return nil
		case notification := <-conn.Notifications():
			if notification.Method == "notifications/tools/list_changed" {
				if err := conn.RefreshTools(timeoutCtx); err != nil {
					logger.Error("Failed to refresh tools: %v", err)
					continue
				}
				logger.Success("Tool list changed, now %d tools", len(conn.Tools()))
			}
		}
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := capability.NewLogger(verbose, !noColor, jsonRPC)

	profile, err := buildProfile(cmd, logger)
	if err != nil {
		return err
	}

	vars, err := parseKeyValueFlags(varFlags, "var")
	if err != nil {
		return err
	}

	if err := authorizeIfNeeded(ctx, profile, logger); err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	conn := capability.NewConnection(profile,
		capability.WithLogger(logger),
		capability.WithResolver(capability.NewVarResolver(), vars),
		capability.WithClientVersion(version),
	)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Disconnect()

	if repl {
		replHandler := capability.NewREPL(conn, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, conn, logger)
}
