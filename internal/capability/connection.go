package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// State is the lifecycle position of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Error"
	default:
		return "Unknown"
	}
}

// errConnectionClosed rejects outstanding calls when the connection is
// deliberately torn down.
var errConnectionClosed = errors.New("connection closed")

// Connection owns one capability-server session: the push channel, the
// pending-call table, the discovered command endpoint, and the tool list.
// All of that state is scoped to the instance; switching profiles means
// tearing this Connection down and constructing a new one, so a stale push
// message can never resolve a waiter that belongs to a different session.
type Connection struct {
	profile  *ConnectionProfile
	logger   *Logger
	resolver Resolver
	vars     map[string]string
	http     *http.Client
	version  string

	callTimeout  time.Duration
	endpointWait time.Duration

	pending *pendingTable

	mu         sync.RWMutex
	state      State
	status     string
	endpoint   string
	tools      []mcp.Tool
	serverInfo *mcp.InitializeResult

	streamCancel  context.CancelFunc
	endpointCh    chan string
	notifications chan mcp.JSONRPCNotification
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(l *Logger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// WithResolver sets the interpolation collaborator used for header and
// credential values.
func WithResolver(r Resolver, vars map[string]string) ConnectionOption {
	return func(c *Connection) {
		c.resolver = r
		c.vars = vars
	}
}

// WithHTTPClient overrides the HTTP client used for the push channel and
// command endpoint.
func WithHTTPClient(h *http.Client) ConnectionOption {
	return func(c *Connection) { c.http = h }
}

// WithClientVersion sets the version reported during initialize.
func WithClientVersion(v string) ConnectionOption {
	return func(c *Connection) { c.version = v }
}

// WithCallTimeout overrides how long a call waits for either result path.
func WithCallTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.callTimeout = d }
}

// WithEndpointWait overrides how long Connect waits for an endpoint
// announcement before falling back to the server URL.
func WithEndpointWait(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.endpointWait = d }
}

// NewConnection creates a disconnected Connection for the given profile.
func NewConnection(profile *ConnectionProfile, opts ...ConnectionOption) *Connection {
	c := &Connection{
		profile:       profile,
		http:          &http.Client{},
		version:       "1.0.0",
		callTimeout:   callTimeout,
		endpointWait:  endpointFallbackDelay,
		pending:       newPendingTable(),
		state:         StateDisconnected,
		notifications: make(chan mcp.JSONRPCNotification, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the push channel, resolves the command endpoint, and runs
// the handshake. Calling Connect while already Connecting or Connected
// acts as a toggle: the session is closed and the state resets to
// Disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		c.Disconnect()
		return nil
	}
	c.state = StateConnecting
	c.status = "opening push channel"
	c.endpointCh = make(chan string, 1)
	c.mu.Unlock()

	if err := c.profile.Validate(); err != nil {
		return c.fail(err)
	}

	c.logger.Info("Connecting to %s...", c.profile.URL)

	if err := c.openStream(ctx); err != nil {
		return c.fail(err)
	}

	endpoint, err := c.awaitEndpoint(ctx)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.status = "endpoint resolved"
	c.mu.Unlock()
	c.logger.InfoVerbose("Command endpoint: %s", endpoint)

	if err := c.handshake(ctx); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.status = fmt.Sprintf("connected, %d tools", len(c.tools))
	toolCount := len(c.tools)
	c.mu.Unlock()
	c.logger.Success("Connected, %d tools available", toolCount)
	return nil
}

// awaitEndpoint waits for an explicit endpoint announcement on the push
// channel; when none arrives within the fallback delay the server URL
// itself becomes the command endpoint.
func (c *Connection) awaitEndpoint(ctx context.Context) (string, error) {
	c.mu.RLock()
	ch := c.endpointCh
	c.mu.RUnlock()

	timer := time.NewTimer(c.endpointWait)
	defer timer.Stop()

	select {
	case endpoint := <-ch:
		return endpoint, nil
	case <-timer.C:
		c.logger.InfoVerbose("No endpoint announcement, falling back to server URL")
		return c.profile.URL, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handshake runs the strict initialize → initialized → tools/list
// sequence. Each step depends on the previous one succeeding; the tool
// list is never fetched when initialize fails.
func (c *Connection) handshake(ctx context.Context) error {
	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    clientName,
			Version: c.version,
		},
	}

	raw, err := c.Call(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Reason: "malformed initialize result: " + err.Error()}
	}
	c.mu.Lock()
	c.serverInfo = &result
	c.mu.Unlock()
	c.logger.InfoVerbose("Server: %s %s (protocol %s)", result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	if err := c.Notify(ctx, notificationInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("initial tool listing failed: %w", err)
	}
	return nil
}

// RefreshTools fetches the server's tools and replaces the cached list
// wholesale.
func (c *Connection) RefreshTools(ctx context.Context) error {
	raw, err := c.Call(ctx, methodToolsList, struct{}{})
	if err != nil {
		return err
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Reason: "malformed tools/list result: " + err.Error()}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// fail closes the stream, rejects everything outstanding, and records the
// failure message.
func (c *Connection) fail(err error) error {
	c.closeStream()
	c.pending.rejectAll(err)

	c.mu.Lock()
	c.state = StateFailed
	c.status = err.Error()
	c.tools = nil
	c.endpoint = ""
	c.mu.Unlock()

	c.logger.Error("Connection failed: %v", err)
	return err
}

// Disconnect tears the session down: the stream closes, every outstanding
// call rejects, and the tool list and discovered endpoint are cleared.
func (c *Connection) Disconnect() {
	c.closeStream()
	c.pending.rejectAll(errConnectionClosed)

	c.mu.Lock()
	c.state = StateDisconnected
	c.status = ""
	c.tools = nil
	c.endpoint = ""
	c.serverInfo = nil
	c.mu.Unlock()

	c.logger.Info("Disconnected")
}

func (c *Connection) closeStream() {
	c.mu.Lock()
	cancel := c.streamCancel
	c.streamCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// streamFailed handles the push channel dying underneath an active
// session. Deliberate teardown cancels the stream context first and never
// reaches this path.
func (c *Connection) streamFailed(err error) {
	c.mu.Lock()
	active := c.state == StateConnecting || c.state == StateConnected
	c.mu.Unlock()
	if !active {
		return
	}
	c.fail(&NetworkError{Op: "push channel", Err: err})
}

// State reports the current state and its free-text status message.
func (c *Connection) State() (State, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.status
}

// Endpoint reports the resolved command endpoint, empty until discovery
// completes.
func (c *Connection) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// Tools returns the cached tool list from the last successful tools/list.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]mcp.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// FindTool returns the cached tool with the given name, or nil.
func (c *Connection) FindTool(name string) *mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.tools {
		if c.tools[i].Name == name {
			return &c.tools[i]
		}
	}
	return nil
}

// ServerInfo returns the initialize result, nil before the handshake.
func (c *Connection) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Notifications is the stream of pushed notifications (messages with a
// method and no id).
func (c *Connection) Notifications() <-chan mcp.JSONRPCNotification {
	return c.notifications
}

// Profile returns the profile this connection was built from.
func (c *Connection) Profile() *ConnectionProfile {
	return c.profile
}
