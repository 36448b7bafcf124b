package capability

import "time"

// Protocol method and notification constants.
// These are the standard method names used across the package.
const (
	// methodInitialize starts the session handshake
	methodInitialize = "initialize"

	// methodToolsList fetches the server's callable tools
	methodToolsList = "tools/list"

	// methodToolsCall invokes a single tool
	methodToolsCall = "tools/call"

	// notificationInitialized completes the handshake; one-way, no reply
	notificationInitialized = "notifications/initialized"

	// notificationToolsListChanged is sent when the server's tool list changes
	notificationToolsListChanged = "notifications/tools/list_changed"
)

// protocolVersion is the protocol revision sent during initialize.
const protocolVersion = "2024-11-05"

// clientName identifies this client in the initialize request.
const clientName = "capctl"

const (
	// callTimeout is the default bound on an RPC call; when neither the
	// direct HTTP reply nor a pushed message arrives within it, the call
	// rejects.
	callTimeout = 30 * time.Second

	// endpointFallbackDelay is the default wait for an explicit endpoint
	// announcement before the server URL itself is used.
	endpointFallbackDelay = 3 * time.Second

	// maxErrorExcerpt caps the raw-body excerpt used when a non-2xx reply
	// carries no structured error message.
	maxErrorExcerpt = 200
)

// URL scheme constants for validation.
const (
	schemeHTTPS = "https"
	schemeHTTP  = "http"
)
