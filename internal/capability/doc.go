// Package capability implements the client side of MCP-compatible
// capability servers.
//
// A Connection owns one server session: the standing push channel (an SSE
// stream that announces the command endpoint and delivers asynchronous
// replies), the pending-call table that correlates JSON-RPC requests with
// whichever of the direct HTTP reply or a later pushed message arrives
// first, and the initialize/initialized/tools-list handshake that makes the
// session usable.
//
// # Authentication
//
// Profiles carry a credential in one of four shapes: none, basic, bearer,
// or oauth2. The oauth2 shape never produces headers by itself; Discoverer
// resolves the authorization and token endpoints for a server (401 probe,
// provider heuristics, well-known fallbacks per RFC 9728/8414) and AuthFlow
// drives a browser-based authorization through a local loopback listener,
// rewriting the credential in place to a bearer token on success.
//
// # Key Components
//
//   - Connection: state machine, push channel, and RPC correlation
//   - ConnectionProfile / AuthConfig: connection and credential model
//   - Discoverer: OAuth2 endpoint metadata discovery
//   - AuthFlow: interactive authorization and code exchange
//   - Invocation / Invoker: schema-seeded tool arguments and execution
//   - Logger: formatted logging with color support and JSON-RPC tracing
package capability
