package capability

import (
	"fmt"
	"time"
)

// NetworkError indicates a transport-level failure: the request never
// produced an HTTP reply, or the stream died underneath us.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed envelope or endpoint announcement.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// RPCError is a server-reported JSON-RPC error, or a non-2xx command
// endpoint reply reduced to a human-readable message.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return "rpc error: " + e.Message
}

// TimeoutError indicates that neither the direct reply nor a pushed
// message resolved a call within the fixed bound. It names the method so
// the surfaced status is actionable.
type TimeoutError struct {
	Method string
	Wait   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %v", e.Method, e.Wait)
}

// AuthDiscoveryError indicates that no OAuth2 endpoint metadata could be
// resolved after all discovery strategies were exhausted.
type AuthDiscoveryError struct {
	URL    string
	Reason string
}

func (e *AuthDiscoveryError) Error() string {
	return fmt.Sprintf("auth discovery failed for %s: %s", e.URL, e.Reason)
}

// AuthFlowError indicates a failed interactive authorization attempt:
// provider error, state mismatch, or an abandoned callback.
type AuthFlowError struct {
	Reason string
}

func (e *AuthFlowError) Error() string {
	return "authorization failed: " + e.Reason
}

// TokenExchangeError indicates a non-success reply from the token endpoint.
type TokenExchangeError struct {
	Reason string
}

func (e *TokenExchangeError) Error() string {
	return "token exchange failed: " + e.Reason
}
