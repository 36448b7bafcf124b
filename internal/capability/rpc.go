package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// maxReplyBody caps how much of a command endpoint reply is read.
const maxReplyBody = 4 * 1024 * 1024

// rpcRequest is the outgoing JSON-RPC envelope. A nil ID marks a one-way
// notification that expects no reply.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

// rpcErrorBody is the error member of a JSON-RPC response.
type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcResponse is the incoming JSON-RPC envelope, from either the direct
// HTTP reply or a pushed message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

// Call issues a JSON-RPC request to the command endpoint and waits for the
// first of two racing result paths: the direct HTTP reply (when it carries
// a structured envelope with a matching id) or a message pushed later on
// the stream. The call timeout rejects the call when neither path completes.
func (c *Connection) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	pc := c.pending.register(method)

	timer := time.AfterFunc(c.callTimeout, func() {
		c.pending.reject(pc.id, &TimeoutError{Method: method, Wait: c.callTimeout})
	})
	defer timer.Stop()

	c.logger.Request(method, params)

	if err := c.post(ctx, pc, method, params); err != nil {
		// Transport-level failure or non-2xx reply: reject immediately
		// rather than holding the call open for the push path.
		c.pending.reject(pc.id, err)
	}

	select {
	case out := <-pc.done:
		if out.err != nil {
			c.logger.Error("%s failed: %v", method, out.err)
			return nil, out.err
		}
		c.logger.Response(method, out.result)
		return out.result, nil
	case <-ctx.Done():
		c.pending.reject(pc.id, ctx.Err())
		out := <-pc.done
		return nil, out.err
	}
}

// Notify sends a one-way request: no id, no pending entry, no reply
// awaited. Non-2xx replies still fail it.
func (c *Connection) Notify(ctx context.Context, method string, params interface{}) error {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return &ProtocolError{Reason: "no command endpoint resolved"}
	}

	c.logger.Request(method, params)

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return &ProtocolError{Reason: "failed to encode notification: " + err.Error()}
	}

	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCError{Code: resp.StatusCode, Message: extractErrorMessage(reply, resp.Status)}
	}
	return nil
}

// post sends the envelope for an already-registered call and, when the
// reply is a structured JSON-RPC envelope with the matching id, completes
// the call from it directly. An acknowledgement-only reply leaves the call
// open for the push path. Errors are returned for the caller to reject
// with, keeping completion single-pathed through the pending table.
func (c *Connection) post(ctx context.Context, pc *pendingCall, method string, params interface{}) error {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return &ProtocolError{Reason: "no command endpoint resolved"}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &pc.id})
	if err != nil {
		return &ProtocolError{Reason: "failed to encode request: " + err.Error()}
	}

	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCError{Code: resp.StatusCode, Message: extractErrorMessage(reply, resp.Status)}
	}

	if !isJSONContent(resp.Header.Get("Content-Type")) {
		return nil
	}

	var rr rpcResponse
	if json.Unmarshal(reply, &rr) != nil || rr.ID == nil || *rr.ID != pc.id {
		// Not a matching envelope; the server acknowledged and will push
		// the real reply on the stream.
		return nil
	}

	if rr.Error != nil {
		c.pending.reject(pc.id, &RPCError{Code: rr.Error.Code, Message: rr.Error.Message})
	} else {
		c.pending.resolve(pc.id, rr.Result)
	}
	return nil
}

// send issues the HTTP POST with merged static and auth headers.
func (c *Connection) send(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.profile.relayWrap(endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	headers, err := c.requestHeaders()
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	return c.http.Do(req)
}

// requestHeaders merges the profile's enabled static headers with the
// resolved authentication headers. Templated values pass through the
// interpolation collaborator first.
func (c *Connection) requestHeaders() (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")

	for _, entry := range c.profile.Headers {
		if !entry.Enabled || entry.Key == "" {
			continue
		}
		value, err := resolveAll(c.resolver, entry.Value, c.vars)
		if err != nil {
			return nil, &ProtocolError{Reason: "failed to resolve header " + entry.Key + ": " + err.Error()}
		}
		h.Set(entry.Key, value)
	}

	auth, err := c.profile.Auth.Headers(c.resolver, c.vars)
	if err != nil {
		return nil, err
	}
	for key, value := range auth {
		h.Set(key, value)
	}
	return h, nil
}

// isJSONContent reports whether a Content-Type names a structured JSON
// body worth parsing as a JSON-RPC envelope.
func isJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// extractErrorMessage digs a human-readable message out of an error reply:
// a JSON error.message or message field when present, otherwise a
// truncated excerpt of the raw body, otherwise the HTTP status line.
func extractErrorMessage(body []byte, fallback string) string {
	var probe struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &probe) == nil {
		if len(probe.Error) > 0 {
			var inner struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(probe.Error, &inner) == nil && inner.Message != "" {
				return inner.Message
			}
			var plain string
			if json.Unmarshal(probe.Error, &plain) == nil && plain != "" {
				return plain
			}
		}
		if probe.Message != "" {
			return probe.Message
		}
	}

	excerpt := strings.TrimSpace(string(body))
	if excerpt == "" {
		return fallback
	}
	if len(excerpt) > maxErrorExcerpt {
		excerpt = excerpt[:maxErrorExcerpt] + "..."
	}
	return excerpt
}
