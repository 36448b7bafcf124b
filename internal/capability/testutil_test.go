package capability

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Test timeout constants
const (
	testTimeoutNormal = 1 * time.Second
	testTimeoutLong   = 5 * time.Second
	testDelayShort    = 50 * time.Millisecond
)

// mockCapServer is a capability server for tests: an SSE push channel at
// /sse announcing a command endpoint at /messages, and a JSON-RPC handler
// behind it. Replies go out either as direct HTTP envelopes or as pushed
// stream messages, selected per server.
type mockCapServer struct {
	*httptest.Server
	t *testing.T

	// Configuration
	announceEndpoint bool
	pushReplies      bool
	failInitialize   bool
	tools            []mcp.Tool
	callHandler      func(params json.RawMessage) (interface{}, *rpcErrorBody)

	// State tracking
	mu             sync.Mutex
	toolsListCount int
	initCount      int
	notified       []string
	streams        map[chan string]struct{}
}

func newMockCapServer(t *testing.T) *mockCapServer {
	t.Helper()

	ms := &mockCapServer{
		t:                t,
		announceEndpoint: true,
		streams:          make(map[chan string]struct{}),
		tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes its input",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"text": map[string]interface{}{"type": "string"},
					},
				},
			},
			{Name: "ping", Description: "Replies with pong"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", ms.handleStream)
	mux.HandleFunc("/messages", ms.handleCommand)

	ms.Server = httptest.NewServer(mux)
	return ms
}

// handleStream serves the SSE push channel. Commands posted to the base
// URL (the endpoint-fallback case) are handled like /messages posts.
func (ms *mockCapServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		ms.handleCommand(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if ms.announceEndpoint {
		fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
	}

	frames := make(chan string, 16)
	ms.mu.Lock()
	ms.streams[frames] = struct{}{}
	ms.mu.Unlock()
	defer func() {
		ms.mu.Lock()
		delete(ms.streams, frames)
		ms.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-frames:
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

// push delivers one raw SSE frame on every open stream.
func (ms *mockCapServer) push(frame string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for frames := range ms.streams {
		frames <- frame
	}
}

// pushMessage delivers a JSON payload as a pushed stream message.
func (ms *mockCapServer) pushMessage(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		ms.t.Fatalf("failed to marshal push message: %v", err)
	}
	ms.push(fmt.Sprintf("event: message\ndata: %s\n\n", data))
}

// pushNotification delivers an id-less notification on the stream.
func (ms *mockCapServer) pushNotification(method string) {
	ms.pushMessage(map[string]interface{}{"jsonrpc": "2.0", "method": method})
}

// handleCommand handles JSON-RPC posts to the command endpoint.
func (ms *mockCapServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	var raw struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     *int64          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Method = raw.Method
	req.ID = raw.ID

	if req.ID == nil {
		ms.mu.Lock()
		ms.notified = append(ms.notified, req.Method)
		ms.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result interface{}
	var rpcErr *rpcErrorBody

	switch req.Method {
	case methodInitialize:
		ms.mu.Lock()
		ms.initCount++
		ms.mu.Unlock()
		if ms.failInitialize {
			rpcErr = &rpcErrorBody{Code: -32000, Message: "access denied"}
			break
		}
		result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{},
			"serverInfo":      map[string]interface{}{"name": "mock-cap", "version": "0.1.0"},
		}
	case methodToolsList:
		ms.mu.Lock()
		ms.toolsListCount++
		tools := append([]mcp.Tool{}, ms.tools...)
		ms.mu.Unlock()
		result = map[string]interface{}{"tools": tools}
	case methodToolsCall:
		if ms.callHandler != nil {
			result, rpcErr = ms.callHandler(raw.Params)
		} else {
			result = map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": "ok"}},
			}
		}
	default:
		rpcErr = &rpcErrorBody{Code: -32601, Message: "method not found"}
	}

	envelope := map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID}
	if rpcErr != nil {
		envelope["error"] = rpcErr
	} else {
		envelope["result"] = result
	}

	if ms.pushReplies {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "Accepted")
		go ms.pushMessage(envelope)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope)
}

// getToolsListCount returns how many tools/list requests were handled.
func (ms *mockCapServer) getToolsListCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.toolsListCount
}

// getNotified returns the notification methods received so far.
func (ms *mockCapServer) getNotified() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string{}, ms.notified...)
}

// newTestConnection builds a connection against the mock server with a
// silent logger.
func newTestConnection(ms *mockCapServer, opts ...ConnectionOption) *Connection {
	profile := &ConnectionProfile{
		Name: "test",
		URL:  ms.URL + "/sse",
		Auth: AuthConfig{Type: AuthNone},
	}
	base := []ConnectionOption{WithHTTPClient(ms.Client())}
	return NewConnection(profile, append(base, opts...)...)
}

// pickFreePort reserves and releases an ephemeral loopback port.
func pickFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}
