package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// connWithEndpoint builds a connection whose command endpoint is already
// resolved, bypassing the push channel.
func connWithEndpoint(endpoint string, client *http.Client) *Connection {
	c := NewConnection(
		&ConnectionProfile{Name: "test", URL: endpoint, Auth: AuthConfig{Type: AuthNone}},
		WithHTTPClient(client),
	)
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	return c
}

func TestCallDirectReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			ID      *int64          `json:"id"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("expected jsonrpc 2.0, got %q", req.JSONRPC)
		}
		if req.ID == nil {
			t.Fatal("expected request to carry an id")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, *req.ID)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	raw, err := c.Call(context.Background(), "tools/list", struct{}{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("unexpected result %s", raw)
	}
	if c.pending.size() != 0 {
		t.Errorf("expected no outstanding calls, got %d", c.pending.size())
	}
}

func TestCallDirectErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID *int64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	_, err := c.Call(context.Background(), "nope", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("expected code -32601, got %d", rpcErr.Code)
	}
	if rpcErr.Message != "method not found" {
		t.Errorf("unexpected message %q", rpcErr.Message)
	}
}

func TestCallNon2xxReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"database down"}}`)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	_, err := c.Call(context.Background(), "tools/list", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != http.StatusInternalServerError {
		t.Errorf("expected code 500, got %d", rpcErr.Code)
	}
	if rpcErr.Message != "database down" {
		t.Errorf("expected extracted message, got %q", rpcErr.Message)
	}
	if c.pending.size() != 0 {
		t.Errorf("expected no outstanding calls, got %d", c.pending.size())
	}
}

func TestCallAcknowledgedThenPushed(t *testing.T) {
	ids := make(chan int64, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID *int64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids <- *req.ID

		// Plain-text acknowledgement; the real reply arrives on the stream.
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "Accepted")
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	go func() {
		id := <-ids
		time.Sleep(testDelayShort)
		c.dispatchMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"pushed":true}}`, id))
	}()

	raw, err := c.Call(context.Background(), "tools/call", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(raw) != `{"pushed":true}` {
		t.Errorf("unexpected result %s", raw)
	}
}

func TestCallJSONAckWithoutMatchingIDWaitsForPush(t *testing.T) {
	ids := make(chan int64, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID *int64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids <- *req.ID

		// JSON body, but not a JSON-RPC envelope for this call.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"queued"}`)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	go func() {
		id := <-ids
		c.dispatchMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"done"}`, id))
	}()

	raw, err := c.Call(context.Background(), "tools/call", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(raw) != `"done"` {
		t.Errorf("unexpected result %s", raw)
	}
}

func TestCallContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	defer close(release)

	c := connWithEndpoint(server.URL, server.Client())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(testDelayShort)
		cancel()
	}()

	_, err := c.Call(ctx, "tools/list", nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if c.pending.size() != 0 {
		t.Errorf("expected no outstanding calls, got %d", c.pending.size())
	}
}

func TestCallWithoutEndpoint(t *testing.T) {
	c := NewConnection(&ConnectionProfile{Name: "test", URL: "http://localhost:1/sse"})

	_, err := c.Call(context.Background(), "tools/list", nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %T: %v", err, err)
	}
}

func TestNotifySendsNoID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var probe map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&probe); err != nil {
			t.Errorf("failed to decode notification: %v", err)
		}
		if _, hasID := probe["id"]; hasID {
			t.Error("expected notification to carry no id")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	if err := c.Notify(context.Background(), notificationInitialized, nil); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
}

func TestNotifyNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no session", http.StatusBadRequest)
	}))
	defer server.Close()

	c := connWithEndpoint(server.URL, server.Client())

	err := c.Notify(context.Background(), notificationInitialized, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != http.StatusBadRequest {
		t.Errorf("expected code 400, got %d", rpcErr.Code)
	}
}

func TestRequestHeadersMergesStaticAndAuth(t *testing.T) {
	c := NewConnection(&ConnectionProfile{
		Name: "test",
		URL:  "http://localhost:1/sse",
		Headers: []HeaderEntry{
			{Key: "X-Tenant", Value: "${tenant}", Enabled: true},
			{Key: "X-Disabled", Value: "nope", Enabled: false},
		},
		Auth: AuthConfig{Type: AuthBearer, Token: "tok-123"},
	}, WithResolver(NewVarResolver(), map[string]string{"tenant": "acme"}))

	headers, err := c.requestHeaders()
	if err != nil {
		t.Fatalf("requestHeaders failed: %v", err)
	}

	if got := headers.Get("X-Tenant"); got != "acme" {
		t.Errorf("expected resolved tenant header, got %q", got)
	}
	if got := headers.Get("X-Disabled"); got != "" {
		t.Errorf("expected disabled header to be omitted, got %q", got)
	}
	if got := headers.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("unexpected Authorization header %q", got)
	}
	if got := headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("unexpected Content-Type %q", got)
	}
}

func TestIsJSONContent(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/problem+json", true},
		{"text/plain", false},
		{"text/event-stream", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := isJSONContent(tt.contentType); got != tt.want {
				t.Errorf("isJSONContent(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		fallback string
		want     string
	}{
		{
			name: "nested error message",
			body: `{"error":{"message":"session expired"}}`,
			want: "session expired",
		},
		{
			name: "error as string",
			body: `{"error":"bad things"}`,
			want: "bad things",
		},
		{
			name: "top-level message",
			body: `{"message":"not found"}`,
			want: "not found",
		},
		{
			name: "plain text excerpt",
			body: "Internal Server Error",
			want: "Internal Server Error",
		},
		{
			name:     "empty body uses fallback",
			body:     "",
			fallback: "500 Internal Server Error",
			want:     "500 Internal Server Error",
		},
		{
			name: "long body truncated",
			body: strings.Repeat("x", maxErrorExcerpt+50),
			want: strings.Repeat("x", maxErrorExcerpt) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractErrorMessage([]byte(tt.body), tt.fallback); got != tt.want {
				t.Errorf("extractErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallTimesOutWithoutAnyReply(t *testing.T) {
	// The server acknowledges but never replies on either path.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "Accepted")
	}))
	defer server.Close()

	c := NewConnection(
		&ConnectionProfile{Name: "test", URL: server.URL, Auth: AuthConfig{Type: AuthNone}},
		WithHTTPClient(server.Client()),
		WithCallTimeout(testDelayShort),
	)
	c.mu.Lock()
	c.endpoint = server.URL
	c.mu.Unlock()

	_, err := c.Call(context.Background(), "tools/list", struct{}{})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Method != "tools/list" {
		t.Errorf("expected the timed-out method to be recorded, got %q", te.Method)
	}
	if !strings.Contains(err.Error(), "tools/list") {
		t.Errorf("expected the message to name the method, got %q", err.Error())
	}
	if n := c.pending.size(); n != 0 {
		t.Errorf("expected empty pending table after timeout, got %d entries", n)
	}
}
