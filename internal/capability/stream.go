package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// openStream opens the standing SSE subscription to the server URL and
// starts the reader goroutine. The subscription lives until the stream
// context is cancelled or the server closes it.
func (c *Connection) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.profile.relayWrap(c.profile.URL), nil)
	if err != nil {
		cancel()
		return &NetworkError{Op: "stream open", Err: err}
	}

	headers, err := c.requestHeaders()
	if err != nil {
		cancel()
		return err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Del("Content-Type")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return &NetworkError{Op: "stream open", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
		_ = resp.Body.Close()
		cancel()
		return &NetworkError{Op: "stream open", Err: fmt.Errorf("%s", extractErrorMessage(body, resp.Status))}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return &ProtocolError{Reason: fmt.Sprintf("push channel replied with Content-Type %q, expected text/event-stream", ct)}
	}

	c.mu.Lock()
	c.streamCancel = cancel
	c.mu.Unlock()

	go c.readStream(streamCtx, resp.Body)
	return nil
}

// readStream scans SSE frames off the subscription. Frames are an
// optional "event:" line followed by "data:" lines, terminated by a blank
// line; ":" lines are keepalive comments.
func (c *Connection) readStream(ctx context.Context, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplyBody)

	var event string
	var data strings.Builder

	flush := func() {
		if data.Len() > 0 || event != "" {
			c.dispatchEvent(event, data.String())
		}
		event = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			c.logger.Debug("keepalive: %s", strings.TrimSpace(line[1:]))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	if ctx.Err() != nil {
		// Deliberate teardown.
		return
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.streamFailed(err)
}

// dispatchEvent routes one SSE frame: endpoint announcements feed the
// connect sequence, everything else is treated as a pushed message.
func (c *Connection) dispatchEvent(event, data string) {
	switch event {
	case "endpoint":
		endpoint, err := c.resolveEndpoint(data)
		if err != nil {
			c.logger.Warning("Ignoring endpoint announcement: %v", err)
			return
		}
		c.mu.RLock()
		ch := c.endpointCh
		c.mu.RUnlock()
		select {
		case ch <- endpoint:
		default:
			// A second announcement after the endpoint is settled.
			c.logger.Debug("Ignoring late endpoint announcement: %s", endpoint)
		}
	default:
		c.dispatchMessage(data)
	}
}

// resolveEndpoint resolves an announced command endpoint URI, which may be
// relative to the server URL.
func (c *Connection) resolveEndpoint(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", &ProtocolError{Reason: "empty endpoint announcement"}
	}

	base, err := url.Parse(c.profile.URL)
	if err != nil {
		return "", &ProtocolError{Reason: "invalid server URL: " + err.Error()}
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", &ProtocolError{Reason: "invalid endpoint URI: " + err.Error()}
	}
	return base.ResolveReference(ref).String(), nil
}

// dispatchMessage handles one pushed payload. A message with an id that
// matches a pending call completes it; unmatched ids and non-JSON payloads
// are ignored without tearing down the stream; id-less messages with a
// method are notifications.
func (c *Connection) dispatchMessage(data string) {
	var probe rpcResponse
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		c.logger.Debug("Ignoring malformed push payload: %v", err)
		return
	}

	if probe.ID != nil {
		var matched bool
		if probe.Error != nil {
			matched = c.pending.reject(*probe.ID, &RPCError{Code: probe.Error.Code, Message: probe.Error.Message})
		} else {
			matched = c.pending.resolve(*probe.ID, probe.Result)
		}
		if !matched {
			c.logger.Debug("Ignoring push message for unknown id %d", *probe.ID)
		}
		return
	}

	var notification mcp.JSONRPCNotification
	if err := json.Unmarshal([]byte(data), &notification); err != nil || notification.Method == "" {
		return
	}
	c.logger.Notification(notification.Method, notification.Params)
	select {
	case c.notifications <- notification:
	default:
		c.logger.Debug("Dropping notification %s: buffer full", notification.Method)
	}
}
