// Package testhelpers provides a protocol-aware WebSocket client and HTTP
// assertions shared by the GoChat server tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is accepted by the default configuration.
const DefaultOrigin = "http://localhost:8080"

// Timeout bounds every wait for a frame.
const Timeout = 3 * time.Second

// Frame is one decoded JSON record received from the server.
type Frame map[string]any

// Int returns a numeric field as int64. JSON numbers decode as float64.
func (f Frame) Int(key string) int64 {
	n, _ := f[key].(float64)
	return int64(n)
}

// String returns a string field.
func (f Frame) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Success reports the "success" field.
func (f Frame) Success() bool {
	ok, _ := f["success"].(bool)
	return ok
}

// Conn is a test client that separates replies from pushes. Pushes read
// while waiting for a reply are kept for later NextPush calls.
type Conn struct {
	t       *testing.T
	ws      *websocket.Conn
	frames  chan Frame
	pending []Frame
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects to the server's WebSocket endpoint. The connection is
// closed when the test ends.
func Dial(t *testing.T, serverURL string) *Conn {
	t.Helper()

	ws, _, err := ConnectWebSocket(WebSocketURL(serverURL), DefaultOrigin)
	require.NoError(t, err)

	c := &Conn{t: t, ws: ws, frames: make(chan Frame, 256)}
	go c.read()
	t.Cleanup(func() { _ = ws.Close() })
	return c
}

func (c *Conn) read() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.frames <- f
	}
}

// Send writes one request without waiting for the reply.
func (c *Conn) Send(action string, fields map[string]any) {
	c.t.Helper()
	req := map[string]any{"action": action}
	for k, v := range fields {
		req[k] = v
	}
	require.NoError(c.t, c.ws.WriteJSON(req))
}

// SendRaw writes a text frame verbatim.
func (c *Conn) SendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

// Call sends a request and returns its reply.
func (c *Conn) Call(action string, fields map[string]any) Frame {
	c.t.Helper()
	c.Send(action, fields)
	return c.NextReply()
}

// NextReply returns the next frame that is a reply rather than a push.
func (c *Conn) NextReply() Frame {
	c.t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for a reply")
			if _, isReply := f["success"]; isReply {
				return f
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			require.FailNow(c.t, "timed out waiting for a reply")
		}
	}
}

// NextPush returns the next push of the given type.
func (c *Conn) NextPush(typ string) Frame {
	c.t.Helper()
	if f, ok := c.takePending(typ); ok {
		return f
	}
	deadline := time.After(Timeout)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", typ)
			if f["type"] == typ {
				return f
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			require.FailNow(c.t, "timed out waiting for push "+typ)
		}
	}
}

// NoPush fails if a push of the given type arrives within wait.
func (c *Conn) NoPush(typ string, wait time.Duration) {
	c.t.Helper()
	if _, ok := c.takePending(typ); ok {
		require.FailNow(c.t, "unexpected push "+typ)
	}
	deadline := time.After(wait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(c.t, typ, f["type"], "unexpected push %s", typ)
			c.pending = append(c.pending, f)
		case <-deadline:
			return
		}
	}
}

// WaitClosed reports whether the server closed the connection within wait.
// Frames received meanwhile are kept.
func (c *Conn) WaitClosed(wait time.Duration) bool {
	deadline := time.After(wait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return true
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			return false
		}
	}
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()
}

func (c *Conn) takePending(typ string) (Frame, bool) {
	for i, f := range c.pending {
		if f["type"] == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f, true
		}
	}
	return nil, false
}

// MakeRequest executes an HTTP request with a 5 second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// AssertStatusCode checks the HTTP response status.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertContentType checks the Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	require.Equal(t, expected, resp.Header.Get("Content-Type"))
}
