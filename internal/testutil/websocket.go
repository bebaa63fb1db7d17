package testutil

import (
	"encoding/json"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
)

// WSClient is a WebSocket test client speaking JSON frames.
type WSClient struct {
	conn *gws.Conn
	t    *testing.T
}

// NewWSClient dials url and returns a test client.
//
// Precondition: url must be a ws:// or wss:// URL with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Conn exposes the underlying connection for control frames.
func (c *WSClient) Conn() *gws.Conn {
	return c.conn
}

// Send writes v as a JSON text frame.
func (c *WSClient) Send(v any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("sending %+v: %v", v, err)
	}
}

// Read decodes the next JSON frame into v, failing the test on timeout.
func (c *WSClient) Read(v any, timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.t.Fatalf("decoding frame %q: %v", data, err)
	}
}

// Close sends a close frame with code and reason.
func (c *WSClient) Close(code int, reason string) {
	c.t.Helper()
	msg := gws.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(5*time.Second)); err != nil {
		c.t.Fatalf("sending close: %v", err)
	}
}

// ReadError returns the error of the next read, which is expected to fail.
func (c *WSClient) ReadError(timeout time.Duration) error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatal("expected the connection to end")
	}
	return err
}
