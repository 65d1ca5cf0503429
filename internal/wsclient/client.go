// Package wsclient connects to the upstream venue's secure WebSocket and
// exposes the connection through the open/message/close/error callback
// contract the dispatcher and subscription bridge are built around. The
// framing and reconnect machinery is delegated entirely to
// github.com/yanun0323/pkg/ws; this package only adapts that library's
// channel-based consumption model to callbacks and adds the bounded,
// idempotent shutdown sequence.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/pkg/ws"

	"gateway/internal/xerrors"
)

// closeShutdownTimeout bounds how long Close waits for the read loop to
// observe cancellation before returning anyway.
const closeShutdownTimeout = time.Second

// suppressedErrors are substrings of errors that indicate ordinary
// WebSocket teardown rather than a genuine failure; callers never see
// these via OnError.
var suppressedErrors = []string{
	"operation canceled",
	"stream truncated",
	"end of file",
}

// Callbacks bundles the four hooks the read loop invokes. OnOpen fires
// once after the handshake completes. OnMessage fires once per inbound
// frame with its textual payload. OnClose fires at most once, after the
// read loop exits for any reason. OnError fires for unsuppressed transport
// diagnostics; it is not correlated with a particular message.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(payload string)
	OnClose   func()
	OnError   func(message string)
}

// Client is a single upstream WebSocket connection. Send is safe to call
// from multiple goroutines concurrently; it serializes writes internally
// so the subscription bridge's concurrent subscribe requests never
// interleave mid-frame on the shared socket.
type Client struct {
	wss  *ws.WebSocket
	cb   Callbacks

	writeMu   sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Client targeting wss://host:port/path. The connection is
// not established until Start is called.
func New(ctx context.Context, host, port, path string) *Client {
	url := fmt.Sprintf("wss://%s:%s%s", host, port, path)
	return &Client{
		wss:  ws.New(ctx, url),
		done: make(chan struct{}),
	}
}

// Start performs the handshake and launches the read loop. It blocks until
// the handshake completes or fails, matching the source's synchronous
// connect-then-run-loop shape.
func (c *Client) Start(ctx context.Context, cb Callbacks) error {
	c.cb = cb

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.wss.Start(runCtx); err != nil {
		close(c.done)
		return xerrors.TransportWrap(err, "connect upstream websocket")
	}

	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	go c.readLoop(runCtx)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	ch, unsubscribe := c.wss.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			c.emitClose()
			return
		case m, ok := <-ch:
			if !ok {
				c.emitClose()
				return
			}
			payload, ok := ws.ReadMessage[json.RawMessage](m)
			if !ok {
				continue
			}
			if c.cb.OnMessage != nil {
				c.cb.OnMessage(string(payload))
			}
		}
	}
}

func (c *Client) emitClose() {
	if c.cb.OnClose != nil {
		c.cb.OnClose()
	}
}

// Send writes a JSON-RPC frame upstream, serialized against any other
// concurrent Send on this Client.
func (c *Client) Send(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.wss.WriteJSON(payload); err != nil {
		msg := err.Error()
		if !suppressed(msg) {
			c.reportError(msg)
		}
		return xerrors.TransportWrap(err, "write upstream frame")
	}
	return nil
}

func (c *Client) reportError(message string) {
	if c.cb.OnError != nil {
		c.cb.OnError(message)
	}
}

func suppressed(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range suppressedErrors {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Close signals the read loop to stop, waits up to closeShutdownTimeout for
// it to exit, and is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		select {
		case <-c.done:
		case <-time.After(closeShutdownTimeout):
		}
		c.wss.Close()
	})
}
