package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with github.com/gorilla/websocket
type GorillaDialer struct {
	// HandshakeTimeout bounds the opening handshake; the caller's context may be shorter
	HandshakeTimeout time.Duration
	// TLSConfig is used for wss:// targets; nil uses the Go defaults
	TLSConfig *tls.Config
	// EnableCompression negotiates permessage-deflate
	EnableCompression bool
	// ReadLimit caps the size of one inbound message; zero means no limit
	ReadLimit int64
	// CloseTimeout bounds the wait for the close frame write
	CloseTimeout time.Duration
}

// NewGorillaDialer returns a dialer with sensible defaults
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{
		HandshakeTimeout: 30 * time.Second,
		CloseTimeout:     time.Second,
	}
}

// Dial opens a WebSocket to url. Cancelling ctx aborts the handshake.
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: d.EnableCompression,
	}
	if d.TLSConfig != nil {
		dialer.TLSClientConfig = d.TLSConfig.Clone()
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}

	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	closeTimeout := d.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = time.Second
	}

	return &gorillaConn{ws: ws, closeTimeout: closeTimeout}, nil
}

type gorillaConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
	closeTimeout time.Duration
}

func (c *gorillaConn) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *gorillaConn) Receive() (Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Frame{}, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return Frame{}, err
		}

		switch mt {
		case websocket.TextMessage:
			return Frame{Type: TextFrame, Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Type: BinaryFrame, Data: data}, nil
		}
	}
}

func (c *gorillaConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		// WriteControl is safe to call concurrently with WriteMessage
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.closeTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *gorillaConn) Abort() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
