// Package transport defines the WebSocket primitive the supervisor builds on and a
// gorilla/websocket implementation of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FrameType distinguishes text from binary data frames
type FrameType int

// Frame types
const (
	TextFrame FrameType = iota + 1
	BinaryFrame
)

func (t FrameType) String() string {
	switch t {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one inbound data message
type Frame struct {
	Type FrameType
	Data []byte
}

// Standard close codes used by the supervisor
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	CloseInternalFailure = 1011
)

// CloseError is returned by Conn.Receive when the peer closed the connection
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed: %d", e.Code)
	}
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// AsCloseError reports whether err carries a peer close
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Conn is one open WebSocket. Send may be called concurrently with Receive; the
// caller serialises Send calls. Close and Abort are safe to call more than once.
type Conn interface {
	// Send writes payload as a single text frame
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for the next data frame
	Receive() (Frame, error)
	// Close performs the closing handshake and releases the connection
	Close(code int, reason string) error
	// Abort releases the connection immediately without a handshake
	Abort() error
}

// Dialer opens connections
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}
