// Package transporttest provides a scriptable in-memory transport for tests
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/c360/wsfeed/transport"
)

// ErrClosed is returned by a fake Conn after Close or Abort
var ErrClosed = errors.New("transporttest: connection closed")

type dialResult struct {
	conn *Conn
	err  error
}

// DialRecord captures one Dial call
type DialRecord struct {
	URL    string
	Header http.Header
}

// Dialer hands out scripted outcomes in order. When the script is exhausted Dial
// fails with the fallback error if one is set, or blocks until ctx is done.
type Dialer struct {
	mu       sync.Mutex
	script   []dialResult
	fallback error
	records  []DialRecord
	dialed   chan struct{}
}

// NewDialer creates an empty scripted dialer
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan struct{}, 1024)}
}

// Accept scripts the next dial to succeed and returns the connection it will yield
func (d *Dialer) Accept() *Conn {
	c := NewConn()
	d.mu.Lock()
	d.script = append(d.script, dialResult{conn: c})
	d.mu.Unlock()
	return c
}

// Fail scripts the next dial to fail with err
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.script = append(d.script, dialResult{err: err})
	d.mu.Unlock()
}

// FailAll makes every unscripted dial fail with err
func (d *Dialer) FailAll(err error) {
	d.mu.Lock()
	d.fallback = err
	d.mu.Unlock()
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.records = append(d.records, DialRecord{URL: url, Header: header.Clone()})
	var (
		next     dialResult
		have     bool
		fallback = d.fallback
	)
	if len(d.script) > 0 {
		next, have = d.script[0], true
		d.script = d.script[1:]
	}
	d.mu.Unlock()

	select {
	case d.dialed <- struct{}{}:
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case have && next.err != nil:
		return nil, next.err
	case have:
		return next.conn, nil
	case fallback != nil:
		return nil, fallback
	}

	<-ctx.Done()
	return nil, ctx.Err()
}

// Dials returns the number of Dial calls so far
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Records returns a copy of all Dial calls so far
func (d *Dialer) Records() []DialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialRecord, len(d.records))
	copy(out, d.records)
	return out
}

// Dialed receives one value per Dial call
func (d *Dialer) Dialed() <-chan struct{} {
	return d.dialed
}

type inbound struct {
	frame transport.Frame
	err   error
}

// Conn is a fake connection driven by the test. Frames and failures pushed by the
// test are returned by Receive in order; everything sent is recorded.
type Conn struct {
	inbound chan inbound
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	sent       []string
	lateSends  int
	sendErr    error
	blockSends bool
	closeCode  int
	aborted    bool
	sentSignal chan struct{}
	blocked    chan struct{}
}

// NewConn creates a standalone fake connection
func NewConn() *Conn {
	return &Conn{
		inbound:    make(chan inbound, 256),
		closed:     make(chan struct{}),
		sentSignal: make(chan struct{}, 1024),
		blocked:    make(chan struct{}, 1024),
	}
}

// PushText queues an inbound text frame
func (c *Conn) PushText(s string) {
	c.push(inbound{frame: transport.Frame{Type: transport.TextFrame, Data: []byte(s)}})
}

// PushBinary queues an inbound binary frame
func (c *Conn) PushBinary(b []byte) {
	c.push(inbound{frame: transport.Frame{Type: transport.BinaryFrame, Data: b}})
}

// Fail makes Receive return err once the queued frames are drained
func (c *Conn) Fail(err error) {
	c.push(inbound{err: err})
}

// PeerClose makes Receive report a close from the remote end
func (c *Conn) PeerClose(code int, reason string) {
	c.push(inbound{err: &transport.CloseError{Code: code, Reason: reason}})
}

// FailSends makes every subsequent Send return err
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// BlockSends makes every subsequent Send hang until the connection is released or
// the send context ends, like a peer that stopped reading
func (c *Conn) BlockSends() {
	c.mu.Lock()
	c.blockSends = true
	c.mu.Unlock()
}

func (c *Conn) push(in inbound) {
	select {
	case <-c.closed:
	case c.inbound <- in:
	}
}

// Send implements transport.Conn
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	block := c.blockSends
	c.mu.Unlock()

	if block {
		select {
		case c.blocked <- struct{}{}:
		default:
		}
		select {
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A send whose context ended is not late even if the connection is gone
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		c.lateSends++
		return ErrClosed
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, string(payload))
	select {
	case c.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

// Receive implements transport.Conn
func (c *Conn) Receive() (transport.Frame, error) {
	select {
	case <-c.closed:
		return transport.Frame{}, ErrClosed
	case in := <-c.inbound:
		return in.frame, in.err
	}
}

// Close implements transport.Conn
func (c *Conn) Close(code int, _ string) error {
	c.release(code, false)
	return nil
}

// Abort implements transport.Conn
func (c *Conn) Abort() error {
	c.release(0, true)
	return nil
}

func (c *Conn) release(code int, aborted bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.aborted = aborted
		close(c.closed)
		c.mu.Unlock()
	})
}

// Sent returns every payload sent so far
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentSignal receives one value per successful Send
func (c *Conn) SentSignal() <-chan struct{} {
	return c.sentSignal
}

// SendBlocked receives one value per Send that started hanging
func (c *Conn) SendBlocked() <-chan struct{} {
	return c.blocked
}

// LateSends counts Send calls made after the connection was released
func (c *Conn) LateSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lateSends
}

// Closed is closed once the connection has been released
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether the connection has been released
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCode returns the code passed to Close, or zero when aborted
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Aborted reports whether the connection was released with Abort
func (c *Conn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)
