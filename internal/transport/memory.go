package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryDialer hands out in-memory channels whose far end is driven
// directly by the caller. It backs tests and the loopback host.
type MemoryDialer struct {
	mu       sync.Mutex
	failures []error
	failAll  error
	dials    int
	conns    chan *MemoryConn
}

// NewMemoryDialer creates a dialer with no queued failures.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{conns: make(chan *MemoryConn, 64)}
}

// FailNext makes the next dial fail with err. Calls queue up.
func (d *MemoryDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

// FailAll makes every dial fail with err until called again with nil.
func (d *MemoryDialer) FailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = err
}

// Dials reports how many dial attempts were made.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements Dialer.
func (d *MemoryDialer) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	if d.failAll != nil {
		err := d.failAll
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	conn := NewMemoryConn()
	select {
	case d.conns <- conn:
	default:
		return nil, errors.New("transport: memory dialer backlog full")
	}
	return conn, nil
}

// Accept returns the host end of the next dialed channel.
func (d *MemoryDialer) Accept(timeout time.Duration) (*MemoryConn, bool) {
	select {
	case conn := <-d.conns:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// MemoryConn is both ends of an in-memory channel. The bridge side uses the
// Channel methods; the host side uses Inject, Next and Disconnect.
type MemoryConn struct {
	mu       sync.Mutex
	toBridge chan []byte
	toHost   chan []byte
	closed   bool
	err      error
}

// NewMemoryConn creates an open connection.
func NewMemoryConn() *MemoryConn {
	return &MemoryConn{
		toBridge: make(chan []byte, 256),
		toHost:   make(chan []byte, 256),
	}
}

// Send implements Channel.
func (c *MemoryConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.toHost <- append([]byte(nil), msg...):
		return nil
	default:
		return errors.New("transport: memory channel full")
	}
}

// Frames implements Channel.
func (c *MemoryConn) Frames() <-chan []byte { return c.toBridge }

// Err implements Channel.
func (c *MemoryConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Channel.
func (c *MemoryConn) Close() error {
	c.shutdown(nil)
	return nil
}

// Inject delivers msg to the bridge. It reports false once the connection
// is closed.
func (c *MemoryConn) Inject(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.toBridge <- msg
	return true
}

// Next returns the next message the bridge sent.
func (c *MemoryConn) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case msg := <-c.toHost:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Pending returns the messages the bridge sent that have not been read.
func (c *MemoryConn) Pending() [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-c.toHost:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Disconnect ends the connection from the host side with err.
func (c *MemoryConn) Disconnect(err error) {
	if err == nil {
		err = errors.New("transport: host disconnected")
	}
	c.shutdown(err)
}

// Closed reports whether either end closed the connection.
func (c *MemoryConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryConn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.toBridge)
}
