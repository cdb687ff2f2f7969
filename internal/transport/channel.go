// Package transport provides the byte channels the bridge talks to its
// native host over.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// Channel is an open, message-oriented connection to the host. Frames is
// closed when the connection ends; Err then reports why (nil after a local
// Close).
type Channel interface {
	Send(msg []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

// StreamOptions tunes a StreamChannel.
type StreamOptions struct {
	Order          binary.ByteOrder
	MaxFrame       uint32
	ChunkThreshold int
	ChunkSize      int
	Name           string
}

// StreamChannel frames messages over a byte stream. Outbound messages above
// the chunk threshold are split; inbound chunk streams are reassembled.
type StreamChannel struct {
	opts   StreamOptions
	w      io.Writer
	closer io.Closer
	reader *protocol.FrameReader
	reasm  *protocol.Reassembler

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

// NewStreamChannel starts reading r. closer is invoked on Close and must
// unblock pending reads.
func NewStreamChannel(r io.Reader, w io.Writer, closer io.Closer, opts StreamOptions) *StreamChannel {
	if opts.Order == nil {
		opts.Order = protocol.NativeOrder
	}
	if opts.Name == "" {
		opts.Name = "stream"
	}
	c := &StreamChannel{
		opts:   opts,
		w:      w,
		closer: closer,
		reader: protocol.NewFrameReader(r, opts.Order, opts.MaxFrame),
		reasm:  protocol.NewReassembler(0),
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes msg, chunking it when large.
func (c *StreamChannel) Send(msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frames, err := protocol.SplitFrames(msg, c.opts.ChunkThreshold, c.opts.ChunkSize)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if err := protocol.WriteFrame(c.w, c.opts.Order, f); err != nil {
			return fmt.Errorf("transport: %s write: %w", c.opts.Name, err)
		}
	}
	return nil
}

// Frames returns inbound messages.
func (c *StreamChannel) Frames() <-chan []byte { return c.frames }

// Err reports why the channel ended.
func (c *StreamChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the channel down.
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

func (c *StreamChannel) readLoop() {
	defer close(c.frames)
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = fmt.Errorf("transport: %s read: %w", c.opts.Name, err)
				c.closed = true
			}
			c.mu.Unlock()
			return
		}
		if protocol.IsChunk(frame) {
			full, done, err := c.reasm.Accept(frame)
			if err != nil {
				log.Printf("[Transport] %s: dropping chunk: %v", c.opts.Name, err)
				continue
			}
			if !done {
				continue
			}
			frame = full
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}
