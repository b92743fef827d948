// Package chat provides the connection model shared by the relay server and
// client: a non-blocking transport, its framed input and its queued output.
package chat

import (
	"errors"
	"io"

	"github.com/omochice/line-relay/pkg/protocol"
)

// Transport abstracts one non-blocking stream socket.
type Transport interface {
	// Read reads whatever is available. It returns io.EOF once the peer
	// shut down and ErrWouldBlock when nothing is available right now.
	Read(p []byte) (int, error)

	// Write writes as much of p as the transport accepts without waiting.
	// It returns ErrWouldBlock when nothing could be written.
	Write(p []byte) (int, error)

	// Close releases the transport.
	Close() error

	// Fd returns the descriptor registered with the readiness multiplexer.
	Fd() int

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

const (
	readChunkSize = 4096
	// maxReadsPerTick bounds how long one busy peer may hold a tick. Data
	// left in the socket is picked up on the next readiness report.
	maxReadsPerTick = 64
)

// Conn is one active relay connection: a transport, the framer over its
// inbound bytes and the queue of bytes waiting to be sent.
type Conn struct {
	transport Transport
	in        protocol.Framer
	out       OutputQueue
	applied   Event
	chunk     []byte
}

// NewConn wraps t. The connection starts registered for input only.
func NewConn(t Transport) *Conn {
	return &Conn{transport: t, applied: EventInput}
}

// Fd returns the transport descriptor.
func (c *Conn) Fd() int {
	return c.transport.Fd()
}

// RemoteAddr returns the transport's remote address.
func (c *Conn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// ReadAvailable reads from the transport until it would block, feeding the
// input framer. It reports eof once the peer shut down; bytes read before
// that remain available through Next.
func (c *Conn) ReadAvailable() (eof bool, err error) {
	if c.chunk == nil {
		c.chunk = make([]byte, readChunkSize)
	}
	for i := 0; i < maxReadsPerTick; i++ {
		n, err := c.transport.Read(c.chunk)
		if n > 0 {
			_, _ = c.in.Write(c.chunk[:n])
		}
		switch {
		case errors.Is(err, ErrWouldBlock):
			return false, nil
		case err == io.EOF:
			return true, nil
		case err != nil:
			return false, err
		case n == 0:
			return true, nil
		}
	}
	return false, nil
}

// Next returns the next complete inbound line without its delimiter.
func (c *Conn) Next() ([]byte, bool) {
	return c.in.Next()
}

// Buffered reports inbound bytes not yet returned by Next.
func (c *Conn) Buffered() int {
	return c.in.Buffered()
}

// Enqueue queues raw wire bytes for sending.
func (c *Conn) Enqueue(p []byte) {
	c.out.Enqueue(p)
}

// EnqueueRecord queues line followed by the record delimiter.
func (c *Conn) EnqueueRecord(line []byte) {
	c.out.Enqueue(line)
	c.out.Enqueue([]byte{protocol.Delimiter})
}

// Flush performs one write of the queued output. See OutputQueue.Flush.
func (c *Conn) Flush() (int, error) {
	return c.out.Flush(c.transport.Write)
}

// Pending reports queued outbound bytes.
func (c *Conn) Pending() int {
	return c.out.Len()
}

// Interest is the readiness this connection wants: always input, output
// only while bytes are queued.
func (c *Conn) Interest() Event {
	if c.out.Empty() {
		return EventInput
	}
	return EventInput | EventOutput
}

// Applied is the interest last registered with the multiplexer.
func (c *Conn) Applied() Event {
	return c.applied
}

// SetApplied records the interest registered with the multiplexer.
func (c *Conn) SetApplied(e Event) {
	c.applied = e
}

// Close closes the transport. Buffered input stays readable through Next.
func (c *Conn) Close() error {
	c.out.Reset()
	return c.transport.Close()
}
