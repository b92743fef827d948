// Package client implements the relay client: one non-blocking connection
// driven by poll(2), with normalised outbound lines and a pull API for
// received ones.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/logger"
	"github.com/omochice/line-relay/internal/transport/tcp"
	"github.com/omochice/line-relay/pkg/protocol"
)

// ErrDisconnected is returned by Run when the server closed the connection.
var ErrDisconnected = errors.New("disconnected from server")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the Client.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// Client represents a relay client. It is driven by calling Update from a
// single goroutine and is not safe for concurrent use.
type Client struct {
	name string
	log  *logger.Logger

	sock       *tcp.Conn
	conn       *chat.Conn
	connecting bool

	out   protocol.Normalizer
	inbox chat.Inbox
}

// New creates a new Client instance. An empty name is replaced by a
// generated one.
func New(name string, opts ...Option) *Client {
	if name == "" {
		name = "client-" + uuid.NewString()
	}
	c := &Client{name: name}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().WithPrefix("client:" + name)
	}
	return c
}

// Name returns the client name used in logs.
func (c *Client) Name() string {
	return c.name
}

// Connect starts connecting to address ("host:port"; an empty host means
// loopback). The connection completes during later Updates. An unterminated
// Feed tail left by an earlier connection is dropped; received lines are
// kept until popped.
func (c *Client) Connect(address string) error {
	if c.conn != nil {
		return chat.ErrAlreadyStarted
	}

	sock, inProgress, err := tcp.Dial(address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.out.Reset()
	c.sock = sock
	c.conn = chat.NewConn(sock)
	c.connecting = inProgress
	if inProgress {
		c.log.Debug("connecting to %s", sock.RemoteAddr())
	} else {
		c.log.Info("Connected to %s", sock.RemoteAddr())
	}
	return nil
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	return c.conn != nil && !c.connecting
}

// Update runs one tick: it waits up to timeout for the socket (forever when
// timeout is negative) and performs the I/O that became possible. A server
// that closes or resets the connection leaves the client disconnected
// without an error.
func (c *Client) Update(timeout time.Duration) error {
	if c.conn == nil {
		return chat.ErrNotStarted
	}

	r, err := tcp.PollOne(c.sock.Fd(), c.Events(), timeout)
	if err != nil {
		c.close()
		return fmt.Errorf("%w: %w", chat.ErrSystem, err)
	}
	if !r.Active() {
		return chat.ErrTimeout
	}

	if c.connecting {
		if !r.Writable && !r.Err && !r.Hangup {
			return nil
		}
		if err := c.sock.ConnectError(); err != nil {
			c.close()
			return fmt.Errorf("%w: failed to connect to server: %w", chat.ErrSystem, err)
		}
		c.connecting = false
		c.log.Info("Connected to %s", c.sock.RemoteAddr())
	}

	if r.Readable || r.Hangup || r.Err {
		eof, err := c.conn.ReadAvailable()
		c.collect()
		if err != nil {
			return c.fail(err)
		}
		if eof {
			c.log.Info("Server closed the connection")
			c.close()
			return nil
		}
	}

	if r.Writable {
		if _, err := c.conn.Flush(); err != nil && !errors.Is(err, chat.ErrWouldBlock) {
			return c.fail(err)
		}
	}
	return nil
}

func (c *Client) collect() {
	for {
		line, ok := c.conn.Next()
		if !ok {
			return
		}
		c.inbox.Push(line)
	}
}

func (c *Client) fail(err error) error {
	c.close()
	if tcp.IsReset(err) {
		c.log.Info("Connection reset by server")
		return nil
	}
	return fmt.Errorf("%w: %w", chat.ErrSystem, err)
}

func (c *Client) close() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.sock = nil
	c.connecting = false
}

// Feed queues text for sending. It is split into lines; every completed
// line is trimmed of surrounding whitespace and dropped when empty. Text
// after the last newline is held until a later Feed completes it.
func (c *Client) Feed(text []byte) error {
	if c.conn == nil {
		return chat.ErrNotStarted
	}
	for _, line := range c.out.Feed(text) {
		c.conn.Enqueue(line)
	}
	return nil
}

// FeedRecord queues line verbatim as one record, bypassing the trimming
// Feed applies. It is queued ahead of any unterminated Feed tail.
func (c *Client) FeedRecord(line []byte) error {
	if c.conn == nil {
		return chat.ErrNotStarted
	}
	if bytes.IndexByte(line, protocol.Delimiter) >= 0 {
		return protocol.ErrDelimiterInRecord
	}
	c.conn.EnqueueRecord(line)
	return nil
}

// PopNextMessage returns the oldest received line, without its delimiter.
// Lines received before a disconnect remain available.
func (c *Client) PopNextMessage() ([]byte, bool) {
	return c.inbox.Pop()
}

// Events reports the readiness the client is waiting for.
func (c *Client) Events() chat.Event {
	if c.conn == nil {
		return 0
	}
	if c.connecting {
		return chat.EventInput | chat.EventOutput
	}
	return c.conn.Interest()
}

// Descriptor returns the socket descriptor, or -1 without a connection.
func (c *Client) Descriptor() int {
	if c.sock == nil {
		return -1
	}
	return c.sock.Fd()
}

// Reset closes the connection and drops every buffered line in both
// directions, so the client can connect afresh.
func (c *Client) Reset() {
	c.close()
	c.out.Reset()
	c.inbox.Reset()
}

// Delete releases the client. Calling it again is a no-op.
func (c *Client) Delete() {
	if c.conn != nil {
		c.log.Info("Disconnected")
	}
	c.Reset()
}

// Run drives the client until ctx is cancelled or the server goes away,
// waiting at most tick per Update. Received lines are passed to onMessage
// when it is not nil.
func (c *Client) Run(ctx context.Context, tick time.Duration, onMessage func([]byte)) error {
	for ctx.Err() == nil {
		err := c.Update(tick)
		c.drain(onMessage)
		switch {
		case err == nil, errors.Is(err, chat.ErrTimeout):
		case errors.Is(err, chat.ErrNotStarted):
			return ErrDisconnected
		default:
			return err
		}
		if c.conn == nil {
			return ErrDisconnected
		}
	}
	return nil
}

func (c *Client) drain(onMessage func([]byte)) {
	for {
		msg, ok := c.PopNextMessage()
		if !ok {
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}
