// Package server implements the relay server: a single-threaded epoll loop
// that rebroadcasts every line a client sends to every other client.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/logger"
	"github.com/omochice/line-relay/internal/transport/tcp"
	"github.com/omochice/line-relay/pkg/protocol"
)

// listenerToken identifies the listener in readiness reports. Peer IDs
// always carry a non-zero generation, so they never collide with it.
const listenerToken uint64 = 0

// PeerError reports a peer that was dropped because of a transport fault.
type PeerError struct {
	Peer chat.PeerID
	Addr string
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s (%s): %v", e.Peer, e.Addr, e.Err)
}

func (e *PeerError) Unwrap() []error {
	return []error{chat.ErrSystem, e.Err}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the Server.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// Server represents a line relay server. It is driven by calling Update
// from a single goroutine and is not safe for concurrent use.
type Server struct {
	log      *logger.Logger
	listener *tcp.Listener
	poller   *tcp.Poller
	hub      *chat.Hub
	inbox    chat.Inbox
	feed     protocol.Normalizer
}

// New creates a new, unbound Server instance
func New(opts ...Option) *Server {
	s := &Server{
		hub: chat.NewHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("server")
	}
	return s
}

// Listen binds the server to port on every interface. Port 0 picks an
// ephemeral port. On failure the server stays unbound.
func (s *Server) Listen(port uint16) error {
	if s.listener != nil {
		return chat.ErrAlreadyStarted
	}

	l, err := tcp.Listen(port)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	p, err := tcp.NewPoller()
	if err != nil {
		l.Close()
		return fmt.Errorf("%w: failed to start server: %w", chat.ErrSystem, err)
	}
	if err := p.Add(l.Fd(), listenerToken, chat.EventInput); err != nil {
		p.Close()
		l.Close()
		return fmt.Errorf("%w: failed to start server: %w", chat.ErrSystem, err)
	}

	s.listener = l
	s.poller = p
	s.log.Info("Server started on %s", l.Addr())
	return nil
}

// Update runs one tick: it waits up to timeout for readiness (forever when
// timeout is negative) and performs the I/O that became possible. Faulty
// peers are dropped and reported together as *PeerError values once the
// tick is complete.
func (s *Server) Update(timeout time.Duration) error {
	if s.listener == nil {
		return chat.ErrNotStarted
	}

	errs := s.applyInterest()

	ready, err := s.poller.Wait(timeout, s.hub.ClientCount()+1)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("%w: %w", chat.ErrSystem, err))...)
	}
	if len(ready) == 0 {
		return errors.Join(append(errs, chat.ErrTimeout)...)
	}

	for _, r := range ready {
		if r.Token == listenerToken {
			if err := s.acceptAll(); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.handlePeer(chat.PeerID(r.Token), r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyInterest registers output interest for peers with queued bytes and
// withdraws it from drained ones.
func (s *Server) applyInterest() []error {
	var errs []error
	s.hub.Each(func(id chat.PeerID, c *chat.Conn) {
		want := c.Interest()
		if want == c.Applied() {
			return
		}
		if err := s.poller.Modify(c.Fd(), uint64(id), want); err != nil {
			if err := s.dropPeer(id, c, err); err != nil {
				errs = append(errs, err)
			}
			return
		}
		c.SetApplied(want)
	})
	return errs
}

func (s *Server) acceptAll() error {
	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, chat.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		c := chat.NewConn(conn)
		id := s.hub.Register(c)
		if err := s.poller.Add(conn.Fd(), uint64(id), chat.EventInput); err != nil {
			s.hub.Unregister(id)
			conn.Close()
			return fmt.Errorf("%w: failed to register connection: %w", chat.ErrSystem, err)
		}
		s.log.Debug("%s connected from %s (%d clients)", id, conn.RemoteAddr(), s.hub.ClientCount())
	}
}

func (s *Server) handlePeer(id chat.PeerID, r tcp.Ready) error {
	c, ok := s.hub.Lookup(id)
	if !ok {
		// Removed earlier in this tick.
		return nil
	}

	if r.Readable || r.Hangup || r.Err {
		eof, err := c.ReadAvailable()
		s.relay(id, c)
		if err != nil {
			return s.dropPeer(id, c, err)
		}
		if eof {
			s.removePeer(id, c, "disconnected")
			return nil
		}
	}

	if r.Writable {
		if _, err := c.Flush(); err != nil && !errors.Is(err, chat.ErrWouldBlock) {
			return s.dropPeer(id, c, err)
		}
	}
	return nil
}

// relay moves every complete line of c into the inbox and onto the output
// queue of every other peer.
func (s *Server) relay(from chat.PeerID, c *chat.Conn) {
	for {
		line, ok := c.Next()
		if !ok {
			return
		}
		s.hub.Each(func(id chat.PeerID, peer *chat.Conn) {
			if id != from {
				peer.EnqueueRecord(line)
			}
		})
		s.inbox.Push(line)
	}
}

// dropPeer removes a peer after a transport error. Resets are a normal way
// for a client to leave and are not reported.
func (s *Server) dropPeer(id chat.PeerID, c *chat.Conn, err error) error {
	if tcp.IsReset(err) {
		s.removePeer(id, c, "reset")
		return nil
	}
	addr := c.RemoteAddr()
	s.removePeer(id, c, "failed")
	s.log.Warn("%s dropped: %v", id, err)
	return &PeerError{Peer: id, Addr: addr, Err: err}
}

func (s *Server) removePeer(id chat.PeerID, c *chat.Conn, reason string) {
	_ = s.poller.Remove(c.Fd())
	_ = c.Close()
	s.hub.Unregister(id)
	s.log.Debug("%s %s (%d clients)", id, reason, s.hub.ClientCount())
}

// PopNextMessage returns the oldest line received from any peer, without
// its delimiter.
func (s *Server) PopNextMessage() ([]byte, bool) {
	return s.inbox.Pop()
}

// Feed broadcasts server-originated text to every peer. Text is split into
// lines and normalised like client input; an unterminated tail is kept until
// a later Feed completes it.
func (s *Server) Feed(text []byte) error {
	if s.listener == nil {
		return chat.ErrNotStarted
	}
	for _, line := range s.feed.Feed(text) {
		s.hub.Each(func(_ chat.PeerID, c *chat.Conn) {
			c.Enqueue(line)
		})
	}
	return nil
}

// Events reports the readiness the server is waiting for.
func (s *Server) Events() chat.Event {
	if s.listener == nil {
		return 0
	}
	events := chat.EventInput
	s.hub.Each(func(_ chat.PeerID, c *chat.Conn) {
		if c.Pending() > 0 {
			events |= chat.EventOutput
		}
	})
	return events
}

// Descriptor returns the epoll descriptor, which turns readable whenever an
// Update would make progress. It returns -1 while unbound.
func (s *Server) Descriptor() int {
	if s.poller == nil {
		return -1
	}
	return s.poller.Fd()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return ""
}

// Port returns the bound port, or 0 while unbound.
func (s *Server) Port() uint16 {
	if s.listener != nil {
		return s.listener.Port()
	}
	return 0
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Delete closes every peer and the listener and returns the server to the
// unbound state. Calling it again is a no-op.
func (s *Server) Delete() {
	if s.listener == nil {
		return
	}
	s.hub.Each(func(id chat.PeerID, c *chat.Conn) {
		s.removePeer(id, c, "closed")
	})
	s.poller.Close()
	s.listener.Close()
	s.poller = nil
	s.listener = nil
	s.inbox.Reset()
	s.feed.Reset()
	s.log.Info("Server stopped")
}

// Run drives the server until ctx is cancelled, waiting at most tick per
// Update so cancellation is noticed. Received lines are passed to onMessage
// when it is not nil. Peer failures are logged and do not stop the loop.
func (s *Server) Run(ctx context.Context, tick time.Duration, onMessage func([]byte)) error {
	for ctx.Err() == nil {
		err := s.Update(tick)
		switch {
		case err == nil, errors.Is(err, chat.ErrTimeout):
		case errors.Is(err, chat.ErrNotStarted):
			return err
		default:
			s.log.Error("update: %v", err)
		}
		for {
			msg, ok := s.PopNextMessage()
			if !ok {
				break
			}
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}
	return nil
}
