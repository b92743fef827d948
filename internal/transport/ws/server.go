package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/client"
	"github.com/omochice/line-relay/internal/logger"
	"github.com/omochice/line-relay/pkg/protocol"
)

// Option configures a Server.
type Option func(*Server)

// WithPath sets the HTTP path upgraded to WebSocket. The default is "/ws".
func WithPath(path string) Option {
	return func(s *Server) {
		s.path = path
	}
}

// WithTick bounds how long a session waits on the relay before looking at
// its WebSocket again. The default is 10ms.
func WithTick(d time.Duration) Option {
	return func(s *Server) {
		s.tick = d
	}
}

// WithLogger sets the logger used by the Server and its sessions.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// Server bridges WebSocket clients onto a relay server. Each session owns
// its own relay client, so WebSocket users and TCP users see each other.
type Server struct {
	address   string
	relayAddr string
	path      string
	tick      time.Duration
	log       *logger.Logger

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	sessions map[string]*session
	quit     chan struct{}
	wg       sync.WaitGroup
}

type session struct {
	id    string
	conn  *Conn
	relay *client.Client
	log   *logger.Logger
}

// New creates a bridge listening on address that connects its sessions to
// the relay at relayAddr.
func New(address, relayAddr string, opts ...Option) *Server {
	s := &Server{
		address:   address,
		relayAddr: relayAddr,
		path:      "/ws",
		tick:      10 * time.Millisecond,
		sessions:  make(map[string]*session),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("bridge")
	}
	return s
}

// Listen binds the HTTP listener.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, logger.LevelWarn),
	}

	s.log.Info("WebSocket bridge started on %s%s, relaying to %s", listener.Addr(), s.path, s.relayAddr)
	return nil
}

// Serve accepts WebSocket sessions until Stop is called.
func (s *Server) Serve() error {
	if s.server == nil {
		return chat.ErrNotStarted
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting sessions, closes the active ones and waits for them
// to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of active WebSocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}

	id := uuid.NewString()
	sessLog := s.log.WithPrefix(id)
	sess := &session{
		id:    id,
		conn:  NewServerConn(netConn),
		relay: client.New("ws-"+id, client.WithLogger(sessLog)),
		log:   sessLog,
	}
	if err := sess.relay.Connect(s.relayAddr); err != nil {
		sess.log.Error("Failed to reach relay: %v", err)
		_ = sess.conn.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusInternalServerError, "relay unavailable"))
		_ = netConn.Close()
		return
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		sess.relay.Delete()
		_ = sess.conn.Close()
		return
	default:
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	sess.log.Info("Session opened from %s", r.RemoteAddr)
	go s.serveSession(sess)
}

// message is one inbound WebSocket message split into lines. Lines of a
// binary batch are relayed verbatim; text lines are normalised.
type message struct {
	lines [][]byte
	raw   bool
}

func (c *Conn) readInbound() (message, error) {
	op, data, err := c.ReadMessage()
	if err != nil {
		return message{}, err
	}
	if op == ws.OpBinary {
		lines, err := protocol.DecodeBatch(data)
		return message{lines: lines, raw: true}, err
	}
	return message{lines: SplitText(data)}, nil
}

// feed hands msg to the relay client. It returns chat.ErrNotStarted once
// the relay connection is gone.
func (sess *session) feed(msg message) error {
	for _, line := range msg.lines {
		var err error
		if msg.raw {
			err = sess.relay.FeedRecord(line)
		} else {
			err = sess.relay.Feed(protocol.AppendRecord(nil, line))
		}
		if errors.Is(err, chat.ErrNotStarted) {
			return err
		}
		if err != nil {
			sess.log.Debug("Dropped line from WebSocket: %v", err)
		}
	}
	return nil
}

// serveSession owns sess.relay. A helper goroutine reads the WebSocket and
// hands lines over, since only one of the two sides can be waited on.
func (s *Server) serveSession(sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		sess.relay.Delete()
		_ = sess.conn.Close()
		sess.log.Info("Session closed")
	}()

	inbound := make(chan message)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			msg, err := sess.conn.readInbound()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case err := <-readErr:
			if !IsClosed(err) {
				sess.log.Warn("WebSocket read failed: %v", err)
			}
			return
		case msg := <-inbound:
			if err := sess.feed(msg); errors.Is(err, chat.ErrNotStarted) {
				sess.log.Info("Relay closed the connection")
				_ = sess.conn.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "relay closed"))
				return
			}
		default:
		}

		err := sess.relay.Update(s.tick)
		for {
			msg, ok := sess.relay.PopNextMessage()
			if !ok {
				break
			}
			if werr := sess.conn.WriteLine(msg); werr != nil {
				sess.log.Warn("WebSocket write failed: %v", werr)
				return
			}
		}

		switch {
		case err == nil, errors.Is(err, chat.ErrTimeout):
		case errors.Is(err, chat.ErrNotStarted):
			sess.log.Info("Relay closed the connection")
			_ = sess.conn.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "relay closed"))
			return
		default:
			sess.log.Error("Relay failed: %v", err)
			_ = sess.conn.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusInternalServerError, "relay failed"))
			return
		}
	}
}
