// Package ws carries relay lines over WebSocket: a message-oriented
// connection shared by both ends, and the bridge server that gives every
// WebSocket session its own relay client.
package ws

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/line-relay/pkg/protocol"
)

// Conn is a WebSocket connection that exchanges relay lines. Reads must
// come from a single goroutine; writes may come from any.
type Conn struct {
	conn   net.Conn
	state  ws.State
	rd     *wsutil.Reader
	ctl    wsutil.FrameHandlerFunc
	wmu    sync.Mutex
	remote string
}

// NewServerConn wraps a connection upgraded by the server side.
func NewServerConn(conn net.Conn) *Conn {
	return newConn(conn, conn, ws.StateServerSide)
}

// NewClientConn wraps a dialed connection. br holds bytes the handshake
// read past the response and may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		src = io.MultiReader(br, conn)
	}
	return newConn(conn, src, ws.StateClientSide)
}

func newConn(conn net.Conn, src io.Reader, state ws.State) *Conn {
	c := &Conn{conn: conn, state: state}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.ctl = wsutil.ControlFrameHandler(lockedWriter{c}, state)
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.ctl,
	}
	return c
}

// lockedWriter serialises control frame replies with data writes.
type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// ReadMessage returns the next text or binary message. Control frames are
// answered in passing; a close frame ends the connection with a
// wsutil.ClosedError.
func (c *Conn) ReadMessage() (ws.OpCode, []byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return 0, nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.ctl(hdr, c.rd); err != nil {
				return 0, nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return 0, nil, err
			}
			continue
		}
		data, err := io.ReadAll(c.rd)
		if err != nil {
			return 0, nil, err
		}
		return hdr.OpCode, data, nil
	}
}

// ReadLines returns the lines carried by the next message. A text message
// holds one or more newline separated lines, its final newline being
// optional. A binary message holds an encoded batch.
func (c *Conn) ReadLines() ([][]byte, error) {
	op, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if op == ws.OpBinary {
		return protocol.DecodeBatch(data)
	}
	return SplitText(data), nil
}

// SplitText splits a text message into lines.
func SplitText(data []byte) [][]byte {
	data = bytes.TrimSuffix(data, []byte{protocol.Delimiter})
	return bytes.Split(data, []byte{protocol.Delimiter})
}

// WriteMessage sends one message.
func (c *Conn) WriteMessage(op ws.OpCode, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteMessage(c.conn, c.state, op, p)
}

// WriteLine sends line as a text message, or as a one-line batch when it is
// not valid UTF-8.
func (c *Conn) WriteLine(line []byte) error {
	if utf8.Valid(line) {
		return c.WriteMessage(ws.OpText, line)
	}
	return c.WriteBatch([][]byte{line})
}

// WriteBatch sends lines as one binary message.
func (c *Conn) WriteBatch(lines [][]byte) error {
	b, err := protocol.EncodeBatch(lines)
	if err != nil {
		return err
	}
	return c.WriteMessage(ws.OpBinary, b)
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return c.conn.Close()
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// IsClosed reports whether err means the other side closed the connection.
func IsClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
