// Package ws provides a WebSocket client for the relay bridge.
package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/gobwas/ws"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/logger"
	transportws "github.com/omochice/line-relay/internal/transport/ws"
)

// Client represents a WebSocket relay client. Received lines are delivered
// on Messages until the connection ends.
type Client struct {
	address  string
	conn     *transportws.Conn
	messages chan []byte
	log      *logger.Logger
	mu       sync.RWMutex
	closed   bool
	lost     bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// Dial connects to the bridge at address, e.g. "ws://localhost:8081/ws".
func Dial(ctx context.Context, address string) (*Client, error) {
	netConn, br, _, err := ws.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	if br != nil && br.Buffered() == 0 {
		ws.PutReader(br)
		br = nil
	}

	c := &Client{
		address:  address,
		conn:     transportws.NewClientConn(netConn, br),
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
		log:      logger.Global().WithPrefix("ws-client"),
	}

	c.wg.Add(1)
	go c.receiveMessages()

	return c, nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && !c.lost
}

// Send sends text, which may hold several newline separated lines. The
// bridge trims every line and drops empty ones.
func (c *Client) Send(text string) error {
	if !c.IsConnected() {
		return chat.ErrNotStarted
	}
	if err := c.conn.WriteMessage(ws.OpText, []byte(text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendBatch sends lines as one binary batch, relayed verbatim. Lines may
// hold arbitrary bytes except the newline delimiter.
func (c *Client) SendBatch(lines [][]byte) error {
	if !c.IsConnected() {
		return chat.ErrNotStarted
	}
	if err := c.conn.WriteBatch(lines); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Messages returns the channel of received lines. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// Close closes the connection and waits for the receiver to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) receiveMessages() {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		lines, err := c.conn.ReadLines()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.lost = true
			c.mu.Unlock()
			if !wasClosed && !transportws.IsClosed(err) {
				c.log.Warn("Error reading from server: %v", err)
			}
			return
		}
		for _, line := range lines {
			select {
			case c.messages <- line:
			case <-c.done:
				return
			}
		}
	}
}
