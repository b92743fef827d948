package client_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/client"
	"github.com/omochice/line-relay/internal/server"
	"github.com/omochice/line-relay/pkg/protocol"
)

const waitLimit = 5 * time.Second

// startMockServer runs a line server that echoes every byte it receives.
// Connections are handed to onConn instead when it is not nil.
func startMockServer(t *testing.T, onConn func(net.Conn)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start mock server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if onConn != nil {
				go onConn(conn)
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if n > 0 {
						c.Write(buf[:n])
					}
				}
			}(conn)
		}
	}()

	return listener.Addr().String()
}

// tick runs one short Update and fails on anything but a timeout.
func tick(t *testing.T, c *client.Client) {
	t.Helper()
	if err := c.Update(5 * time.Millisecond); err != nil && !errors.Is(err, chat.ErrTimeout) {
		t.Fatalf("Update() error = %v", err)
	}
}

func pumpUntil(t *testing.T, cond func() bool, steps ...func()) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		for _, step := range steps {
			step()
		}
	}
}

func connected(t *testing.T, addr string) *client.Client {
	t.Helper()
	c := client.New("testuser")
	require.NoError(t, c.Connect(addr))
	t.Cleanup(c.Delete)
	pumpUntil(t, c.IsConnected, func() { tick(t, c) })
	return c
}

func collect(t *testing.T, c *client.Client, n int, steps ...func()) []string {
	t.Helper()
	var got []string
	pumpUntil(t, func() bool {
		for {
			msg, ok := c.PopNextMessage()
			if !ok {
				break
			}
			got = append(got, string(msg))
		}
		return len(got) >= n
	}, steps...)
	return got
}

func TestNew_GeneratesName(t *testing.T) {
	assert.Equal(t, "alice", client.New("alice").Name())

	a, b := client.New(""), client.New("")
	assert.True(t, strings.HasPrefix(a.Name(), "client-"))
	assert.NotEqual(t, a.Name(), b.Name())
}

func TestClient_Connect(t *testing.T) {
	addr := startMockServer(t, nil)

	c := connected(t, addr)

	if !c.IsConnected() {
		t.Error("Client should be connected")
	}
	assert.GreaterOrEqual(t, c.Descriptor(), 0)
	assert.Equal(t, chat.EventInput, c.Events())
	assert.ErrorIs(t, c.Connect(addr), chat.ErrAlreadyStarted)

	c.Delete()

	if c.IsConnected() {
		t.Error("Client should be disconnected")
	}
	assert.Equal(t, -1, c.Descriptor())
}

func TestClient_NotStarted(t *testing.T) {
	c := client.New("idle")

	assert.ErrorIs(t, c.Update(0), chat.ErrNotStarted)
	assert.ErrorIs(t, c.Feed([]byte("x\n")), chat.ErrNotStarted)
	assert.Equal(t, chat.Event(0), c.Events())
	assert.Equal(t, -1, c.Descriptor())
	_, ok := c.PopNextMessage()
	assert.False(t, ok)
}

func TestClient_ConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want error
	}{
		{name: "no port", addr: "localhost", want: chat.ErrNoSuchAddress},
		{name: "bad service", addr: "127.0.0.1:not-a-port-name", want: chat.ErrNoSuchAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := client.New("testuser")
			err := c.Connect(tt.addr)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, c.Update(0), chat.ErrNotStarted, "failed connect leaves no connection")
		})
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := client.New("testuser")
	if err := c.Connect(addr); err != nil {
		assert.ErrorIs(t, err, chat.ErrSystem)
		return
	}

	var updateErr error
	deadline := time.Now().Add(waitLimit)
	for updateErr == nil || errors.Is(updateErr, chat.ErrTimeout) {
		require.True(t, time.Now().Before(deadline), "connect never failed")
		updateErr = c.Update(5 * time.Millisecond)
	}
	assert.ErrorIs(t, updateErr, chat.ErrSystem)
	assert.False(t, c.IsConnected())
}

func TestClient_FeedNormalises(t *testing.T) {
	addr := startMockServer(t, nil)
	c := connected(t, addr)

	require.NoError(t, c.Feed([]byte("  hello  \n\n\t\n wor")))
	assert.Equal(t, chat.EventInput|chat.EventOutput, c.Events())
	require.NoError(t, c.Feed([]byte("ld \n")))

	got := collect(t, c, 2, func() { tick(t, c) })
	assert.Equal(t, []string{"hello", "world"}, got)
	assert.Equal(t, chat.EventInput, c.Events())
}

func TestClient_FeedWhileConnecting(t *testing.T) {
	addr := startMockServer(t, nil)
	c := client.New("eager")
	require.NoError(t, c.Connect(addr))
	t.Cleanup(c.Delete)

	require.NoError(t, c.Feed([]byte("early bird\n")))

	got := collect(t, c, 1, func() { tick(t, c) })
	assert.Equal(t, []string{"early bird"}, got)
}

func TestClient_MessagesSurviveDisconnect(t *testing.T) {
	addr := startMockServer(t, func(conn net.Conn) {
		conn.Write([]byte("first\nsecond\npartial"))
		conn.Close()
	})
	c := connected(t, addr)

	pumpUntil(t, func() bool { return !c.IsConnected() }, func() { tick(t, c) })

	assert.ErrorIs(t, c.Update(0), chat.ErrNotStarted)
	for _, want := range []string{"first", "second"} {
		msg, ok := c.PopNextMessage()
		require.True(t, ok)
		assert.Equal(t, want, string(msg))
	}
	_, ok := c.PopNextMessage()
	assert.False(t, ok, "an unterminated tail is not a message")

	require.NoError(t, c.Connect(addr), "a disconnected client can connect again")
}

func TestClient_Reset(t *testing.T) {
	addr := startMockServer(t, nil)
	c := connected(t, addr)

	require.NoError(t, c.Feed([]byte("echo\n")))
	assert.Equal(t, []string{"echo"}, collect(t, c, 1, func() { tick(t, c) }))

	require.NoError(t, c.Feed([]byte("queued\nunfinished")))
	c.Reset()
	assert.False(t, c.IsConnected())
	assert.Equal(t, chat.Event(0), c.Events())

	require.NoError(t, c.Connect(addr))
	require.NoError(t, c.Feed([]byte(" fresh\n")))
	assert.Equal(t, []string{"fresh"}, collect(t, c, 1, func() { tick(t, c) }),
		"nothing buffered before Reset is sent afterwards")
}

func TestClient_ReconnectDropsFeedTail(t *testing.T) {
	conns := make(chan net.Conn, 2)
	addr := startMockServer(t, func(conn net.Conn) { conns <- conn })
	c := connected(t, addr)

	first := <-conns
	require.NoError(t, c.Feed([]byte("dangling")))
	require.NoError(t, first.Close())
	pumpUntil(t, func() bool { return !c.IsConnected() }, func() { tick(t, c) })

	require.NoError(t, c.Connect(addr))
	second := <-conns
	t.Cleanup(func() { second.Close() })
	require.NoError(t, c.Feed([]byte(" fresh\n")))

	received := make(chan string, 1)
	go func() {
		_ = second.SetReadDeadline(time.Now().Add(waitLimit))
		line, _ := bufio.NewReader(second).ReadString('\n')
		received <- line
	}()
	var got string
	pumpUntil(t, func() bool {
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, func() { tick(t, c) })
	assert.Equal(t, "fresh\n", got, "text fed on an earlier connection is not sent")
}

func TestClient_FeedRecord(t *testing.T) {
	assert.ErrorIs(t, client.New("idle").FeedRecord([]byte("x")), chat.ErrNotStarted)

	addr := startMockServer(t, nil)
	c := connected(t, addr)

	assert.ErrorIs(t, c.FeedRecord([]byte("two\nlines")), protocol.ErrDelimiterInRecord)
	require.NoError(t, c.FeedRecord([]byte("  kept as is  ")))
	require.NoError(t, c.FeedRecord(nil))

	got := collect(t, c, 2, func() { tick(t, c) })
	assert.Equal(t, []string{"  kept as is  ", ""}, got)
}

func TestClient_ThroughRelay(t *testing.T) {
	srv := server.New()
	require.NoError(t, srv.Listen(0))
	t.Cleanup(srv.Delete)
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	serve := func() {
		if err := srv.Update(time.Millisecond); err != nil && !errors.Is(err, chat.ErrTimeout) {
			t.Fatalf("server Update() error = %v", err)
		}
	}

	alice := client.New("alice")
	bob := client.New("bob")
	t.Cleanup(alice.Delete)
	t.Cleanup(bob.Delete)
	require.NoError(t, alice.Connect(addr))
	require.NoError(t, bob.Connect(addr))

	all := []func(){serve, func() { tick(t, alice) }, func() { tick(t, bob) }}
	pumpUntil(t, func() bool {
		return alice.IsConnected() && bob.IsConnected() && srv.ClientCount() == 2
	}, all...)

	require.NoError(t, alice.Feed([]byte("  hi bob \n")))
	assert.Equal(t, []string{"hi bob"}, collect(t, bob, 1, all...))

	require.NoError(t, bob.Feed([]byte("hi alice\n")))
	assert.Equal(t, []string{"hi alice"}, collect(t, alice, 1, all...))

	_, echoed := alice.PopNextMessage()
	assert.False(t, echoed, "a sender never receives its own line")

	msg, ok := srv.PopNextMessage()
	require.True(t, ok)
	assert.Equal(t, "hi bob", string(msg))
}

func TestClient_Run(t *testing.T) {
	addr := startMockServer(t, func(conn net.Conn) {
		conn.Write([]byte("welcome\n"))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	})
	c := client.New("runner")
	require.NoError(t, c.Connect(addr))
	t.Cleanup(c.Delete)

	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	err := c.Run(ctx, 5*time.Millisecond, func(msg []byte) {
		got = append(got, string(msg))
	})

	assert.ErrorIs(t, err, client.ErrDisconnected)
	assert.Equal(t, []string{"welcome"}, got)
}
