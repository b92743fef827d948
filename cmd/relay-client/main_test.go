package main

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/line-relay/internal/config"
	"github.com/omochice/line-relay/internal/logger"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func relayAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

func testConfig(addr string) config.Config {
	cfg := config.Default()
	cfg.Addr = addr
	cfg.Tick = 5 * time.Millisecond
	return cfg
}

func TestRunTCP_StdinError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logger.New(logger.LevelNone, nil, "")
	err := runTCP(ctx, testConfig(relayAddr(t)), log, failingReader{}, io.Discard)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestRunTCP_Quit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logger.New(logger.LevelNone, nil, "")
	err := runTCP(ctx, testConfig(relayAddr(t)), log, strings.NewReader("quit\n"), io.Discard)
	assert.NoError(t, err)
}

func TestStdinErr(t *testing.T) {
	errc := make(chan error, 1)
	assert.NoError(t, stdinErr(errc), "plain EOF")

	errc <- io.ErrUnexpectedEOF
	assert.ErrorIs(t, stdinErr(errc), io.ErrUnexpectedEOF)
}
