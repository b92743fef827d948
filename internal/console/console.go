// Package console feeds terminal input into the relay event loops.
package console

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Lines reads r in a goroutine and delivers its input in chunks ending at a
// newline. A final chunk without one is delivered as read. The channel is
// closed at EOF; any other read error is sent on errc first.
func Lines(r io.Reader) (lines <-chan []byte, errc <-chan error) {
	out := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		br := bufio.NewReader(r)
		for {
			chunk, err := br.ReadBytes('\n')
			if len(chunk) > 0 {
				out <- chunk
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- err
				}
				return
			}
		}
	}()
	return out, errs
}

// IsQuit reports whether line asks an interactive command to exit.
func IsQuit(line []byte) bool {
	switch string(bytes.TrimSpace(line)) {
	case "quit", "exit":
		return true
	}
	return false
}
