// Package protocol implements the relay wire format: newline terminated
// records over a byte stream.
package protocol

import "bytes"

// Delimiter terminates every record on the wire. A record may not contain it.
const Delimiter = '\n'

// compactThreshold is the consumed prefix size above which the Framer moves
// its partial tail back to the start of the buffer.
const compactThreshold = 4096

// Framer extracts complete records from an accumulating byte stream.
// The zero value is ready to use.
type Framer struct {
	buf []byte
	// start is the offset of the first unconsumed byte.
	start int
	// scanned counts bytes after start already known not to hold a delimiter.
	scanned int
}

// Write appends newly arrived bytes. It never fails.
func (f *Framer) Write(p []byte) (int, error) {
	if f.start > 0 && (f.start >= compactThreshold || f.start == len(f.buf)) {
		f.compact()
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next returns the earliest complete record with its delimiter stripped.
// It reports false when no complete record is buffered yet; the partial tail
// is kept for the next Write. The returned slice is owned by the caller.
func (f *Framer) Next() ([]byte, bool) {
	pending := f.buf[f.start:]
	i := bytes.IndexByte(pending[f.scanned:], Delimiter)
	if i < 0 {
		f.scanned = len(pending)
		return nil, false
	}
	end := f.scanned + i
	record := make([]byte, end)
	copy(record, pending[:end])
	f.start += end + 1
	f.scanned = 0
	return record, true
}

// Buffered reports how many unconsumed bytes are held, complete or not.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.start
}

// Reset drops every buffered byte.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.start = 0
	f.scanned = 0
}

func (f *Framer) compact() {
	n := copy(f.buf, f.buf[f.start:])
	f.buf = f.buf[:n]
	f.start = 0
}

// AppendRecord appends record and its delimiter to dst.
func AppendRecord(dst, record []byte) []byte {
	dst = append(dst, record...)
	return append(dst, Delimiter)
}
