package chat

import "errors"

// WriteFunc is a single non-blocking transport write.
type WriteFunc func(p []byte) (int, error)

// OutputQueue holds bytes queued for a transport but not yet accepted by it.
// Bytes leave strictly in enqueue order.
type OutputQueue struct {
	buf  []byte
	head int
}

// Enqueue appends p to the back of the queue.
func (q *OutputQueue) Enqueue(p []byte) {
	if q.head > 0 && len(q.buf)+len(p) > cap(q.buf) {
		// Reuse the consumed prefix before append grows the backing array.
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	q.buf = append(q.buf, p...)
}

// Flush offers every queued byte to write once and drops exactly the prefix
// it accepted. A would-block or zero-length write leaves the queue untouched
// and returns ErrWouldBlock; any other error is returned as is.
func (q *OutputQueue) Flush(write WriteFunc) (int, error) {
	if q.Empty() {
		return 0, nil
	}
	n, err := write(q.buf[q.head:])
	if n > 0 {
		q.head += n
		if q.head == len(q.buf) {
			q.buf = q.buf[:0]
			q.head = 0
		}
	}
	switch {
	case errors.Is(err, ErrWouldBlock):
		return n, ErrWouldBlock
	case err != nil:
		return n, err
	case n == 0:
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Len reports the number of queued bytes.
func (q *OutputQueue) Len() int {
	return len(q.buf) - q.head
}

// Empty reports whether nothing is queued.
func (q *OutputQueue) Empty() bool {
	return q.Len() == 0
}

// Bytes returns the queued bytes without consuming them.
func (q *OutputQueue) Bytes() []byte {
	return q.buf[q.head:]
}

// Reset drops every queued byte.
func (q *OutputQueue) Reset() {
	q.buf = q.buf[:0]
	q.head = 0
}
