package chat

// Inbox is an unbounded FIFO of received lines awaiting the application.
type Inbox struct {
	lines [][]byte
	head  int
}

// Push appends line. The Inbox takes ownership of it.
func (b *Inbox) Push(line []byte) {
	if b.head > 0 && b.head >= len(b.lines)/2 && len(b.lines) == cap(b.lines) {
		n := copy(b.lines, b.lines[b.head:])
		clear(b.lines[n:])
		b.lines = b.lines[:n]
		b.head = 0
	}
	b.lines = append(b.lines, line)
}

// Pop removes and returns the oldest line.
func (b *Inbox) Pop() ([]byte, bool) {
	if b.head == len(b.lines) {
		return nil, false
	}
	line := b.lines[b.head]
	b.lines[b.head] = nil
	b.head++
	if b.head == len(b.lines) {
		b.lines = b.lines[:0]
		b.head = 0
	}
	return line, true
}

// Len reports the number of lines waiting.
func (b *Inbox) Len() int {
	return len(b.lines) - b.head
}

// Reset drops every waiting line.
func (b *Inbox) Reset() {
	clear(b.lines)
	b.lines = b.lines[:0]
	b.head = 0
}
