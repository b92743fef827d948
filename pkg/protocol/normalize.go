package protocol

import "bytes"

// Normalizer turns caller supplied text into wire records.
//
// Every completed line has leading and trailing whitespace trimmed, empty
// lines are dropped and the delimiter is re-appended. Text after the last
// delimiter is held back until a later Feed completes it, so callers may
// batch or split their input arbitrarily.
//
// Trimming alters payloads: records whose leading or trailing whitespace is
// meaningful do not survive a Normalizer.
type Normalizer struct {
	pending []byte
}

// Feed consumes text and returns the records it completes, each terminated
// by Delimiter.
func (n *Normalizer) Feed(text []byte) [][]byte {
	var records [][]byte
	for {
		i := bytes.IndexByte(text, Delimiter)
		if i < 0 {
			break
		}
		line := text[:i]
		if len(n.pending) > 0 {
			n.pending = append(n.pending, line...)
			line = n.pending
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			records = append(records, AppendRecord(make([]byte, 0, len(trimmed)+1), trimmed))
		}
		n.pending = n.pending[:0]
		text = text[i+1:]
	}
	n.pending = append(n.pending, text...)
	return records
}

// Pending reports how many bytes wait for a delimiter.
func (n *Normalizer) Pending() int {
	return len(n.pending)
}

// Reset drops pending text.
func (n *Normalizer) Reset() {
	n.pending = n.pending[:0]
}
