package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// batchLinesField is the field number of the repeated bytes field holding
// lines in a batch:
//
//	message Batch { repeated bytes lines = 1; }
const batchLinesField protowire.Number = 1

// ErrDelimiterInRecord is returned when a record would contain Delimiter.
var ErrDelimiterInRecord = errors.New("record contains delimiter")

// EncodeBatch encodes lines as a protobuf Batch message. Lines must not
// contain Delimiter.
func EncodeBatch(lines [][]byte) ([]byte, error) {
	size := 0
	for _, line := range lines {
		if bytes.IndexByte(line, Delimiter) >= 0 {
			return nil, fmt.Errorf("failed to encode batch: %w", ErrDelimiterInRecord)
		}
		size += protowire.SizeTag(batchLinesField) + protowire.SizeBytes(len(line))
	}
	b := make([]byte, 0, size)
	for _, line := range lines {
		b = protowire.AppendTag(b, batchLinesField, protowire.BytesType)
		b = protowire.AppendBytes(b, line)
	}
	return b, nil
}

// DecodeBatch decodes a protobuf Batch message. Unknown fields are skipped.
func DecodeBatch(b []byte) ([][]byte, error) {
	var lines [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode batch: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != batchLinesField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("failed to decode batch: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode batch: %w", protowire.ParseError(n))
		}
		if bytes.IndexByte(v, Delimiter) >= 0 {
			return nil, fmt.Errorf("failed to decode batch: %w", ErrDelimiterInRecord)
		}
		lines = append(lines, append([]byte(nil), v...))
		b = b[n:]
	}
	return lines, nil
}
