package protocol_test

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/line-relay/pkg/protocol"
)

func drain(f *protocol.Framer) []string {
	var got []string
	for {
		record, ok := f.Next()
		if !ok {
			return got
		}
		got = append(got, string(record))
	}
}

func TestFramer_Next(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		want     []string
		buffered int
	}{
		{
			name: "empty buffer",
			want: nil,
		},
		{
			name:     "partial record only",
			chunks:   []string{"hel"},
			want:     nil,
			buffered: 3,
		},
		{
			name:   "delimiter at last byte",
			chunks: []string{"hello\n"},
			want:   []string{"hello"},
		},
		{
			name:   "multiple delimiters in one arrival",
			chunks: []string{"a\nbb\nccc\n"},
			want:   []string{"a", "bb", "ccc"},
		},
		{
			name:     "tail kept across arrivals",
			chunks:   []string{"he", "llo\nwor", "ld"},
			want:     []string{"hello"},
			buffered: 5,
		},
		{
			name:   "empty records are delivered",
			chunks: []string{"\n\nx\n"},
			want:   []string{"", "", "x"},
		},
		{
			name:   "delimiter alone in a chunk",
			chunks: []string{"abc", "\n"},
			want:   []string{"abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f protocol.Framer
			var got []string
			for _, chunk := range tt.chunks {
				n, err := f.Write([]byte(chunk))
				require.NoError(t, err)
				require.Equal(t, len(chunk), n)
				got = append(got, drain(&f)...)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.buffered, f.Buffered())
		})
	}
}

func TestFramer_OneRecordPerCall(t *testing.T) {
	var f protocol.Framer
	_, _ = f.Write([]byte("one\ntwo\n"))

	first, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "one", string(first))
	assert.Equal(t, 4, f.Buffered())

	second, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "two", string(second))

	_, ok = f.Next()
	assert.False(t, ok)
	assert.Zero(t, f.Buffered())
}

func TestFramer_LargeRecord(t *testing.T) {
	var f protocol.Framer
	big := bytes.Repeat([]byte("x"), 1<<20)

	for off := 0; off < len(big); off += 1000 {
		end := min(off+1000, len(big))
		_, _ = f.Write(big[off:end])
		_, ok := f.Next()
		require.False(t, ok, "no delimiter seen yet at offset %d", off)
	}
	_, _ = f.Write([]byte("\ntail"))

	record, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, big, record)
	assert.Equal(t, 4, f.Buffered())
}

func TestFramer_RecordIsNotAliased(t *testing.T) {
	var f protocol.Framer
	_, _ = f.Write([]byte("first\n"))
	record, ok := f.Next()
	require.True(t, ok)

	_, _ = f.Write([]byte("XXXXXXXX\n"))
	assert.Equal(t, "first", string(record))
}

// Any chunking of L1\n...Ln\n must yield exactly L1..Ln.
func TestFramer_ArbitraryChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var want []string
		var stream []byte
		for i := 0; i < 1+rng.Intn(40); i++ {
			line := fmt.Sprintf("r%d-l%d-%s", round, i, bytes.Repeat([]byte{'a' + byte(i%26)}, rng.Intn(6000)))
			want = append(want, line)
			stream = protocol.AppendRecord(stream, []byte(line))
		}

		var f protocol.Framer
		var got []string
		for len(stream) > 0 {
			n := 1 + rng.Intn(min(len(stream), 9000))
			_, _ = f.Write(stream[:n])
			stream = stream[n:]
			got = append(got, drain(&f)...)
		}

		require.Equal(t, want, got, "round %d", round)
		require.Zero(t, f.Buffered())
	}
}

func TestFramer_Reset(t *testing.T) {
	var f protocol.Framer
	_, _ = f.Write([]byte("a\npartial"))
	f.Reset()

	assert.Zero(t, f.Buffered())
	_, ok := f.Next()
	assert.False(t, ok)
}

func TestAppendRecord(t *testing.T) {
	assert.Equal(t, "hi\n", string(protocol.AppendRecord(nil, []byte("hi"))))
	assert.Equal(t, "a\nb\n", string(protocol.AppendRecord([]byte("a\n"), []byte("b"))))
}
