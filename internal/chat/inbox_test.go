package chat_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/line-relay/internal/chat"
)

func TestInbox_FIFO(t *testing.T) {
	var b chat.Inbox

	_, ok := b.Pop()
	assert.False(t, ok)

	b.Push([]byte("one"))
	b.Push([]byte("two"))
	assert.Equal(t, 2, b.Len())

	line, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, "one", string(line))

	b.Push([]byte("three"))
	for _, want := range []string{"two", "three"} {
		line, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, want, string(line))
	}
	assert.Zero(t, b.Len())
}

func TestInbox_InterleavedNeverLosesOrder(t *testing.T) {
	var b chat.Inbox
	next := 0
	for i := 0; i < 1000; i++ {
		b.Push([]byte(fmt.Sprint(i)))
		if i%3 == 0 {
			line, ok := b.Pop()
			require.True(t, ok)
			require.Equal(t, fmt.Sprint(next), string(line))
			next++
		}
	}
	for {
		line, ok := b.Pop()
		if !ok {
			break
		}
		require.Equal(t, fmt.Sprint(next), string(line))
		next++
	}
	assert.Equal(t, 1000, next)
}

func TestInbox_Reset(t *testing.T) {
	var b chat.Inbox
	b.Push([]byte("x"))
	b.Reset()
	_, ok := b.Pop()
	assert.False(t, ok)
}
