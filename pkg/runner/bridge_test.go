package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/event"
)

func TestBridgeBuffersBeforePull(t *testing.T) {
	b := newBridge()

	// Pushes never block, even with no consumer attached
	for i := 0; i < 1000; i++ {
		b.Push(event.Message("assistant", "m"))
	}
	b.Close()

	count := 0
	for range b.Out() {
		count++
	}
	assert.Equal(t, 1000, count)
}

func TestBridgePreservesOrder(t *testing.T) {
	b := newBridge()
	b.Push(event.Message("assistant", "one"))
	b.Push(event.Message("assistant", "two"))
	b.Push(event.Completed(true, "", "two"))
	b.Close()

	var got []event.Event
	for ev := range b.Out() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
	assert.True(t, got[2].Terminal())
}

func TestBridgeDropsAfterClose(t *testing.T) {
	b := newBridge()
	b.Push(event.Message("assistant", "kept"))
	b.Close()
	b.Push(event.Message("assistant", "dropped"))

	var got []event.Event
	for ev := range b.Out() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Content)
}

func TestBridgeCloseWithEmptyBuffer(t *testing.T) {
	b := newBridge()
	b.Close()

	select {
	case _, open := <-b.Out():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}
