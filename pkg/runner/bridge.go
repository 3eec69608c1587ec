package runner

import (
	"sync"

	"github.com/coderelay/relay/pkg/event"
)

// bridge decouples the event producer from whoever consumes the stream. It
// buffers without bound between pushes and pulls, so an execution can run to
// completion with zero listeners, and it carries an explicit end-of-stream
// (the output channel closes once Close has been called and the buffer has
// drained).
type bridge struct {
	mu     sync.Mutex
	buf    []event.Event
	closed bool
	signal chan struct{}
	out    chan event.Event
}

func newBridge() *bridge {
	b := &bridge{
		signal: make(chan struct{}, 1),
		out:    make(chan event.Event),
	}
	go b.pump()
	return b
}

// Push appends an event. Never blocks. Events pushed after Close are
// dropped.
func (b *bridge) Push(ev event.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, ev)
	b.mu.Unlock()
	b.notify()
}

// Close marks the end of the stream. Buffered events are still delivered.
func (b *bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

// Out returns the consumer side of the stream.
func (b *bridge) Out() <-chan event.Event {
	return b.out
}

func (b *bridge) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *bridge) pump() {
	for {
		b.mu.Lock()
		if len(b.buf) > 0 {
			ev := b.buf[0]
			b.buf = b.buf[1:]
			b.mu.Unlock()
			b.out <- ev
			continue
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			close(b.out)
			return
		}
		<-b.signal
	}
}
