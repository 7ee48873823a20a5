package pipeline

import (
	"io"
	"sync"
)

const subscriberQueueLen = 64

// broadcaster fans the muxed output stream out to every connected HTTP
// client. Slow clients drop chunks rather than stall the chain; a live
// cast cannot apply backpressure to the producer.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[int]chan []byte{}}
}

func (b *broadcaster) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}

	// Callers reuse payload buffers; every subscriber gets its own copy.
	chunk := make([]byte, len(p))
	copy(chunk, p)
	for _, ch := range b.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
	return len(p), nil
}

func (b *broadcaster) subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan []byte, subscriberQueueLen)
	if b.closed {
		close(ch)
		return b.nextID, ch
	}
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
