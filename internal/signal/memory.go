package signal

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRelay is an in-process Relay for tests and same-process loopback
// calls. Like the network backends it echoes published messages to every
// subscriber of the topic, the publisher's own subscription included.
type MemoryRelay struct {
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
	closed bool
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]func([]byte))}
}

// Subscribe registers fn for topic. The returned cancel is idempotent.
func (r *MemoryRelay) Subscribe(_ context.Context, topic string, fn func(data []byte)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("signal: memory relay closed")
	}
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]func([]byte))
	}
	id := r.nextID
	r.nextID++
	r.subs[topic][id] = fn

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if handlers, ok := r.subs[topic]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(r.subs, topic)
			}
		}
	}
	return cancel, nil
}

// Publish delivers data synchronously to every current subscriber of
// topic. Handlers run on the caller's goroutine; the handler list is
// snapshotted first so handlers may publish or (un)subscribe freely.
func (r *MemoryRelay) Publish(_ context.Context, topic string, data []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("signal: memory relay closed")
	}
	handlers := make([]func([]byte), 0, len(r.subs[topic]))
	for _, fn := range r.subs[topic] {
		handlers = append(handlers, fn)
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

// Close drops all subscriptions.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.subs = make(map[string]map[int]func([]byte))
	r.mu.Unlock()
	return nil
}
