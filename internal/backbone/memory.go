package backbone

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultMemoryBuffer = 1024

type memorySubscriber struct {
	ch      chan []byte
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Memory is an in-process backbone for a single replica and for tests. Each
// subscriber gets its own buffered queue; a full queue drops the new payload and
// Publish reports ErrSubscriberFull. The other subscribers still receive it.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscriber
	buffer      int
	closed      bool
	wg          sync.WaitGroup
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		subscribers: make(map[string][]*memorySubscriber),
		buffer:      buffer,
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	dropped := 0
	for _, sub := range m.subscribers[channel] {
		select {
		case sub.ch <- payload:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d of %d subscribers on %s", ErrSubscriberFull, dropped, len(m.subscribers[channel]), channel)
	}
	return nil
}

func (m *Memory) Subscribe(channel string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	sub := &memorySubscriber{ch: make(chan []byte, m.buffer)}
	m.subscribers[channel] = append(m.subscribers[channel], sub)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for payload := range sub.ch {
			handler(payload)
		}
	}()
	return nil
}

// Stats sums the counters of every subscriber on a channel.
func (m *Memory) Stats(channel string) SubscriberStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s SubscriberStats
	for _, sub := range m.subscribers[channel] {
		s.Sent += sub.sent.Load()
		s.Dropped += sub.dropped.Load()
	}
	return s
}

// Close stops accepting publishes and waits for queued payloads to be handled.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	m.subscribers = nil
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
