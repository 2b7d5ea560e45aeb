package mqttpool

import (
	"context"
	"errors"
	"sync"

	"github.com/voltflux/powermon/internal/adapters"
)

// ErrSubscriptionClosed is returned by Dequeue after the routing entry has
// been removed from its connection.
var ErrSubscriptionClosed = errors.New("topic subscription closed")

// queueCapacity bounds each per-topic queue. On overflow the oldest envelope
// is dropped and dead-lettered with reason backpressure; a slow worker must
// never grow pool memory without limit.
const queueCapacity = 1024

// TopicSubscription binds one MQTT topic to one MAC and buffers inbound
// envelopes for its single consumer.
type TopicSubscription struct {
	Topic string
	MAC   string

	mu     sync.Mutex
	buf    []adapters.Envelope
	closed bool
	ready  chan struct{}
}

func newTopicSubscription(topic, mac string) *TopicSubscription {
	return &TopicSubscription{
		Topic: topic,
		MAC:   mac,
		ready: make(chan struct{}, 1),
	}
}

// enqueue appends an envelope, dropping the oldest entry when the queue is
// full. It never blocks; it is called from the MQTT client's I/O goroutine.
func (s *TopicSubscription) enqueue(env adapters.Envelope) (dropped adapters.Envelope, overflow bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapters.Envelope{}, false
	}
	if len(s.buf) >= queueCapacity {
		dropped = s.buf[0]
		overflow = true
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, env)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped, overflow
}

// Dequeue blocks until an envelope is available, the subscription is closed,
// or ctx is canceled. Envelopes come out strictly in arrival order.
func (s *TopicSubscription) Dequeue(ctx context.Context) (adapters.Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			env := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return env, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return adapters.Envelope{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return adapters.Envelope{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Depth reports the number of buffered envelopes.
func (s *TopicSubscription) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// close marks the subscription dead and wakes its consumer. Buffered
// envelopes already dequeued stay valid; the rest are discarded.
func (s *TopicSubscription) close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}
