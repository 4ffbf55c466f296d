package intake

import (
	"context"
	"sync"
)

// MemorySource is an in-process work queue used by tests and single-binary
// deployments without a broker. Requeued messages go back to the end of the
// buffer, which preserves at-least-once semantics but not order.
type MemorySource struct {
	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemorySource creates a buffered in-process queue.
func NewMemorySource(buffer int) *MemorySource {
	if buffer < 1 {
		buffer = 64
	}
	return &MemorySource{
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
	}
}

// Publish enqueues a message. It blocks when the buffer is full so callers
// get backpressure instead of silent drops.
func (s *MemorySource) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.messages <- msg:
		return nil
	}
}

// Receive implements Source.
func (s *MemorySource) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.messages:
		return &Delivery{
			Message: msg,
			ack:     func() error { return nil },
			requeue: func() error { return s.requeue(msg) },
		}, nil
	}
}

// requeue puts a received message back without blocking the caller. A full
// buffer hands the send off to a goroutine so a worker requeueing during an
// outage cannot wedge itself waiting for its own receive loop.
func (s *MemorySource) requeue(msg Message) error {
	select {
	case <-s.done:
		return ErrClosed
	case s.messages <- msg:
		return nil
	default:
	}
	go func() {
		select {
		case <-s.done:
		case s.messages <- msg:
		}
	}()
	return nil
}

// Close implements Source. Pending messages are discarded.
func (s *MemorySource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}
