// Package dispatch provides a typed publish/subscribe bus for push events.
// Each integration instance owns its own Bus, so topics never collide across
// instances.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 10 * time.Second

// Handler consumes one payload published on a topic.
type Handler[T any] func(ctx context.Context, payload T) error

// Options configures a Bus.
type Options struct {
	// HandlerTimeout bounds each handler call. Zero uses DefaultHandlerTimeout.
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Bus delivers payloads to subscribers of a topic. Every subscriber has its
// own queue and goroutine: delivery to one subscriber is in publish order,
// and a slow subscriber never holds up another.
type Bus[T any] struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	subs   map[string][]*subscriber[T]
	closed bool
	wg     sync.WaitGroup
}

type subscriber[T any] struct {
	topic   string
	handler Handler[T]

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates an empty Bus.
func New[T any](opts Options) *Bus[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Bus[T]{
		logger:  logger.Named("dispatch"),
		timeout: timeout,
		subs:    make(map[string][]*subscriber[T]),
	}
}

// Publish queues payload for every current subscriber of topic and returns
// immediately. Publishing on a closed bus is a no-op.
func (b *Bus[T]) Publish(topic string, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs[topic] {
		s.enqueue(payload)
	}
}

// Subscribe registers handler for topic. The returned function stops
// delivery; payloads still queued for this subscriber are dropped.
// It may be called more than once.
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) (unsubscribe func()) {
	s := &subscriber[T]{
		topic:   topic,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	b.logger.Debug("Subscribed", zap.String("topic", topic))
	return func() { b.unsubscribe(s) }
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Bus[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscriber and waits for in-progress handlers to return
// or time out.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	b.subs = make(map[string][]*subscriber[T])
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus[T]) unsubscribe(s *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, existing := range subs {
		if existing == s {
			b.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
	s.stop()
}

func (b *Bus[T]) run(s *subscriber[T]) {
	defer b.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			select {
			case <-s.done:
				return
			default:
			}

			payload, ok := s.pop()
			if !ok {
				break
			}
			b.deliver(s, payload)
		}
	}
}

// deliver calls the handler under the handler timeout. A handler that ignores
// its context is abandoned once the timeout passes so the queue keeps moving.
func (b *Bus[T]) deliver(s *subscriber[T], payload T) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		result <- s.handler(ctx, payload)
	}()

	select {
	case err := <-result:
		if err != nil {
			b.logger.Error("Subscriber failed", zap.String("topic", s.topic), zap.Error(err))
		}
	case <-ctx.Done():
		b.logger.Warn("Subscriber timed out",
			zap.String("topic", s.topic),
			zap.Duration("timeout", b.timeout))
	}
}

func (s *subscriber[T]) enqueue(payload T) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	payload := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return payload, true
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}
