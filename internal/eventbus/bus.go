// Package eventbus provides a typed in-process publish/subscribe bus.
// Delivery is fire-and-forget and ordered per subscription only; a slow
// subscriber cannot block producers because each subscription owns a
// bounded queue that drops its oldest entry on overflow.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event is anything the bus can carry. Concrete payload shapes live
// with their producers (types.PolicyChangeEvent, agent events, ...).
type Event interface{}

// Handler processes one delivered event. Handlers must not assume
// parallel delivery within their own subscription.
type Handler func(Event)

// Config controls a subscription's queue behavior.
type Config struct {
	QueueSize int
}

// DefaultConfig returns the bus's default subscription queue size.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// Bus is a typed pub/sub dispatcher. Topics are plain strings so
// producers and subscribers only need to agree on a name and a payload
// shape; the bus does not validate payload types.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	nextID uint64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Unsubscribe detaches a subscription and stops its delivery goroutine.
type Unsubscribe func()

type subscription struct {
	id        uint64
	topic     string
	handler   Handler
	queue     chan Event
	done      chan struct{}
	overflowed atomic.Int64
}

// Subscribe registers handler for topic with a bounded queue. The
// returned Unsubscribe stops delivery and releases the queue.
func (b *Bus) Subscribe(topic string, handler Handler, cfg Config) Unsubscribe {
	if cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go b.deliverLoop(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], sub)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

// Publish delivers event to every subscriber of topic, fire-and-forget.
// A full subscriber queue drops its oldest entry rather than block.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		enqueue(sub, event)
	}
}

func enqueue(sub *subscription, event Event) {
	select {
	case sub.queue <- event:
		return
	default:
	}

	// Queue full: drop the oldest entry, then enqueue.
	select {
	case <-sub.queue:
		sub.overflowed.Add(1)
	default:
	}
	select {
	case sub.queue <- event:
	default:
		sub.overflowed.Add(1)
	}
}

func (b *Bus) deliverLoop(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			b.invoke(sub, event)
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus handler panicked",
				zap.String("topic", sub.topic),
				zap.Uint64("subscriptionId", sub.id),
				zap.Any("recovered", r),
			)
		}
	}()
	sub.handler(event)
}

// Overflowed returns the number of events a subscription has dropped
// due to queue overflow. Exposed via the Unsubscribe handle's owner
// keeping a reference is unnecessary; callers that need this call
// SubscribeWithStats instead.
func (s *subscription) Overflowed() int64 {
	return s.overflowed.Load()
}

// Stats describes one subscription's delivery health.
type Stats struct {
	Overflowed int64
}

// SubscribeWithStats behaves like Subscribe but also returns a live
// Stats reader, letting callers monitor drop counts.
func (b *Bus) SubscribeWithStats(topic string, handler Handler, cfg Config) (Unsubscribe, func() Stats) {
	if cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go b.deliverLoop(sub)

	unsub := func() {
		b.mu.Lock()
		delete(b.subs[topic], sub)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		close(sub.done)
	}
	stats := func() Stats {
		return Stats{Overflowed: sub.Overflowed()}
	}
	return unsub, stats
}
