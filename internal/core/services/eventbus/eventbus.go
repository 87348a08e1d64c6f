// Package eventbus implements the in-process pub/sub described in §5,
// following the subject/observer shape of the teacher's registry.Subject
// but replacing its fire-and-forget goroutines with bounded, ordered
// per-subscriber queues.
package eventbus

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultQueueSize is the per-subscriber channel depth (§5 event_queue_size).
const DefaultQueueSize = 256

var overflowCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "policycore",
	Subsystem: "eventbus",
	Name:      "dropped_events_total",
	Help:      "Events dropped because a subscriber's queue was full.",
}, []string{"topic"})

type subscriber struct {
	ch     chan any
	cancel context.CancelFunc
}

// Bus is a topic-keyed multi-subscriber channel fanout. Publish never
// blocks: a full subscriber queue drops its oldest pending event to make
// room for the new one, incrementing a Prometheus counter so operators can
// see a subscriber falling behind (§5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	queueSize   int
}

// New builds a Bus with the given per-subscriber queue depth.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		queueSize:   queueSize,
	}
}

// Subscribe registers a new listener on topic and returns its channel and a
// cancel function that unregisters it and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	ch := make(chan any, b.queueSize)
	sub := &subscriber{ch: ch}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers payload to every current subscriber of topic. A
// subscriber whose queue is full has its oldest buffered event discarded to
// keep delivery order mostly intact without ever blocking the publisher.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			select {
			case <-sub.ch:
				overflowCounter.WithLabelValues(topic).Inc()
			default:
			}
			select {
			case sub.ch <- payload:
			default:
				overflowCounter.WithLabelValues(topic).Inc()
			}
		}
	}
}
