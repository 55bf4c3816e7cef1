package materializer

import (
	"sync"
	"time"

	"github.com/cuemby/dozer/pkg/metrics"
	"github.com/cuemby/dozer/pkg/oplog"
)

// Event is one change a subscriber sees over OnEvent: either a materialized
// operation or a Lagged marker telling the subscriber its buffer overflowed
// and it must resync with a fresh query (spec.md §5 "Shared resources":
// "lossy when subscribers fall behind, signalled by a Lagged error").
type Event struct {
	Endpoint  string
	Op        *oplog.Operation
	Lagged    bool
	Timestamp time.Time
}

// Subscriber is a channel that receives Events for one OnEvent call.
type Subscriber chan *Event

// Broker fans out endpoint change events to OnEvent subscribers. Adapted
// from the teacher's pkg/events.Broker: subscribe/unsubscribe/publish over
// buffered channels, a single distribution goroutine reading off an
// internal queue. The teacher's broadcast silently drops on a full
// subscriber buffer; this one instead discards the subscriber's oldest
// buffered event and sends a Lagged marker into the freed slot, so a client
// can tell its view fell behind and re-query.
type Broker struct {
	endpoint string

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a Broker with a 100-event internal queue, matching the
// teacher's buffer size. endpoint labels the broker's Prometheus metrics.
func NewBroker(endpoint string) *Broker {
	return &Broker{
		endpoint:    endpoint,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker's distribution loop.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription with a 50-event per-subscriber
// buffer, matching the teacher's.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	metrics.OnEventSubscribersActive.WithLabelValues(b.endpoint).Set(float64(len(b.subscribers)))
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
		metrics.OnEventSubscribersActive.WithLabelValues(b.endpoint).Set(float64(len(b.subscribers)))
	}
}

// Publish queues an event for distribution.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// The buffer is full: drop its oldest event to make room for
			// the Lagged marker.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- &Event{Endpoint: event.Endpoint, Lagged: true, Timestamp: event.Timestamp}:
				metrics.OnEventLaggedTotal.WithLabelValues(b.endpoint).Inc()
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
