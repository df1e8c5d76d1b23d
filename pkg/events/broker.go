package events

import (
	"sync"
	"time"

	"github.com/outpost-run/outpost/pkg/types"
)

// EventType classifies bus events.
type EventType string

const (
	EventTaskStopped       EventType = "task.stopped"
	EventDispatchRunning   EventType = "dispatch.running"
	EventDispatchCancelled EventType = "dispatch.cancelled"
)

// Event is one bus message. Task is set on task.stopped events; Ack, when
// non-nil, acknowledges the upstream delivery and must be called exactly
// once after the event has been durably applied.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Task      *types.TaskStoppedEvent
	Metadata  map[string]string
	Ack       func()
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out from the queue consumer to in-process subscribers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
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
			// Subscriber buffer full, skip. Queued deliveries are
			// redriven, so a skipped task.stopped event comes back.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
