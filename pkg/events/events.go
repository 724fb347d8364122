package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventDeploymentCreated EventType = "deployment.created"
	EventDeploymentUpdated EventType = "deployment.updated"
	EventDeploymentDeleted EventType = "deployment.deleted"
	EventInstanceCreated   EventType = "instance.created"
	EventInstanceUnhealthy EventType = "instance.unhealthy"
	EventInstanceStopped   EventType = "instance.stopped"
	EventNodeJoined        EventType = "node.joined"
	EventNodeLeft          EventType = "node.left"
	EventNodeDead          EventType = "node.dead"
	EventRolloutStarted    EventType = "rollout.started"
	EventRolloutFinished   EventType = "rollout.finished"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish sends an event to all subscribers. Non-blocking: if the broker's
// buffer is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	default:
	}
}

// run distributes events until stopped. Slow subscribers miss events
// rather than blocking the broker.
func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}
