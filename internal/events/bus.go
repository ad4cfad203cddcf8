// Package events fans notifications out to observers such as the control
// API's event stream. Delivery is fire-and-forget: a subscriber that is not
// keeping up misses notifications rather than stalling the publisher.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind names a notification.
type Kind string

const (
	KindStateUpdate Kind = "state-update"
	KindCallStarted Kind = "call-started"
	KindCallEnded   Kind = "call-ended"
)

// Snapshot is the observable state of the phone at one instant.
type Snapshot struct {
	State              string    `json:"state"`
	Registered         bool      `json:"registered"`
	RegistrationStatus string    `json:"registration_status"`
	Extension          string    `json:"extension,omitempty"`
	CallID             string    `json:"call_id,omitempty"`
	Direction          string    `json:"direction,omitempty"`
	RemoteIdentity     string    `json:"remote_identity,omitempty"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	EstablishedAt      time.Time `json:"established_at,omitzero"`
	DurationSeconds    int       `json:"duration_seconds"`
	HasRemoteVideo     bool      `json:"has_remote_video"`
}

// Notification is one published event.
type Notification struct {
	Kind     Kind      `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}

const subscriberBuffer = 32

// Bus is a pub/sub hub for notifications.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]chan Notification
	nextID    int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and a cancel function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers n to every subscriber without blocking.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// WaitFor blocks until a notification of kind is published or ctx ends.
func (b *Bus) WaitFor(ctx context.Context, kind Kind) (Notification, bool) {
	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case n := <-ch:
			if n.Kind == kind {
				return n, true
			}
		case <-ctx.Done():
			return Notification{}, false
		}
	}
}
