package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

// Event is a dispatched notification as seen by bus subscribers.
type Event struct {
	Type         model.NotificationType
	Timestamp    time.Time
	Notification zwave.Event
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	ch  chan Event
	all bool
	typ model.NotificationType
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped and counted.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers a subscriber for one notification type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(typ model.NotificationType, fn Subscriber) func() {
	return b.subscribe(&subscription{typ: typ}, fn)
}

// SubscribeAll registers a subscriber for every notification type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(&subscription{all: true}, fn)
}

func (b *Bus) subscribe(sub *subscription, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.ch = make(chan Event, b.bufferSize)
	if b.closed {
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)

	go func() {
		for event := range sub.ch {
			func() {
				defer func() {
					// Subscriber panics must not take down the bus.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
}

// Publish sends a notification to every matching subscriber without blocking.
func (b *Bus) Publish(n zwave.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:         n.Kind,
		Timestamp:    time.Now().UTC(),
		Notification: n,
	}

	for _, sub := range b.subs {
		if !sub.all && sub.typ != n.Kind {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.closed = true
}
