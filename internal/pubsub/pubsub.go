package pubsub

import (
	"sync"
	"sync/atomic"
)

// EventType identifies what kind of event a payload accompanies.
type EventType int

// SubscriberID identifies one subscription; it is needed to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event pairs an EventType with a typed payload. Each instantiation of Event[T] is a
// distinct type, so subscribers get compile-time checked payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// SubscriptionOptions configures delivery behavior for one subscriber.
type SubscriptionOptions struct {
	// Blocking subscribers are guaranteed delivery at the cost of stalling the bus when
	// their channel is full. Non-blocking subscribers may have events dropped instead.
	Blocking bool
}

// subscriber is the type-erased registry entry. The typed channel lives inside the
// closures; the registry only ever sees this homogeneous shape.
type subscriber struct {
	send    func(eventType EventType, payload any) bool
	close   func()
	options SubscriptionOptions
	dropped atomic.Uint64
}

// Bus is a thread-safe in-process publish/subscribe broker. Publishing never blocks the
// caller: events go through a buffered channel and a single broadcast goroutine.
type Bus struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	publishChan chan struct {
		eventType EventType
		payload   any
	}
	shuttingDown atomic.Bool
}

// NewBus creates a bus and starts its broadcast goroutine. bufferSize is the number of
// in-flight events Publish can queue before a slow broadcast applies backpressure.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan struct {
			eventType EventType
			payload   any
		}, bufferSize),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch to receive events of the given type. The caller owns the
// channel and picks its buffer size. A generic free function because Go methods cannot
// introduce their own type parameters.
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		options: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.Blocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.close()
	if len(subs) == 0 {
		delete(b.registry, eventType)
	}
}

// Publish queues an event for broadcast. Events published during shutdown are dropped.
// The RLock guarantees the publish channel cannot be closed mid-send: Shutdown needs
// the write lock to close it.
func Publish[T any](b *Bus, event *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		return
	}
	b.publishChan <- struct {
		eventType EventType
		payload   any
	}{event.Type, event.Payload}
}

// Shutdown stops accepting publishes, drains buffered events to subscribers, and waits
// for the broadcast goroutine to exit. Idempotent.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run() {
	defer b.wg.Done()

	for msg := range b.publishChan {
		b.mu.RLock()
		for _, sub := range b.registry[msg.eventType] {
			if !sub.send(msg.eventType, msg.payload) {
				sub.dropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}
}
