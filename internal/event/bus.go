// Package event provides the in-process pub/sub bus the runtime uses to fan
// out session snapshots, permission prompts, and job progress to the HTTP
// layer and other subscribers. Built on watermill's gochannel pub/sub with a
// typed subscriber list on top so payloads keep their Go types.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies an event kind on the bus.
type Type string

const (
	SnapshotUpdated     Type = "session.snapshot"
	SessionTerminal     Type = "session.terminal"
	PermissionRequested Type = "permission.requested"
	PermissionReplied   Type = "permission.replied"
	JobUpdated          Type = "job.updated"
	JobProgressed       Type = "job.progress"
)

// Event is one published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives published events.
type Subscriber func(event Event)

type delivery struct {
	event Event
	// wg is non-nil for synchronous publishes; Done fires once the
	// subscriber has processed the event.
	wg *sync.WaitGroup
}

// subscriberEntry feeds one subscriber from its own ordered queue. Every
// subscriber observes events in publish order, and a slow subscriber only
// delays itself, never the publisher or its neighbors.
type subscriberEntry struct {
	id uint64
	fn Subscriber

	mu      sync.Mutex
	cond    *sync.Cond
	pending []delivery
	stopped bool
}

func newSubscriberEntry(id uint64, fn Subscriber) *subscriberEntry {
	e := &subscriberEntry{id: id, fn: fn}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

func (e *subscriberEntry) enqueue(d delivery) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		if d.wg != nil {
			d.wg.Done()
		}
		return
	}
	e.pending = append(e.pending, d)
	e.cond.Signal()
	e.mu.Unlock()
}

func (e *subscriberEntry) loop() {
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		d := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		e.fn(d.event)
		if d.wg != nil {
			d.wg.Done()
		}
	}
}

// stop drops anything still queued and ends the delivery loop. Blocked
// synchronous publishers are released.
func (e *subscriberEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	for _, d := range e.pending {
		if d.wg != nil {
			d.wg.Done()
		}
	}
	e.pending = nil
	e.cond.Signal()
	e.mu.Unlock()
}

// Bus manages subscriptions and delivery. Watermill carries the transport so
// the bus can later be pointed at a distributed backend; the typed
// subscriber list preserves payload types for in-process consumers.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]*subscriberEntry
	global      []*subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]*subscriberEntry),
	}
}

// Subscribe registers a subscriber for one event type and returns its
// unsubscribe function. Unsubscribe is idempotent.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], newSubscriberEntry(id, fn))

	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, newSubscriberEntry(id, fn))

	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			entry.stop()
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			entry.stop()
			return
		}
	}
}

func (b *Bus) collect(t Type) []*subscriberEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	entries := make([]*subscriberEntry, 0, len(b.subscribers[t])+len(b.global))
	entries = append(entries, b.subscribers[t]...)
	entries = append(entries, b.global...)
	return entries
}

// Publish delivers an event to all subscribers. Delivery is asynchronous but
// in publish order per subscriber.
func (b *Bus) Publish(event Event) {
	for _, entry := range b.collect(event.Type) {
		entry.enqueue(delivery{event: event})
	}
}

// PublishSync delivers an event through the same per-subscriber queues as
// Publish, then waits until every current subscriber has processed it. Used
// where the caller must not proceed before delivery, such as terminal
// snapshot notifications.
func (b *Bus) PublishSync(event Event) {
	entries := b.collect(event.Type)
	var wg sync.WaitGroup
	wg.Add(len(entries))
	for _, entry := range entries {
		entry.enqueue(delivery{event: event, wg: &wg})
	}
	wg.Wait()
}

// Close shuts the bus down. Further Subscribe/Publish calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, entries := range b.subscribers {
		for _, entry := range entries {
			entry.stop()
		}
	}
	for _, entry := range b.global {
		entry.stop()
	}
	b.subscribers = make(map[Type][]*subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
