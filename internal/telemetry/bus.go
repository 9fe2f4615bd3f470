// Package telemetry carries request timing events from the probing transport
// to the subscriptions that correlate them with probe outcomes.
package telemetry

import (
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/logging"
)

// DefaultReplay is the number of past events a bus keeps for buffered replay.
const DefaultReplay = 256

// Event is one completed request as seen by the transport.
type Event struct {
	Name       string
	Duration   time.Duration
	At         time.Time
	RemoteAddr string
}

// Observer receives counters about the event flow.
type Observer interface {
	EventPublished()
	EventDropped()
	DecodeFailed()
}

type noopObserver struct{}

func (noopObserver) EventPublished() {}
func (noopObserver) EventDropped()   {}
func (noopObserver) DecodeFailed()   {}

// Bus fans events out to subscriptions without ever blocking the publisher.
type Bus struct {
	mu       sync.Mutex
	replay   []Event
	next     int
	full     bool
	subs     map[*Subscription]struct{}
	logger   log.Interface
	observer Observer
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithReplay sets the replay buffer capacity. Values below one disable replay.
func WithReplay(size int) BusOption {
	return func(b *Bus) {
		if size < 0 {
			size = 0
		}
		b.replay = make([]Event, size)
	}
}

// WithLogger attaches a logger used for dropped and undecodable events.
func WithLogger(logger log.Interface) BusOption {
	return func(b *Bus) {
		b.logger = logging.OrDiscard(logger)
	}
}

// WithObserver attaches flow counters.
func WithObserver(observer Observer) BusOption {
	return func(b *Bus) {
		if observer != nil {
			b.observer = observer
		}
	}
}

// NewBus constructs a bus with a DefaultReplay sized buffer.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		replay:   make([]Event, DefaultReplay),
		subs:     make(map[*Subscription]struct{}),
		logger:   logging.Discard(),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records ev in the replay buffer and offers it to every open
// subscription. Subscriptions that cannot keep up lose the event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.replay) > 0 {
		b.replay[b.next] = ev
		b.next = (b.next + 1) % len(b.replay)
		if b.next == 0 {
			b.full = true
		}
	}
	b.observer.EventPublished()

	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			b.observer.EventDropped()
			b.logger.WithField("name", ev.Name).Debug("telemetry event dropped, subscriber full")
		}
	}
}

// Subscribe opens a subscription. Buffered events at or after opts.Since are
// handed to it before any live event.
func (b *Bus) Subscribe(opts Options) *Subscription {
	sub := newSubscription(b, opts)

	b.mu.Lock()
	backlog := b.snapshotLocked(opts.Since)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	for _, ev := range backlog {
		sub.consume(ev)
	}
	sub.start()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *Bus) snapshotLocked(since time.Time) []Event {
	var ordered []Event
	if b.full {
		ordered = append(ordered, b.replay[b.next:]...)
	}
	ordered = append(ordered, b.replay[:b.next]...)

	out := ordered[:0]
	for _, ev := range ordered {
		if ev.At.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
