package telemetry

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
)

// DefaultSettle is how long a subscription stays open after the last probe.
const DefaultSettle = 500 * time.Millisecond

const defaultBuffer = 64

// Options selects the events a subscription correlates.
type Options struct {
	Variant    ident.Variant
	BaseDomain string
	// Since excludes replayed events that completed before it.
	Since time.Time
	// Buffer is the live channel capacity; zero selects a default.
	Buffer int
}

// Harvest maps record type to correlation id to duration in milliseconds.
// Variants without record types use ident.RecordNone.
type Harvest map[ident.RecordType]map[int]float64

// Lookup returns the harvested duration for a probe, if any.
func (h Harvest) Lookup(rtype ident.RecordType, id int) (float64, bool) {
	byID, ok := h[rtype]
	if !ok {
		return 0, false
	}
	value, ok := byID[id]
	return value, ok
}

// Subscription accumulates timings for one repetition.
type Subscription struct {
	bus     *Bus
	variant ident.Variant
	suffix  string
	events  chan Event

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	timings Harvest
}

func newSubscription(bus *Bus, opts Options) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Subscription{
		bus:     bus,
		variant: opts.Variant,
		suffix:  ident.Suffix(opts.Variant, opts.BaseDomain),
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		timings: make(Harvest),
	}
}

func (s *Subscription) start() {
	go s.pump()
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	for {
		select {
		case ev := <-s.events:
			s.consume(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					s.consume(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) consume(ev Event) {
	if !strings.HasSuffix(ev.Name, s.suffix) {
		return
	}
	id, err := ident.Decode(s.variant, ev.Name)
	if err != nil {
		if errors.Is(err, ident.ErrNoMatch) {
			s.bus.observer.DecodeFailed()
		}
		s.bus.logger.WithField("name", ev.Name).Debugf("could not find id: %v", err)
		return
	}

	ms := math.Round(float64(ev.Duration)/float64(time.Millisecond)*100) / 100

	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.timings[id.RecordType]
	if !ok {
		byID = make(map[int]float64)
		s.timings[id.RecordType] = byID
	}
	byID[id.CorrelationID] = ms
	s.bus.logger.WithField("name", ev.Name).Debugf("timing for %d: %.2f ms", id.CorrelationID, ms)
}

// Drain keeps the subscription open for settle so late events still arrive.
func (s *Subscription) Drain(ctx context.Context, settle time.Duration) error {
	if settle <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close detaches the subscription from the bus. Events already delivered are
// still processed; later ones are lost. Close is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
	<-s.stopped
}

// Harvest returns a copy of the correlated timings.
func (s *Subscription) Harvest() Harvest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Harvest, len(s.timings))
	for rtype, byID := range s.timings {
		copied := make(map[int]float64, len(byID))
		for id, ms := range byID {
			copied[id] = ms
		}
		out[rtype] = copied
	}
	return out
}
