package transmit

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// ErrTransmission wraps every failed upload.
var ErrTransmission = errors.New("transmission failed")

// Sink defines the downstream consumer for finished runs (e.g. the HTTP uplink).
type Sink interface {
	Send(ctx context.Context, variant ident.Variant, runs []types.RunResult) error
}

// Ledger is the run store the transmitter selects from and marks in.
type Ledger interface {
	Untransmitted(testName string) []types.RunResult
	MarkTransmitted(ctx context.Context, ids []uint32) error
}

// Observer receives the outcome of every upload attempt.
type Observer interface {
	ObserveTransmission(runCount int, err error)
}

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithLogger sets the logger.
func WithLogger(logger log.Interface) Option {
	return func(t *Transmitter) {
		t.logger = logging.OrDiscard(logger)
	}
}

// WithObserver reports upload outcomes, typically to the metrics store.
func WithObserver(observer Observer) Option {
	return func(t *Transmitter) {
		t.observer = observer
	}
}

// Transmitter uploads stored runs that are not yet in the ledger. A run is
// added to the ledger only after the sink accepted it, so a failed upload
// leaves it eligible for the next attempt.
type Transmitter struct {
	ledger   Ledger
	sink     Sink
	logger   log.Interface
	observer Observer
}

// New constructs a Transmitter. The ledger and sink are required.
func New(ledger Ledger, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		ledger: ledger,
		sink:   sink,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transmit uploads the untransmitted runs of one variant and returns how many
// were accepted. Nothing is sent when there is nothing to send.
func (t *Transmitter) Transmit(ctx context.Context, variant ident.Variant) (int, error) {
	if t.ledger == nil {
		return 0, errors.New("transmitter ledger is nil")
	}
	if t.sink == nil {
		return 0, errors.New("transmitter sink is nil")
	}

	pending := t.ledger.Untransmitted(string(variant))
	if len(pending) == 0 {
		t.logger.WithField("variant", variant).Debug("nothing to transmit")
		return 0, nil
	}

	if err := t.sink.Send(ctx, variant, pending); err != nil {
		t.observe(len(pending), err)
		t.logger.WithField("variant", variant).Warnf("transmission failed: %v", err)
		return 0, fmt.Errorf("%w: %w", ErrTransmission, err)
	}

	ids := make([]uint32, len(pending))
	for i, run := range pending {
		ids[i] = run.ID
	}
	if err := t.ledger.MarkTransmitted(ctx, ids); err != nil {
		t.observe(len(pending), err)
		return 0, fmt.Errorf("update transmission ledger: %w", err)
	}
	t.observe(len(pending), nil)
	return len(pending), nil
}

// TransmitAll runs Transmit for every variant, continuing past failures, and
// returns the accepted run count together with the joined errors.
func (t *Transmitter) TransmitAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, variant := range ident.Variants {
		n, err := t.Transmit(ctx, variant)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (t *Transmitter) observe(count int, err error) {
	if t.observer != nil {
		t.observer.ObserveTransmission(count, err)
	}
}
