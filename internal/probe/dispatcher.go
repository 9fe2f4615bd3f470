// Package probe issues the individual measurement requests of a run.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/events"
	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultDualPause = 50 * time.Millisecond
	maxBodyBytes     = 64 << 10
)

// Metrics is the subset of the metrics store the dispatcher reports to.
type Metrics interface {
	ProbeStarted()
	ProbeFinished(variant, status string)
}

type noopMetrics struct{}

func (noopMetrics) ProbeStarted()                {}
func (noopMetrics) ProbeFinished(string, string) {}

// Dependencies wires the dispatcher to its collaborators. Nil fields fall back
// to defaults.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     log.Interface
	Recorder   events.Recorder
	Metrics    Metrics
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each probe.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDualPause sets the pause after each dual-record probe.
func WithDualPause(pause time.Duration) Option {
	return func(d *Dispatcher) {
		if pause >= 0 {
			d.dualPause = pause
		}
	}
}

// Outcome is the classification of one probe.
type Outcome struct {
	Delay         string
	RecordType    ident.RecordType
	CorrelationID int
	Class         types.StatusToken
	// Response carries the raw body of resolver probes.
	Response  *string
	Errored   bool
	Err       error
	Timestamp time.Time
}

// Dispatcher issues probes one at a time against the test domain.
type Dispatcher struct {
	baseDomain string
	client     *http.Client
	now        func() time.Time
	logger     log.Interface
	recorder   events.Recorder
	metrics    Metrics
	timeout    time.Duration
	dualPause  time.Duration

	mu          sync.Mutex
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// NewDispatcher builds a dispatcher for probes under baseDomain.
func NewDispatcher(baseDomain string, deps Dependencies, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		baseDomain: baseDomain,
		client:     deps.HTTPClient,
		now:        deps.Now,
		logger:     logging.OrDiscard(deps.Logger),
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		timeout:    DefaultTimeout,
		dualPause:  DefaultDualPause,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.recorder == nil {
		d.recorder = events.NoopRecorder{}
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BaseDomain returns the domain probes are issued under.
func (d *Dispatcher) BaseDomain() string {
	return d.baseDomain
}

// InFlight reports the number of outstanding probes.
func (d *Dispatcher) InFlight() int {
	return int(d.inflight.Load())
}

// MaxInFlight reports the highest number of simultaneously outstanding
// probes observed so far.
func (d *Dispatcher) MaxInFlight() int {
	return int(d.maxInflight.Load())
}

// IssueIP probes the connection-attempt-delay host for delay.
func (d *Dispatcher) IssueIP(ctx context.Context, repetition int, delay string, id int) Outcome {
	desc := ident.Descriptor{Variant: ident.VariantIP, Delay: delay, CorrelationID: id}
	return d.classify(ctx, repetition, desc)
}

// IssueDualRecord probes the resolution-delay host for delay and record type,
// then pauses briefly.
func (d *Dispatcher) IssueDualRecord(ctx context.Context, repetition int, delay string, rtype ident.RecordType, id int) Outcome {
	desc := ident.Descriptor{Variant: ident.VariantDualRecord, Delay: delay, RecordType: rtype, CorrelationID: id}
	out := d.classify(ctx, repetition, desc)
	_ = sleep(ctx, d.dualPause)
	return out
}

// IssueDNS probes the resolver-delay host and keeps the raw answer.
func (d *Dispatcher) IssueDNS(ctx context.Context, repetition int, delay string, id int) Outcome {
	desc := ident.Descriptor{Variant: ident.VariantDNS, Delay: delay, CorrelationID: id}
	out := Outcome{Delay: delay, CorrelationID: id, Timestamp: d.now()}

	body, err := d.fetch(ctx, desc.Target(d.baseDomain))
	switch {
	case err == nil:
		out.Response = &body
		out.Class = types.StatusDNS
	case isStatusError(err):
		out.Errored = true
		out.Err = err
		out.Class = types.StatusErr
	default:
		text := err.Error()
		out.Response = &text
		out.Errored = true
		out.Err = err
		out.Class = types.StatusErr
	}
	d.finish(repetition, desc, out)
	return out
}

// Reachable fetches the address-family-only endpoint and returns the client
// address it reports.
func (d *Dispatcher) Reachable(ctx context.Context, family int) (string, error) {
	body, err := d.fetch(ctx, ident.ReachabilityURL(family, d.baseDomain))
	if err != nil {
		return "", fmt.Errorf("ipv%d reachability: %w", family, err)
	}
	return strings.TrimSpace(body), nil
}

func (d *Dispatcher) classify(ctx context.Context, repetition int, desc ident.Descriptor) Outcome {
	out := Outcome{
		Delay:         desc.Delay,
		RecordType:    desc.RecordType,
		CorrelationID: desc.CorrelationID,
		Timestamp:     d.now(),
	}
	body, err := d.fetch(ctx, desc.Target(d.baseDomain))
	switch {
	case err != nil:
		out.Errored = true
		out.Err = err
		out.Class = types.StatusErr
	case strings.Contains(body, ":"):
		out.Class = types.StatusV6
	default:
		out.Class = types.StatusV4
	}
	d.finish(repetition, desc, out)
	return out
}

func (d *Dispatcher) finish(repetition int, desc ident.Descriptor, out Outcome) {
	if out.Errored {
		d.logger.WithFields(log.Fields{
			"delay":   desc.Delay,
			"run_uid": desc.CorrelationID,
		}).Warnf("probe failed: %v", out.Err)
	}
	d.metrics.ProbeFinished(string(desc.Variant), string(out.Class))
	d.recorder.Record(types.ProbeEvent{
		TestName:      string(desc.Variant),
		Repetition:    repetition,
		Delay:         desc.Delay,
		DelayType:     string(desc.RecordType),
		CorrelationID: desc.CorrelationID,
		Status:        out.Class,
		Timestamp:     out.Timestamp,
	})
}

type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "unexpected status " + e.status
}

func isStatusError(err error) bool {
	var se *statusError
	return errors.As(err, &se)
}

func (d *Dispatcher) fetch(ctx context.Context, target string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		peak := d.maxInflight.Load()
		if current <= peak || d.maxInflight.CompareAndSwap(peak, current) {
			break
		}
	}
	d.metrics.ProbeStarted()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	d.logger.WithField("url", target).Debug("probing")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &statusError{status: resp.Status}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read probe response: %w", err)
	}
	return string(body), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
