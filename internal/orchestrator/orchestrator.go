// Package orchestrator drives complete measurement runs: preflight, repeated
// passes over every delay class, telemetry correlation and result storage.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/aggregate"
	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/internal/probe"
	"github.com/happy-eyeballs/he-webtester/internal/telemetry"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const (
	DefaultInterRepetition = 5 * time.Second
	DefaultSettle          = telemetry.DefaultSettle
)

var (
	ErrPreflight            = errors.New("preflight failed")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrInvalidRequest       = errors.New("invalid run request")
	ErrBusy                 = errors.New("a run is already in progress")
)

// State is the externally observable phase of the orchestrator.
type State int32

const (
	StateIdle State = iota
	StatePreflight
	StateRunning
	StateSettling
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StatePreflight:
		return "preflight"
	case StateRunning:
		return "running"
	case StateSettling:
		return "settling"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Prober issues the probes of a run.
type Prober interface {
	BaseDomain() string
	Reachable(ctx context.Context, family int) (string, error)
	IssueIP(ctx context.Context, repetition int, delay string, id int) probe.Outcome
	IssueDualRecord(ctx context.Context, repetition int, delay string, rtype ident.RecordType, id int) probe.Outcome
	IssueDNS(ctx context.Context, repetition int, delay string, id int) probe.Outcome
}

// Store keeps finished runs.
type Store interface {
	ID() string
	NextRunCount() int
	Store(ctx context.Context, run types.RunResult) error
}

// Transmitter uploads untransmitted runs of a variant.
type Transmitter interface {
	Transmit(ctx context.Context, variant ident.Variant) (int, error)
}

// Metrics receives run level counters.
type Metrics interface {
	ObserveRun(variant, outcome string)
	ObserveResponseTime(variant, delay string, ms float64)
}

// Health receives preflight outcomes. Variants without a preflight report
// the skipped gate so readiness does not wait for one.
type Health interface {
	ObservePreflight(ts time.Time, err error)
	ObservePreflightNotRequired(ts time.Time)
}

// Dependencies wires the orchestrator. Prober, Bus and Store are required.
type Dependencies struct {
	Prober      Prober
	Bus         *telemetry.Bus
	Store       Store
	Transmitter Transmitter
	Metrics     Metrics
	Health      Health
	Logger      log.Interface
	Now         func() time.Time
	// IDs draws correlation ids; defaults to ident.RandomID.
	IDs func() int
	// RunIDs draws run ids; defaults to a crypto/rand uint32.
	RunIDs    func() uint32
	UserAgent string
	Platform  string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithSettle sets how long telemetry is collected after the last probe of a
// repetition.
func WithSettle(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.settle = d
		}
	}
}

// WithInterRepetition sets the pause between repetitions.
func WithInterRepetition(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.interRepetition = d
		}
	}
}

// Request describes one run.
type Request struct {
	Variant     ident.Variant
	Repetitions int
	// Policy defaults to DefaultPolicy(Variant).
	Policy                   IDPolicy
	RerollBetweenRepetitions bool
	UserInfo                 string
	ResolverInfo             string
	Metadata                 map[string]string
	AutoTransmit             bool
}

// Orchestrator runs at most one run at a time.
type Orchestrator struct {
	delays          []string
	deps            Dependencies
	logger          log.Interface
	settle          time.Duration
	interRepetition time.Duration

	running    atomic.Bool
	state      atomic.Int32
	repetition atomic.Int32
}

// New builds an orchestrator over the configured delay classes.
func New(delays []string, deps Dependencies, opts ...Option) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IDs == nil {
		deps.IDs = ident.RandomID
	}
	if deps.RunIDs == nil {
		deps.RunIDs = randomRunID
	}
	o := &Orchestrator{
		delays:          append([]string(nil), delays...),
		deps:            deps,
		logger:          logging.OrDiscard(deps.Logger),
		settle:          DefaultSettle,
		interRepetition: DefaultInterRepetition,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State reports the current phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Repetition reports the zero based repetition being executed.
func (o *Orchestrator) Repetition() int {
	return int(o.repetition.Load())
}

// Delays returns the delay classes a variant would probe.
func (o *Orchestrator) Delays(v ident.Variant) []string {
	return delaysFor(v, o.delays)
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

func (o *Orchestrator) validate(req *Request, forRun bool) ([]string, error) {
	if _, err := ident.ParseVariant(string(req.Variant)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Repetitions <= 0 {
		return nil, fmt.Errorf("%w: repetitions must be positive, got %d", ErrInvalidRequest, req.Repetitions)
	}
	if req.Policy == "" {
		req.Policy = DefaultPolicy(req.Variant)
	}
	if _, err := ParsePolicy(string(req.Policy)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if forRun && req.Variant == ident.VariantDNS && req.ResolverInfo == "" {
		return nil, fmt.Errorf("%w: resolver info is required for %s", ErrConfigurationMissing, req.Variant)
	}
	delays := delaysFor(req.Variant, o.delays)
	if len(delays) == 0 {
		return nil, fmt.Errorf("%w: no delay classes for %s", ErrConfigurationMissing, req.Variant)
	}
	if o.deps.Prober == nil || (forRun && (o.deps.Bus == nil || o.deps.Store == nil)) {
		return nil, fmt.Errorf("%w: orchestrator is not wired", ErrConfigurationMissing)
	}
	return delays, nil
}

// Run executes a complete run and stores its result. Validation and preflight
// failures return before any probe is issued. Cancelling ctx aborts the run
// between probes without storing anything.
func (o *Orchestrator) Run(ctx context.Context, req Request) (types.RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return types.RunResult{}, ErrBusy
	}
	defer o.running.Store(false)
	defer o.setState(StateIdle)

	delays, err := o.validate(&req, true)
	if err != nil {
		return types.RunResult{}, err
	}
	variant := req.Variant
	logger := o.logger.WithFields(log.Fields{"variant": variant, "repetitions": req.Repetitions})

	if variant.NeedsPreflight() {
		o.setState(StatePreflight)
		if err := o.preflight(ctx); err != nil {
			o.observeRun(variant, "preflight_failed")
			logger.Warnf("%v", err)
			return types.RunResult{}, err
		}
	} else if o.deps.Health != nil {
		o.deps.Health.ObservePreflightNotRequired(o.deps.Now())
	}

	runCount := o.deps.Store.NextRunCount()
	started := o.deps.Now()
	ids := newAssigner(req.Policy, delays, o.deps.IDs)
	logger = logger.WithField("run_count", runCount)
	logger.Info("run started")

	results := make([]types.RepetitionResult, 0, req.Repetitions)
	for rep := 0; rep < req.Repetitions; rep++ {
		result, err := o.runRepetition(ctx, variant, rep, delays, ids)
		if err != nil {
			o.observeRun(variant, "aborted")
			logger.Warnf("run aborted in repetition %d: %v", rep+1, err)
			return types.RunResult{}, err
		}
		results = append(results, result)

		if rep+1 < req.Repetitions {
			if req.RerollBetweenRepetitions {
				ids.reroll()
			}
			logger.Debugf("sleeping %s between repetitions (%d of %d)", o.interRepetition, rep+1, req.Repetitions)
			if err := sleep(ctx, o.interRepetition); err != nil {
				o.observeRun(variant, "aborted")
				return types.RunResult{}, err
			}
		}
	}

	o.setState(StateFinalizing)
	run := types.RunResult{
		ID:                  o.deps.RunIDs(),
		RunCount:            runCount,
		TestName:            string(variant),
		SessionID:           o.deps.Store.ID(),
		TimestampStart:      types.MillisOf(started),
		TimestampEnd:        types.MillisOf(o.deps.Now()),
		UserAgent:           o.deps.UserAgent,
		Platform:            o.deps.Platform,
		DomainRandomization: req.Policy == PerProbeRandom || req.RerollBetweenRepetitions,
		RepetitionCount:     req.Repetitions,
		UserInfo:            req.UserInfo,
		ResolverInfo:        req.ResolverInfo,
		Metadata:            copyMetadata(req.Metadata),
		Results:             results,
	}
	if err := o.deps.Store.Store(ctx, run); err != nil {
		o.observeRun(variant, "store_failed")
		return types.RunResult{}, fmt.Errorf("store run: %w", err)
	}
	o.observeRun(variant, "completed")
	o.observeTimings(variant, run)
	logger.WithField("run_id", run.ID).Info("run completed")

	if req.AutoTransmit && o.deps.Transmitter != nil {
		if _, err := o.deps.Transmitter.Transmit(ctx, variant); err != nil {
			logger.Warnf("auto transmit: %v", err)
		}
	}
	return run, nil
}

func (o *Orchestrator) preflight(ctx context.Context) error {
	for _, family := range []int{4, 6} {
		addr, err := o.deps.Prober.Reachable(ctx, family)
		if err != nil {
			err = fmt.Errorf("%w: no IPv%d address available: %w", ErrPreflight, family, err)
			o.observePreflight(err)
			return err
		}
		o.logger.WithField("family", family).Debugf("reachable as %s", addr)
	}
	o.observePreflight(nil)
	return nil
}

func (o *Orchestrator) runRepetition(ctx context.Context, variant ident.Variant, rep int, delays []string, ids *assigner) (types.RepetitionResult, error) {
	o.setState(StateRunning)
	o.repetition.Store(int32(rep))
	started := o.deps.Now()

	// Transport events carry wall clock time, independent of deps.Now.
	sub := o.deps.Bus.Subscribe(telemetry.Options{
		Variant:    variant,
		BaseDomain: o.deps.Prober.BaseDomain(),
		Since:      time.Now(),
	})
	defer sub.Close()

	rtypes := variant.RecordTypes()
	outcomes := make([]probe.Outcome, 0, len(rtypes)*len(delays))
	for _, rtype := range rtypes {
		for _, delay := range delays {
			if err := ctx.Err(); err != nil {
				return types.RepetitionResult{}, err
			}
			id := ids.next(delay)
			var out probe.Outcome
			switch variant {
			case ident.VariantDualRecord:
				out = o.deps.Prober.IssueDualRecord(ctx, rep, delay, rtype, id)
			case ident.VariantDNS:
				out = o.deps.Prober.IssueDNS(ctx, rep, delay, id)
			default:
				out = o.deps.Prober.IssueIP(ctx, rep, delay, id)
			}
			outcomes = append(outcomes, out)
		}
	}

	o.setState(StateSettling)
	if err := sub.Drain(ctx, o.settle); err != nil {
		return types.RepetitionResult{}, err
	}
	sub.Close()

	return aggregate.Assemble(aggregate.Input{
		Variant:    variant,
		Repetition: rep,
		Delays:     delays,
		Outcomes:   outcomes,
		Harvest:    sub.Harvest(),
		StartedAt:  started,
		EndedAt:    o.deps.Now(),
	}), nil
}

// Plan computes the probes a run would issue without issuing any.
func (o *Orchestrator) Plan(variant ident.Variant, repetitions int, policy IDPolicy, reroll bool) (types.RunConfiguration, error) {
	req := Request{Variant: variant, Repetitions: repetitions, Policy: policy}
	delays, err := o.validate(&req, false)
	if err != nil {
		return types.RunConfiguration{}, err
	}
	base := o.deps.Prober.BaseDomain()
	ids := newAssigner(req.Policy, delays, o.deps.IDs)

	cfg := types.RunConfiguration{
		TestName:            string(variant),
		BaseDomain:          base,
		DomainRandomization: req.Policy == PerProbeRandom || reroll,
	}
	for rep := 0; rep < repetitions; rep++ {
		planned := types.PlannedRepetition{Repetition: rep}
		for _, rtype := range variant.RecordTypes() {
			for _, delay := range delays {
				id := ids.next(delay)
				desc := ident.Descriptor{Variant: variant, Delay: delay, RecordType: rtype, CorrelationID: id}
				planned.Probes = append(planned.Probes, types.PlannedProbe{
					Delay:     delay,
					DelayType: string(rtype),
					RunUID:    id,
					URL:       desc.Target(base),
				})
			}
		}
		cfg.Repetitions = append(cfg.Repetitions, planned)
		if reroll && rep+1 < repetitions {
			ids.reroll()
		}
	}
	return cfg, nil
}

func (o *Orchestrator) observeRun(variant ident.Variant, outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRun(string(variant), outcome)
	}
}

func (o *Orchestrator) observeTimings(variant ident.Variant, run types.RunResult) {
	if o.deps.Metrics == nil {
		return
	}
	for _, entry := range run.Entries() {
		if entry.ResponseTime != nil {
			o.deps.Metrics.ObserveResponseTime(string(variant), entry.Delay, *entry.ResponseTime)
		}
	}
}

func (o *Orchestrator) observePreflight(err error) {
	if o.deps.Health != nil {
		o.deps.Health.ObservePreflight(o.deps.Now(), err)
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func randomRunID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
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
