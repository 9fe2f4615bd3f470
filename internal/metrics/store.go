package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "he_webtester"

// Store owns the Prometheus collectors of one process. Each Store has its own
// registry so tests do not share state.
type Store struct {
	registry *prometheus.Registry

	probes           *prometheus.CounterVec
	probesInflight   prometheus.Gauge
	responseTime     *prometheus.SummaryVec
	telemetryEvents  *prometheus.CounterVec
	runs             *prometheus.CounterVec
	transmissions    *prometheus.CounterVec
	transmittedRuns  prometheus.Counter
	ready            prometheus.Gauge
	readyTransitions *prometheus.CounterVec

	inflight            atomic.Int64
	published           atomic.Uint64
	dropped             atomic.Uint64
	undecodable         atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readyCount          atomic.Uint64
	notReadyCount       atomic.Uint64
	transmitFailures    atomic.Uint64
	transmittedRunCount atomic.Uint64
}

func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.010,
		0.9:  0.010,
		0.99: 0.001,
	}
}

// NewStore registers all collectors on a fresh registry.
func NewStore() *Store {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	s := &Store{
		registry: reg,
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes issued, by variant and status token",
		}, []string{"variant", "status"}),
		probesInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes_inflight",
			Help:      "Probes currently outstanding",
		}),
		responseTime: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "probe_response_time_milliseconds",
			Help:       "Correlated probe durations",
			Objectives: summaryObjectives(),
		}, []string{"variant", "delay"}),
		telemetryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_total",
			Help:      "Timing events seen by the telemetry bus, by result",
		}, []string{"result"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs attempted, by variant and outcome",
		}, []string{"variant", "outcome"}),
		transmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmissions_total",
			Help:      "Result uploads, by outcome",
		}, []string{"outcome"}),
		transmittedRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmitted_runs_total",
			Help:      "Runs accepted by the collector",
		}),
		ready: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 when the agent is ready",
		}),
		readyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_transitions_total",
			Help:      "Readiness state changes",
		}, []string{"state"}),
	}
	s.readinessReason.Store("")
	s.readinessState.Store(-1)
	return s
}

// Registry exposes the underlying registry.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Store) ProbeStarted() {
	s.inflight.Add(1)
	s.probesInflight.Inc()
}

func (s *Store) ProbeFinished(variant, status string) {
	s.inflight.Add(-1)
	s.probesInflight.Dec()
	s.probes.WithLabelValues(variant, status).Inc()
}

func (s *Store) ObserveResponseTime(variant, delay string, ms float64) {
	s.responseTime.WithLabelValues(variant, delay).Observe(ms)
}

// EventPublished, EventDropped and DecodeFailed make Store usable as a
// telemetry observer.
func (s *Store) EventPublished() {
	s.published.Add(1)
	s.telemetryEvents.WithLabelValues("published").Inc()
}

func (s *Store) EventDropped() {
	s.dropped.Add(1)
	s.telemetryEvents.WithLabelValues("dropped").Inc()
}

func (s *Store) DecodeFailed() {
	s.undecodable.Add(1)
	s.telemetryEvents.WithLabelValues("undecodable").Inc()
}

// ObserveRun counts a run by its outcome label.
func (s *Store) ObserveRun(variant, outcome string) {
	s.runs.WithLabelValues(variant, outcome).Inc()
}

// ObserveTransmission counts one upload attempt of runCount runs.
func (s *Store) ObserveTransmission(runCount int, err error) {
	if err != nil {
		s.transmitFailures.Add(1)
		s.transmissions.WithLabelValues("failure").Inc()
		return
	}
	s.transmissions.WithLabelValues("success").Inc()
	s.transmittedRuns.Add(float64(runCount))
	s.transmittedRunCount.Add(uint64(runCount))
}

// ObserveReadiness records the current readiness state and counts changes.
func (s *Store) ObserveReadiness(ready bool, reason string) {
	state := int64(0)
	if ready {
		state = 1
	}
	prev := s.readinessState.Swap(state)
	s.readinessReason.Store(reason)
	s.ready.Set(float64(state))
	if prev == state {
		return
	}
	if ready {
		s.readyCount.Add(1)
		s.readyTransitions.WithLabelValues("ready").Inc()
	} else if prev != -1 {
		s.notReadyCount.Add(1)
		s.readyTransitions.WithLabelValues("not_ready").Inc()
	}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	ProbesInflight       int64
	EventsPublished      uint64
	EventsDropped        uint64
	EventsUndecodable    uint64
	Ready                bool
	ReadyReason          string
	ReadyTransitions     uint64
	NotReadyTransitions  uint64
	TransmissionFailures uint64
	TransmittedRunsTotal uint64
}

// Snapshot returns a point-in-time copy of the mirrored values.
func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	return Snapshot{
		ProbesInflight:       s.inflight.Load(),
		EventsPublished:      s.published.Load(),
		EventsDropped:        s.dropped.Load(),
		EventsUndecodable:    s.undecodable.Load(),
		Ready:                s.readinessState.Load() == 1,
		ReadyReason:          reason,
		ReadyTransitions:     s.readyCount.Load(),
		NotReadyTransitions:  s.notReadyCount.Load(),
		TransmissionFailures: s.transmitFailures.Load(),
		TransmittedRunsTotal: s.transmittedRunCount.Load(),
	}
}
