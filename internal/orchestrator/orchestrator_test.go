package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/probe"
	"github.com/happy-eyeballs/he-webtester/internal/probe/probetest"
	"github.com/happy-eyeballs/he-webtester/internal/session"
	"github.com/happy-eyeballs/he-webtester/internal/telemetry"
	"github.com/happy-eyeballs/he-webtester/internal/transmit"
	"github.com/happy-eyeballs/he-webtester/internal/uplink"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const testDomain = "he.example.org"

type harness struct {
	srv     *probetest.Server
	session *session.Session
	orch    *Orchestrator
}

func sequence(start int) func() int {
	var mu sync.Mutex
	next := start
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	}
}

func newHarness(t *testing.T, delays []string, respond probetest.Responder, wire func(*Dependencies), opts ...Option) *harness {
	t.Helper()
	srv := probetest.New(t, respond)
	bus := telemetry.NewBus()
	client := &http.Client{Transport: telemetry.NewTripper(srv.Transport(), bus)}
	dispatcher := probe.NewDispatcher(testDomain, probe.Dependencies{HTTPClient: client}, probe.WithDualPause(0))
	sess := session.New()
	deps := Dependencies{
		Prober: dispatcher,
		Bus:    bus,
		Store:  sess,
		IDs:    sequence(100),
	}
	if wire != nil {
		wire(&deps)
	}
	opts = append([]Option{WithSettle(20 * time.Millisecond), WithInterRepetition(5 * time.Millisecond)}, opts...)
	return &harness{srv: srv, session: sess, orch: New(delays, deps, opts...)}
}

func pingHosts(h *harness) []string {
	var out []string
	for _, host := range h.srv.Hosts() {
		if !strings.Contains(host, "-only.") {
			out = append(out, strings.TrimSuffix(host, "."+testDomain))
		}
	}
	return out
}

func dualStack(v4Delay string) probetest.Responder {
	return probetest.Reachability(func(r *http.Request) (int, string) {
		if strings.Contains(r.Host, ".delay-"+v4Delay+".") {
			return http.StatusOK, "192.0.2.1"
		}
		return http.StatusOK, "::1"
	})
}

func TestRunEndToEndPerDelayFixed(t *testing.T) {
	var uploads [][]types.RunResult
	var mu sync.Mutex
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/results" {
			t.Errorf("unexpected upload path %s", r.URL.Path)
		}
		var runs []types.RunResult
		if err := json.NewDecoder(r.Body).Decode(&runs); err != nil {
			t.Errorf("decode upload: %v", err)
		}
		mu.Lock()
		uploads = append(uploads, runs)
		mu.Unlock()
	}))
	defer collector.Close()

	h := newHarness(t, []string{"10", "50", "100"}, dualStack("100"), func(deps *Dependencies) {
		client, err := uplink.NewClient(uplink.Config{CollectorURL: collector.URL}, uplink.Dependencies{HTTPClient: collector.Client()})
		if err != nil {
			t.Fatalf("uplink: %v", err)
		}
		deps.Transmitter = transmit.New(deps.Store.(*session.Session), client)
		deps.RunIDs = func() uint32 { return 4242 }
		deps.UserAgent = "he-webtester-test"
	})

	run, err := h.orch.Run(context.Background(), Request{
		Variant:      ident.VariantIP,
		Repetitions:  2,
		Policy:       PerDelayFixed,
		UserInfo:     "lab",
		AutoTransmit: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if run.ID != 4242 || run.RunCount != 1 || run.TestName != "ip-v1" || run.RepetitionCount != 2 {
		t.Fatalf("unexpected run header %+v", run)
	}
	if run.DomainRandomization {
		t.Fatalf("per-delay-fixed runs are not randomized")
	}
	if len(run.Results) != 2 {
		t.Fatalf("expected two repetitions, got %d", len(run.Results))
	}
	for rep, result := range run.Results {
		if result.Repetition != rep || len(result.Entries) != 3 {
			t.Fatalf("unexpected repetition %d: %+v", rep, result)
		}
		var got []string
		for i, entry := range result.Entries {
			got = append(got, entry.Delay)
			if entry.RunUID != 101+i {
				t.Fatalf("rep %d delay %s: expected fixed id %d, got %d", rep, entry.Delay, 101+i, entry.RunUID)
			}
			if entry.Error || entry.IsV6 == nil {
				t.Fatalf("unexpected errored entry %+v", entry)
			}
			if *entry.IsV6 != (entry.Delay != "100") {
				t.Fatalf("unexpected classification for %s: %v", entry.Delay, *entry.IsV6)
			}
			if entry.ResponseTime == nil {
				t.Fatalf("expected correlated timing for delay %s in rep %d", entry.Delay, rep)
			}
			if entry.Repetition != rep {
				t.Fatalf("entry carries wrong repetition %+v", entry)
			}
		}
		if diff := cmp.Diff([]string{"10", "50", "100"}, got); diff != "" {
			t.Fatalf("unexpected delay order (-want +got):\n%s", diff)
		}
	}

	hosts := h.srv.Hosts()
	if len(hosts) != 8 || !strings.HasPrefix(hosts[0], "ipv4-only.") || !strings.HasPrefix(hosts[1], "ipv6-only.") {
		t.Fatalf("expected preflight then six probes, got %v", hosts)
	}
	wantHosts := []string{
		"id-101.delay-10.v1", "id-102.delay-50.v1", "id-103.delay-100.v1",
		"id-101.delay-10.v1", "id-102.delay-50.v1", "id-103.delay-100.v1",
	}
	if diff := cmp.Diff(wantHosts, pingHosts(h)); diff != "" {
		t.Fatalf("unexpected probe sequence (-want +got):\n%s", diff)
	}

	if stored := h.session.Runs(); len(stored) != 1 || stored[0].ID != 4242 {
		t.Fatalf("run not stored: %+v", stored)
	}
	if !h.session.IsTransmitted(4242) {
		t.Fatalf("auto transmit did not mark the run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(uploads) != 1 || len(uploads[0]) != 1 || uploads[0][0].ID != 4242 {
		t.Fatalf("unexpected uploads %+v", uploads)
	}
	if h.orch.State() != StateIdle {
		t.Fatalf("expected idle after run, got %s", h.orch.State())
	}
}

type healthRecorder struct {
	errs    []error
	skipped int
}

func (h *healthRecorder) ObservePreflight(ts time.Time, err error) {
	h.errs = append(h.errs, err)
}

func (h *healthRecorder) ObservePreflightNotRequired(ts time.Time) {
	h.skipped++
}

func TestRunAbortsOnPreflightFailure(t *testing.T) {
	health := &healthRecorder{}
	h := newHarness(t, []string{"10"}, func(r *http.Request) (int, string) {
		if strings.HasPrefix(r.Host, "ipv6-only.") {
			return http.StatusBadGateway, ""
		}
		return http.StatusOK, "192.0.2.1"
	}, func(deps *Dependencies) { deps.Health = health })

	_, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantDualRecord, Repetitions: 1})
	if !errors.Is(err, ErrPreflight) {
		t.Fatalf("expected ErrPreflight, got %v", err)
	}
	if !strings.Contains(err.Error(), "IPv6") {
		t.Fatalf("expected the failing family in %q", err)
	}
	if len(pingHosts(h)) != 0 {
		t.Fatalf("no probe may be issued after a failed preflight: %v", pingHosts(h))
	}
	if len(h.session.Runs()) != 0 {
		t.Fatalf("no run may be stored after a failed preflight")
	}
	if len(health.errs) != 1 || health.errs[0] == nil {
		t.Fatalf("expected a failed preflight to be reported, got %v", health.errs)
	}
}

func TestRunDNSRequiresResolverInfo(t *testing.T) {
	h := newHarness(t, []string{"0", "10", "50"}, dualStack(""), nil)
	_, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantDNS, Repetitions: 1})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	if len(h.srv.Hosts()) != 0 {
		t.Fatalf("no request may be issued without resolver info")
	}
}

func TestRunDNSTrimsDelaysAndSharesID(t *testing.T) {
	h := newHarness(t, []string{"0", "10", "50", "100", "200"}, func(r *http.Request) (int, string) {
		return http.StatusOK, "resolved"
	}, nil)

	run, err := h.orch.Run(context.Background(), Request{
		Variant:                  ident.VariantDNS,
		Repetitions:              2,
		ResolverInfo:             "192.0.2.53",
		RerollBetweenRepetitions: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"id-101.dns-delay-0.v1-rdns", "id-101.dns-delay-10.v1-rdns", "id-101.dns-delay-50.v1-rdns",
		"id-102.dns-delay-0.v1-rdns", "id-102.dns-delay-10.v1-rdns", "id-102.dns-delay-50.v1-rdns",
	}
	if diff := cmp.Diff(want, pingHosts(h)); diff != "" {
		t.Fatalf("unexpected dns probes (-want +got):\n%s", diff)
	}
	if run.ResolverInfo != "192.0.2.53" || !run.DomainRandomization {
		t.Fatalf("unexpected run header %+v", run)
	}
	entry := run.Results[0].Entries[0]
	if entry.Result == nil || *entry.Result != "resolved" || entry.IsV6 != nil {
		t.Fatalf("unexpected dns entry %+v", entry)
	}

	// One id per repetition means the telemetry cannot tell the delays
	// apart: every entry of a repetition carries the same duration.
	first := run.Results[0].Entries
	for _, e := range first {
		if e.ResponseTime == nil || *e.ResponseTime != *first[0].ResponseTime {
			t.Fatalf("expected collapsed timings within a shared-id repetition: %+v", first)
		}
	}
}

func TestRunDNSReportsSkippedPreflight(t *testing.T) {
	health := &healthRecorder{}
	h := newHarness(t, []string{"0", "10", "50"}, func(r *http.Request) (int, string) {
		return http.StatusOK, "resolved"
	}, func(deps *Dependencies) { deps.Health = health })

	if _, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantDNS, Repetitions: 1, ResolverInfo: "192.0.2.53"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if health.skipped != 1 || len(health.errs) != 0 {
		t.Fatalf("expected one skipped preflight and no preflight outcome, got %d and %v", health.skipped, health.errs)
	}
}

func TestRunCompletesWithoutTelemetry(t *testing.T) {
	srv := probetest.New(t, probetest.Reachability(func(r *http.Request) (int, string) {
		if strings.Contains(r.Host, ".delay-50.") {
			return http.StatusInternalServerError, ""
		}
		return http.StatusOK, "::1"
	}))
	// The bus never receives an event because the client bypasses the tripper.
	client := &http.Client{Transport: srv.Transport()}
	dispatcher := probe.NewDispatcher(testDomain, probe.Dependencies{HTTPClient: client}, probe.WithDualPause(0))
	sess := session.New()
	orch := New([]string{"10", "50", "100"}, Dependencies{
		Prober: dispatcher,
		Bus:    telemetry.NewBus(),
		Store:  sess,
		IDs:    sequence(300),
	}, WithSettle(20*time.Millisecond), WithInterRepetition(5*time.Millisecond))

	run, err := orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 2, Policy: PerDelayFixed})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Results) != 2 {
		t.Fatalf("expected 2 repetitions, got %d", len(run.Results))
	}
	for rep, result := range run.Results {
		var delays []string
		for _, e := range result.Entries {
			delays = append(delays, e.Delay)
			if e.ResponseTime != nil {
				t.Fatalf("repetition %d: unexpected response time on %+v", rep, e)
			}
			if e.Delay == "50" {
				if !e.Error || e.IsV6 != nil {
					t.Fatalf("repetition %d: expected unclassified error entry, got %+v", rep, e)
				}
				continue
			}
			if e.Error || e.IsV6 == nil || !*e.IsV6 {
				t.Fatalf("repetition %d: expected IPv6 entry, got %+v", rep, e)
			}
		}
		if diff := cmp.Diff([]string{"10", "50", "100"}, delays); diff != "" {
			t.Fatalf("repetition %d: unexpected entries (-want +got):\n%s", rep, diff)
		}
	}
	if len(sess.Runs()) != 1 {
		t.Fatalf("expected the run to be stored, got %d", len(sess.Runs()))
	}
}

func TestRunDualRecordOrder(t *testing.T) {
	h := newHarness(t, []string{"0", "100"}, dualStack(""), nil)
	run, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantDualRecord, Repetitions: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"v2delay_a-101_0.v2", "v2delay_a-102_100.v2",
		"v2delay_aaaa-101_0.v2", "v2delay_aaaa-102_100.v2",
	}
	if diff := cmp.Diff(want, pingHosts(h)); diff != "" {
		t.Fatalf("unexpected dual record probes (-want +got):\n%s", diff)
	}
	entries := run.Results[0].Entries
	if len(entries) != 4 || entries[0].DelayType != "a" || entries[3].DelayType != "aaaa" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	for _, e := range entries {
		if e.ResponseTime == nil {
			t.Fatalf("expected timing for %s/%s", e.DelayType, e.Delay)
		}
	}
}

func TestRunPerProbeRandomDrawsFreshIDs(t *testing.T) {
	h := newHarness(t, []string{"10", "50"}, dualStack(""), nil)
	run, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 2, Policy: PerProbeRandom})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seen := map[int]bool{}
	for _, e := range run.Entries() {
		if seen[e.RunUID] {
			t.Fatalf("id %d reused", e.RunUID)
		}
		seen[e.RunUID] = true
	}
	if !run.DomainRandomization {
		t.Fatalf("expected randomized run")
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, []string{"10"}, dualStack(""), nil)
	if _, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 0}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for zero repetitions, got %v", err)
	}
	if _, err := h.orch.Run(context.Background(), Request{Variant: "ip-v9", Repetitions: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown variant, got %v", err)
	}
	if _, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 1, Policy: "sticky"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown policy, got %v", err)
	}
}

func TestRunIsNotReentrant(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, []string{"10"}, probetest.Reachability(func(r *http.Request) (int, string) {
		<-release
		return http.StatusOK, "::1"
	}), nil)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 1})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.orch.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("run never reached the running state")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.orch.Run(context.Background(), Request{Variant: ident.VariantIP, Repetitions: 1}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunCancellationStoresNothing(t *testing.T) {
	h := newHarness(t, []string{"10"}, dualStack(""), nil, WithInterRepetition(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := h.orch.Run(ctx, Request{Variant: ident.VariantIP, Repetitions: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(h.session.Runs()) != 0 {
		t.Fatalf("aborted runs must not be stored")
	}
}

func TestPlan(t *testing.T) {
	h := newHarness(t, []string{"10", "50"}, dualStack(""), nil)

	cfg, err := h.orch.Plan(ident.VariantIP, 2, PerDelayFixed, false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.TestName != "ip-v1" || cfg.BaseDomain != testDomain || len(cfg.Repetitions) != 2 {
		t.Fatalf("unexpected plan %+v", cfg)
	}
	if diff := cmp.Diff(cfg.Repetitions[0].Probes, cfg.Repetitions[1].Probes); diff != "" {
		t.Fatalf("fixed ids must repeat across repetitions (-first +second):\n%s", diff)
	}
	if got := cfg.Repetitions[0].Probes[1].URL; got != "https://id-102.delay-50.v1."+testDomain+":443/ping" {
		t.Fatalf("unexpected planned url %q", got)
	}

	dual, err := h.orch.Plan(ident.VariantDualRecord, 1, PerProbeRandom, false)
	if err != nil {
		t.Fatalf("Plan dual: %v", err)
	}
	if n := len(dual.Repetitions[0].Probes); n != 4 {
		t.Fatalf("expected four dual record probes, got %d", n)
	}
	if dual.Repetitions[0].Probes[2].DelayType != "aaaa" {
		t.Fatalf("unexpected dual record plan order %+v", dual.Repetitions[0].Probes)
	}

	// Both configured delays are trimmed for the dns variant.
	if _, err := h.orch.Plan(ident.VariantDNS, 1, "", false); !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	if len(h.srv.Hosts()) != 0 {
		t.Fatalf("planning must not issue requests")
	}
}

func TestDelaysForTrimsHighest(t *testing.T) {
	got := delaysFor(ident.VariantDNS, []string{"100", "0", "250", "50"})
	if diff := cmp.Diff([]string{"0", "50"}, got); diff != "" {
		t.Fatalf("unexpected trimmed delays (-want +got):\n%s", diff)
	}
	if got := delaysFor(ident.VariantIP, []string{"0", "50"}); len(got) != 2 {
		t.Fatalf("ip variants keep every delay, got %v", got)
	}
}
