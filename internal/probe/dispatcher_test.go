package probe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/probe/probetest"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const testDomain = "he.example.org"

type captureRecorder struct {
	mu     sync.Mutex
	events []types.ProbeEvent
}

func (c *captureRecorder) Record(event types.ProbeEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func newDispatcher(t *testing.T, respond probetest.Responder, opts ...Option) (*Dispatcher, *probetest.Server, *captureRecorder) {
	t.Helper()
	srv := probetest.New(t, respond)
	rec := &captureRecorder{}
	d := NewDispatcher(testDomain, Dependencies{
		HTTPClient: &http.Client{Transport: srv.Transport()},
		Recorder:   rec,
	}, opts...)
	return d, srv, rec
}

func TestClassificationHeuristic(t *testing.T) {
	bodies := map[string]string{"10": "::1", "50": "192.0.2.1"}
	d, srv, rec := newDispatcher(t, func(r *http.Request) (int, string) {
		for delay, body := range bodies {
			if strings.Contains(r.Host, ".delay-"+delay+".") {
				return http.StatusOK, body
			}
		}
		return http.StatusInternalServerError, "boom"
	})

	if got := d.IssueIP(context.Background(), 0, "10", 1); got.Class != types.StatusV6 || got.Errored {
		t.Fatalf("expected v6, got %+v", got)
	}
	if got := d.IssueIP(context.Background(), 0, "50", 2); got.Class != types.StatusV4 || got.Errored {
		t.Fatalf("expected v4, got %+v", got)
	}
	failed := d.IssueIP(context.Background(), 0, "100", 3)
	if failed.Class != types.StatusErr || !failed.Errored || failed.Err == nil {
		t.Fatalf("expected error outcome, got %+v", failed)
	}

	reqs := srv.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected three requests, got %d", len(reqs))
	}
	for _, r := range reqs {
		if r.Header.Get("Cache-Control") != "no-store" || r.Header.Get("Pragma") != "no-cache" {
			t.Fatalf("missing cache bypass headers: %v", r.Header)
		}
		if r.URL.Path != "/ping" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	}
	if hosts := srv.Hosts(); hosts[0] != "id-1.delay-10.v1."+testDomain {
		t.Fatalf("unexpected host %q", hosts[0])
	}

	if len(rec.events) != 3 || rec.events[2].Status != types.StatusErr || rec.events[0].TestName != "ip-v1" {
		t.Fatalf("unexpected recorded events %+v", rec.events)
	}
}

func TestTransportFailureIsAbsorbed(t *testing.T) {
	d := NewDispatcher(testDomain, Dependencies{
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})},
	})
	out := d.IssueIP(context.Background(), 0, "10", 9)
	if !out.Errored || out.Class != types.StatusErr {
		t.Fatalf("expected errored outcome, got %+v", out)
	}
	if out.CorrelationID != 9 || out.Delay != "10" {
		t.Fatalf("outcome lost identity: %+v", out)
	}
}

func TestIssueDNSKeepsRawPayload(t *testing.T) {
	d, srv, rec := newDispatcher(t, func(r *http.Request) (int, string) {
		if strings.Contains(r.Host, "dns-delay-500") {
			return http.StatusNotFound, ""
		}
		return http.StatusOK, "resolver 198.51.100.7"
	})

	ok := d.IssueDNS(context.Background(), 1, "100", 4)
	if ok.Errored || ok.Response == nil || *ok.Response != "resolver 198.51.100.7" || ok.Class != types.StatusDNS {
		t.Fatalf("unexpected dns outcome %+v", ok)
	}
	bad := d.IssueDNS(context.Background(), 1, "500", 4)
	if !bad.Errored || bad.Response != nil || bad.Class != types.StatusErr {
		t.Fatalf("expected errored outcome without payload, got %+v", bad)
	}
	if rec.events[0].Status != types.StatusDNS || rec.events[1].Status != types.StatusErr {
		t.Fatalf("unexpected dns status tokens %q and %q", rec.events[0].Status, rec.events[1].Status)
	}
	if hosts := srv.Hosts(); hosts[0] != "id-4.dns-delay-100.v1-rdns."+testDomain {
		t.Fatalf("unexpected dns host %q", hosts[0])
	}
	if rec.events[0].Repetition != 1 || rec.events[0].TestName != "dns-v1" {
		t.Fatalf("unexpected dns event %+v", rec.events[0])
	}

	refused := NewDispatcher(testDomain, Dependencies{
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("no such host")
		})},
	})
	out := refused.IssueDNS(context.Background(), 0, "10", 1)
	if !out.Errored || out.Response == nil || !strings.Contains(*out.Response, "no such host") {
		t.Fatalf("expected transport error text as payload, got %+v", out)
	}
}

func TestIssueDualRecordPauses(t *testing.T) {
	d, srv, _ := newDispatcher(t, func(*http.Request) (int, string) {
		return http.StatusOK, "2001:db8::5"
	}, WithDualPause(30*time.Millisecond))

	start := time.Now()
	out := d.IssueDualRecord(context.Background(), 0, "25", ident.RecordAAAA, 11)
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected pause after dual record probe")
	}
	if out.Class != types.StatusV6 || out.RecordType != ident.RecordAAAA {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if hosts := srv.Hosts(); hosts[0] != "v2delay_aaaa-11_25.v2."+testDomain {
		t.Fatalf("unexpected host %q", hosts[0])
	}
}

func TestProbesAreIssuedSequentially(t *testing.T) {
	d, _, _ := newDispatcher(t, func(*http.Request) (int, string) {
		time.Sleep(10 * time.Millisecond)
		return http.StatusOK, "192.0.2.1"
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.IssueIP(context.Background(), 0, "10", id)
		}(i)
	}
	wg.Wait()
	if d.MaxInFlight() != 1 {
		t.Fatalf("expected at most one outstanding probe, saw %d", d.MaxInFlight())
	}
	if d.InFlight() != 0 {
		t.Fatalf("expected no outstanding probes, got %d", d.InFlight())
	}
}

func TestReachable(t *testing.T) {
	d, _, _ := newDispatcher(t, probetest.Reachability(func(*http.Request) (int, string) {
		return http.StatusNotFound, ""
	}))
	addr, err := d.Reachable(context.Background(), 6)
	if err != nil || addr != "2001:db8::1" {
		t.Fatalf("Reachable(6) = %q, %v", addr, err)
	}

	down, _, _ := newDispatcher(t, func(r *http.Request) (int, string) {
		return http.StatusBadGateway, ""
	})
	if _, err := down.Reachable(context.Background(), 4); err == nil || !strings.Contains(err.Error(), "ipv4") {
		t.Fatalf("expected ipv4 reachability error, got %v", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	d, _, _ := newDispatcher(t, func(*http.Request) (int, string) {
		time.Sleep(200 * time.Millisecond)
		return http.StatusOK, "::1"
	}, WithTimeout(20*time.Millisecond))
	out := d.IssueIP(context.Background(), 0, "10", 1)
	if !out.Errored {
		t.Fatalf("expected timeout to mark the probe errored, got %+v", out)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
