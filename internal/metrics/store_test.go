package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStoreExposesCounters(t *testing.T) {
	store := NewStore()
	store.ProbeStarted()
	store.ProbeFinished("ip-v1", "v6")
	store.ObserveResponseTime("ip-v1", "10", 12.5)
	store.EventPublished()
	store.EventDropped()
	store.DecodeFailed()
	store.ObserveRun("ip-v1", "completed")
	store.ObserveTransmission(3, nil)
	store.ObserveTransmission(1, errors.New("boom"))

	srv := httptest.NewServer(store.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`he_webtester_probes_total{status="v6",variant="ip-v1"} 1`,
		`he_webtester_probes_inflight 0`,
		`he_webtester_telemetry_events_total{result="dropped"} 1`,
		`he_webtester_runs_total{outcome="completed",variant="ip-v1"} 1`,
		`he_webtester_transmissions_total{outcome="failure"} 1`,
		`he_webtester_transmitted_runs_total 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in scrape output:\n%s", want, text)
		}
	}

	snap := store.Snapshot()
	if snap.EventsUndecodable != 1 || snap.TransmittedRunsTotal != 3 || snap.TransmissionFailures != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestObserveReadinessCountsTransitions(t *testing.T) {
	store := NewStore()
	store.ObserveReadiness(false, "no preflight yet")
	snap := store.Snapshot()
	if snap.Ready || snap.ReadyReason != "no preflight yet" || snap.NotReadyTransitions != 0 {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}

	store.ObserveReadiness(true, "")
	store.ObserveReadiness(true, "")
	store.ObserveReadiness(false, "preflight failing")
	snap = store.Snapshot()
	if snap.ReadyTransitions != 1 || snap.NotReadyTransitions != 1 {
		t.Fatalf("unexpected transitions %+v", snap)
	}
}
