package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/happy-eyeballs/he-webtester/internal/metrics"
)

const defaultPreflightStale = 30 * time.Minute

const (
	categoryPreflightPending = "PREFLIGHT_PENDING"
	categoryPreflightStale   = "PREFLIGHT_STALE"
	categoryPreflightFailing = "PREFLIGHT_FAILING"
	categoryTransmitFailing  = "TRANSMIT_FAILING"
	categoryBacklog          = "BACKLOG_PRESSURE"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Reason is a categorized cause of not being ready.
type Reason struct {
	Category string
	Severity string
	Message  string
}

func (r Reason) String() string {
	return r.Message
}

// Checker evaluates readiness of a looping agent from its last preflight and
// transmission outcomes.
type Checker struct {
	metrics      *metrics.Store
	backlogLimit int
	staleAfter   time.Duration

	mu                sync.RWMutex
	lastPreflightOK   time.Time
	preflightErr      string
	lastPreflightErr  time.Time
	transmitErr       string
	untransmittedRuns int
}

// NewChecker constructs a checker bound to the metrics store. A backlogLimit of
// zero disables the untransmitted backlog condition.
func NewChecker(store *metrics.Store, backlogLimit int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultPreflightStale
	}
	return &Checker{
		metrics:      store,
		backlogLimit: backlogLimit,
		staleAfter:   staleAfter,
	}
}

// ObservePreflight records the outcome of a reachability preflight.
func (c *Checker) ObservePreflight(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.preflightErr = err.Error()
		c.lastPreflightErr = ts
		return
	}
	c.lastPreflightOK = ts
	c.preflightErr = ""
	c.lastPreflightErr = time.Time{}
}

// ObservePreflightNotRequired records that a run started without a
// reachability gate, which counts as a passed preflight.
func (c *Checker) ObservePreflightNotRequired(ts time.Time) {
	c.ObservePreflight(ts, nil)
}

// ObserveTransmission records the outcome of an upload and the remaining
// untransmitted run count.
func (c *Checker) ObserveTransmission(err error, untransmitted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untransmittedRuns = untransmitted
	if err != nil {
		c.transmitErr = err.Error()
		return
	}
	c.transmitErr = ""
}

// Ready evaluates all conditions and returns the overall state and the reasons
// for not being ready.
func (c *Checker) Ready(now time.Time) (bool, []Reason) {
	reasons := make([]Reason, 0, 4)
	add := func(category, severity, message string) {
		reasons = append(reasons, Reason{Category: category, Severity: severity, Message: message})
	}

	c.mu.RLock()
	lastOK := c.lastPreflightOK
	preflightErr := c.preflightErr
	lastErr := c.lastPreflightErr
	transmitErr := c.transmitErr
	backlog := c.untransmittedRuns
	c.mu.RUnlock()

	if lastOK.IsZero() && preflightErr == "" {
		add(categoryPreflightPending, severityInfo, "no preflight yet")
	} else if !lastOK.IsZero() && now.Sub(lastOK) > c.staleAfter {
		add(categoryPreflightStale, severityWarning, fmt.Sprintf("preflight stale (%s)", now.Sub(lastOK).Round(time.Second)))
	}
	if preflightErr != "" && now.Sub(lastErr) <= c.staleAfter {
		add(categoryPreflightFailing, severityCritical, fmt.Sprintf("preflight failing: %s", preflightErr))
	}
	if transmitErr != "" {
		add(categoryTransmitFailing, severityWarning, fmt.Sprintf("transmission failing: %s", transmitErr))
	}
	if c.backlogLimit > 0 && backlog >= c.backlogLimit {
		add(categoryBacklog, severityWarning, fmt.Sprintf("%d runs awaiting transmission", backlog))
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		messages := make([]string, len(reasons))
		for i, r := range reasons {
			messages[i] = r.Message
		}
		c.metrics.ObserveReadiness(ready, strings.Join(messages, "; "))
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
