package orchestrator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
)

// IDPolicy decides how correlation ids are assigned to probes.
type IDPolicy string

const (
	// PerDelayFixed draws one id per delay class at run start and reuses it in
	// every repetition. Dual-record probes of the same delay share the id.
	PerDelayFixed IDPolicy = "per-delay-fixed"
	// PerProbeRandom draws a fresh id for every probe.
	PerProbeRandom IDPolicy = "per-probe-random"
	// PerRun uses a single id for every probe of a repetition.
	PerRun IDPolicy = "per-run"
)

// ParsePolicy validates a policy name. Empty selects the variant default.
func ParsePolicy(value string) (IDPolicy, error) {
	switch p := IDPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "", PerDelayFixed, PerProbeRandom, PerRun:
		return p, nil
	default:
		return "", fmt.Errorf("unknown id policy %q", value)
	}
}

// DefaultPolicy is the policy the web tests use for a variant.
func DefaultPolicy(v ident.Variant) IDPolicy {
	if v == ident.VariantDNS {
		return PerRun
	}
	return PerDelayFixed
}

// PolicyFor maps the randomize switch of the web tests to a policy.
func PolicyFor(v ident.Variant, randomize bool) IDPolicy {
	if v == ident.VariantDNS {
		return PerRun
	}
	if randomize {
		return PerProbeRandom
	}
	return PerDelayFixed
}

type assigner struct {
	policy  IDPolicy
	draw    func() int
	delays  []string
	byDelay map[string]int
	run     int
}

func newAssigner(policy IDPolicy, delays []string, draw func() int) *assigner {
	a := &assigner{policy: policy, draw: draw, delays: delays}
	a.reroll()
	return a
}

func (a *assigner) reroll() {
	switch a.policy {
	case PerDelayFixed:
		a.byDelay = make(map[string]int, len(a.delays))
		for _, delay := range a.delays {
			a.byDelay[delay] = a.draw()
		}
	case PerRun:
		a.run = a.draw()
	}
}

func (a *assigner) next(delay string) int {
	switch a.policy {
	case PerDelayFixed:
		return a.byDelay[delay]
	case PerRun:
		return a.run
	default:
		return a.draw()
	}
}

// delaysFor returns the delay classes a variant probes, in configured order.
// Variants that trim drop their highest classes.
func delaysFor(v ident.Variant, configured []string) []string {
	out := append([]string(nil), configured...)
	for trim := v.TrimmedDelays(); trim > 0 && len(out) > 0; trim-- {
		highest := len(out) - 1
		highestValue := math.Inf(-1)
		for i, delay := range out {
			value, err := strconv.ParseFloat(strings.TrimSpace(delay), 64)
			if err != nil {
				continue
			}
			if value >= highestValue {
				highest, highestValue = i, value
			}
		}
		out = append(out[:highest], out[highest+1:]...)
	}
	return out
}
