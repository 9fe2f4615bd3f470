// Package aggregate joins probe outcomes with harvested timings into the
// entries of a repetition.
package aggregate

import (
	"time"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/probe"
	"github.com/happy-eyeballs/he-webtester/internal/telemetry"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// MissingID marks entries whose probe was never issued.
const MissingID = -1

// Input is everything known about one finished repetition.
type Input struct {
	Variant    ident.Variant
	Repetition int
	Delays     []string
	Outcomes   []probe.Outcome
	Harvest    telemetry.Harvest
	StartedAt  time.Time
	EndedAt    time.Time
}

type key struct {
	rtype ident.RecordType
	delay string
}

// Assemble builds one entry per record type and delay, ordered by record type
// (A before AAAA) then by delay order. Probes without an outcome become errored
// entries so every repetition has the same shape.
func Assemble(in Input) types.RepetitionResult {
	byKey := make(map[key]probe.Outcome, len(in.Outcomes))
	for _, out := range in.Outcomes {
		byKey[key{out.RecordType, out.Delay}] = out
	}

	rtypes := in.Variant.RecordTypes()
	entries := make([]types.DelayResult, 0, len(rtypes)*len(in.Delays))
	for _, rtype := range rtypes {
		for _, delay := range in.Delays {
			out, ok := byKey[key{rtype, delay}]
			if !ok {
				entries = append(entries, types.DelayResult{
					Delay:      delay,
					RunUID:     MissingID,
					DelayType:  string(rtype),
					Error:      true,
					Timestamp:  types.MillisOf(in.EndedAt),
					Repetition: in.Repetition,
				})
				continue
			}
			entries = append(entries, entry(in, out))
		}
	}

	return types.RepetitionResult{
		Repetition:     in.Repetition,
		TimestampStart: types.MillisOf(in.StartedAt),
		TimestampEnd:   types.MillisOf(in.EndedAt),
		Entries:        entries,
	}
}

func entry(in Input, out probe.Outcome) types.DelayResult {
	e := types.DelayResult{
		Delay:      out.Delay,
		RunUID:     out.CorrelationID,
		DelayType:  string(out.RecordType),
		Error:      out.Errored,
		Timestamp:  types.MillisOf(out.Timestamp),
		Repetition: in.Repetition,
	}
	if in.Variant == ident.VariantDNS {
		e.Result = out.Response
	} else if !out.Errored {
		v6 := out.Class == types.StatusV6
		e.IsV6 = &v6
	}
	if ms, ok := in.Harvest.Lookup(out.RecordType, out.CorrelationID); ok {
		e.ResponseTime = &ms
	}
	return e
}
