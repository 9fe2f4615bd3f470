// Package summary condenses stored runs into per delay class statistics.
package summary

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/montanaflynn/stats"

	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// Row aggregates every entry sharing a delay class and record type.
type Row struct {
	Delay     string
	DelayType string
	Probes    int
	Errors    int
	V6        int
	V4        int
	// Timed counts entries carrying a response time; Median and P90 are in
	// milliseconds and zero when Timed is zero.
	Timed  int
	Median float64
	P90    float64
}

// V6Share is the fraction of classified probes that went over IPv6.
func (r Row) V6Share() float64 {
	classified := r.V6 + r.V4
	if classified == 0 {
		return 0
	}
	return float64(r.V6) / float64(classified)
}

type rowKey struct {
	delayType string
	delay     string
}

// Summarize groups all entries of runs. Rows are ordered by record type and
// then numerically by delay.
func Summarize(runs []types.RunResult) ([]Row, error) {
	rows := make(map[rowKey]*Row)
	times := make(map[rowKey]stats.Float64Data)
	for _, run := range runs {
		for _, entry := range run.Entries() {
			key := rowKey{delayType: entry.DelayType, delay: entry.Delay}
			row, ok := rows[key]
			if !ok {
				row = &Row{Delay: entry.Delay, DelayType: entry.DelayType}
				rows[key] = row
			}
			row.Probes++
			switch {
			case entry.Error:
				row.Errors++
			case entry.IsV6 != nil && *entry.IsV6:
				row.V6++
			case entry.IsV6 != nil:
				row.V4++
			}
			if entry.ResponseTime != nil {
				times[key] = append(times[key], *entry.ResponseTime)
			}
		}
	}

	out := make([]Row, 0, len(rows))
	for key, row := range rows {
		samples := times[key]
		if len(samples) > 0 {
			median, err := stats.Median(samples)
			if err != nil {
				return nil, fmt.Errorf("median for delay %s: %w", key.delay, err)
			}
			p90, err := stats.PercentileNearestRank(samples, 90)
			if err != nil && !errors.Is(err, stats.EmptyInputErr) {
				return nil, fmt.Errorf("p90 for delay %s: %w", key.delay, err)
			}
			row.Timed = len(samples)
			row.Median = median
			row.P90 = p90
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DelayType != out[j].DelayType {
			return out[i].DelayType < out[j].DelayType
		}
		return delayLess(out[i].Delay, out[j].Delay)
	})
	return out, nil
}

func delayLess(a, b string) bool {
	av, aerr := strconv.Atoi(a)
	bv, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return av < bv
	}
	if aerr == nil || berr == nil {
		return aerr == nil
	}
	return a < b
}

// Write renders rows as an aligned text table.
func Write(w io.Writer, rows []Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tDELAY\tPROBES\tERRORS\tV6\tV4\tV6 SHARE\tMEDIAN MS\tP90 MS")
	for _, r := range rows {
		rtype := r.DelayType
		if rtype == "" {
			rtype = "-"
		}
		median, p90 := "-", "-"
		if r.Timed > 0 {
			median = strconv.FormatFloat(r.Median, 'f', 2, 64)
			p90 = strconv.FormatFloat(r.P90, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.0f%%\t%s\t%s\n",
			rtype, r.Delay, r.Probes, r.Errors, r.V6, r.V4, r.V6Share()*100, median, p90)
	}
	return tw.Flush()
}
