package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

type Recorder interface {
	Record(event types.ProbeEvent)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.ProbeEvent) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.ProbeEvent) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// Progress prints one status token per probe, starting a new line for every
// repetition.
type Progress struct {
	mu         sync.Mutex
	w          io.Writer
	repetition int
	started    bool
}

func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

func (p *Progress) Record(event types.ProbeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || event.Repetition != p.repetition {
		if p.started {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintf(p.w, "%s rep %d:", event.TestName, event.Repetition+1)
		p.started = true
		p.repetition = event.Repetition
	}
	label := event.Delay
	if event.DelayType != "" {
		label = event.DelayType + "/" + event.Delay
	}
	fmt.Fprintf(p.w, " %s=%s", label, event.Status)
}

// Finish terminates the current progress line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		fmt.Fprintln(p.w)
		p.started = false
	}
}

// Logged writes every probe event at debug level.
type Logged struct {
	Logger log.Interface
}

func (l Logged) Record(event types.ProbeEvent) {
	if l.Logger == nil {
		return
	}
	l.Logger.WithFields(log.Fields{
		"test":       event.TestName,
		"repetition": event.Repetition,
		"delay":      event.Delay,
		"delay_type": event.DelayType,
		"run_uid":    event.CorrelationID,
	}).Debugf("probe %s", event.Status)
}
