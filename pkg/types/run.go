package types

import "time"

// Millis is a wall-clock instant encoded as unix milliseconds on the wire.
type Millis int64

// MillisOf converts t to unix milliseconds.
func MillisOf(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// Time returns the instant as a UTC time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// RunResult is the record of one completed run. It is stored once and never
// mutated afterwards.
type RunResult struct {
	ID                  uint32             `json:"id" yaml:"id"`
	RunCount            int                `json:"runCount" yaml:"run_count"`
	TestName            string             `json:"testName" yaml:"test_name"`
	SessionID           string             `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	TimestampStart      Millis             `json:"timestampStart" yaml:"timestamp_start"`
	TimestampEnd        Millis             `json:"timestampEnd" yaml:"timestamp_end"`
	UserAgent           string             `json:"userAgent,omitempty" yaml:"user_agent,omitempty"`
	Platform            string             `json:"platform,omitempty" yaml:"platform,omitempty"`
	DomainRandomization bool               `json:"domainRandomization" yaml:"domain_randomization"`
	RepetitionCount     int                `json:"repetitions" yaml:"repetitions"`
	UserInfo            string             `json:"userInfo,omitempty" yaml:"user_info,omitempty"`
	ResolverInfo        string             `json:"resolverInfo,omitempty" yaml:"resolver_info,omitempty"`
	Metadata            map[string]string  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Results             []RepetitionResult `json:"repetitionResults" yaml:"repetition_results"`
}

// Entries flattens the per-repetition entries in repetition order.
func (r RunResult) Entries() []DelayResult {
	var out []DelayResult
	for _, rep := range r.Results {
		out = append(out, rep.Entries...)
	}
	return out
}

// RepetitionResult groups the entries of one pass over all delay classes.
type RepetitionResult struct {
	Repetition     int           `json:"repetition" yaml:"repetition"`
	TimestampStart Millis        `json:"timestampStart" yaml:"timestamp_start"`
	TimestampEnd   Millis        `json:"timestampEnd" yaml:"timestamp_end"`
	Entries        []DelayResult `json:"delayResults" yaml:"delay_results"`
}

// DelayResult is the joined outcome and timing of a single probe.
type DelayResult struct {
	Delay        string   `json:"delay" yaml:"delay"`
	RunUID       int      `json:"runUId" yaml:"run_uid"`
	DelayType    string   `json:"delayType,omitempty" yaml:"delay_type,omitempty"`
	IsV6         *bool    `json:"isV6,omitempty" yaml:"is_v6,omitempty"`
	Error        bool     `json:"error" yaml:"error"`
	Timestamp    Millis   `json:"timestamp" yaml:"timestamp"`
	Repetition   int      `json:"repetition" yaml:"repetition"`
	Result       *string  `json:"result,omitempty" yaml:"result,omitempty"`
	ResponseTime *float64 `json:"responseTime,omitempty" yaml:"response_time,omitempty"`
}
