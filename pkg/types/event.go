package types

import "time"

// StatusToken is the live status shown for one probe.
type StatusToken string

const (
	StatusV4  StatusToken = "v4"
	StatusV6  StatusToken = "v6"
	StatusErr StatusToken = "err"
	// StatusDNS is emitted for a completed resolver probe. It sits outside
	// the v4/v6/err classification: the probe only triggers the resolver
	// race and its answer is kept unclassified in the result.
	StatusDNS StatusToken = "dns"
)

// ProbeEvent reports the outcome of a probe as soon as it is known.
type ProbeEvent struct {
	TestName      string      `json:"testName"`
	Repetition    int         `json:"repetition"`
	Delay         string      `json:"delay"`
	DelayType     string      `json:"delayType,omitempty"`
	CorrelationID int         `json:"runUId"`
	Status        StatusToken `json:"status"`
	Timestamp     time.Time   `json:"ts"`
}
