package types

// RunConfiguration lists every probe a run would issue, without issuing any.
type RunConfiguration struct {
	TestName            string              `json:"testName"`
	BaseDomain          string              `json:"baseDomain"`
	DomainRandomization bool                `json:"domainRandomization"`
	Repetitions         []PlannedRepetition `json:"repetitions"`
}

type PlannedRepetition struct {
	Repetition int            `json:"repetition"`
	Probes     []PlannedProbe `json:"delayConfiguration"`
}

type PlannedProbe struct {
	Delay     string `json:"delay"`
	DelayType string `json:"rtype,omitempty"`
	RunUID    int    `json:"runUId"`
	URL       string `json:"url"`
}
