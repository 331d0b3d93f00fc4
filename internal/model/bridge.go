package model

// DriverSpec names one canonical variance driver and the metric that
// measures it. The registry's driver list fixes both membership and
// order for every bridge of a given target.
type DriverSpec struct {
	Key    string `json:"key" yaml:"key"`
	Label  string `json:"label" yaml:"label"`
	Metric string `json:"metric" yaml:"metric"`
}

// BridgeItem is one driver's contribution to a variance bridge. A
// driver with either period missing keeps its canonical position with a
// nil delta and does not advance the running total.
type BridgeItem struct {
	DriverKey     string    `json:"driver_key"`
	Label         string    `json:"label"`
	Delta         *float64  `json:"delta"`
	RunningTotal  *float64  `json:"running_total"`
	MissingInputs bool      `json:"missing_inputs"`
	Evidence      []FactRef `json:"evidence,omitempty"`
}

// Bridge decomposes the change in a target metric between two periods
// into ordered driver contributions. Reconciled is true only when both
// endpoints and every delta are present and the running total lands on
// the end value within the configured epsilon.
type Bridge struct {
	Target     string       `json:"target"`
	Entity     string       `json:"entity"`
	Scenario   string       `json:"scenario"`
	PeriodFrom string       `json:"period_from"`
	PeriodTo   string       `json:"period_to"`
	Start      *float64     `json:"start"`
	End        *float64     `json:"end"`
	Items      []BridgeItem `json:"items"`
	Reconciled bool         `json:"reconciled"`
}
