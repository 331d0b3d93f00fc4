package model

// MetricKind separates headline KPIs from derived ratios.
type MetricKind string

const (
	MetricKPI   MetricKind = "kpi"
	MetricRatio MetricKind = "ratio"
)

// RefKind says whether a definition input names a raw fact line item or
// another registered metric.
type RefKind string

const (
	RefFact   RefKind = "fact"
	RefMetric RefKind = "metric"
)

// InputRef is one declared input of a metric definition. Input order is
// part of the formula contract: compute functions and lineage both see
// inputs in declared order.
type InputRef struct {
	Kind RefKind `json:"kind"`
	Key  string  `json:"key"`
}

// FactInput declares an input resolved from the fact snapshot.
func FactInput(key string) InputRef { return InputRef{Kind: RefFact, Key: key} }

// MetricInput declares an input resolved from another metric.
func MetricInput(key string) InputRef { return InputRef{Kind: RefMetric, Key: key} }

// ComputeFunc combines resolved input values into a metric value.
// Inputs arrive in declared order; nil marks a missing input. A nil
// result marks the metric itself as not computable.
type ComputeFunc func(inputs []*float64) *float64

// Definition is one immutable, versioned metric formula. Definitions
// are registered once at startup and never mutated.
type Definition struct {
	Key            string
	FormulaVersion int
	Kind           MetricKind
	Label          string
	Inputs         []InputRef
	AllowPartial   bool
	Compute        ComputeFunc
}

// ComputedMetric is the result of evaluating a definition against one
// fact snapshot. Results are cached per snapshot; a cache hit returns
// the identical pointer.
type ComputedMetric struct {
	Key            string   `json:"key"`
	Entity         string   `json:"entity"`
	Period         string   `json:"period"`
	Scenario       string   `json:"scenario"`
	FormulaVersion int      `json:"formula_version"`
	Value          *float64 `json:"value"`
	Lineage        *Lineage `json:"lineage"`
	MissingInputs  bool     `json:"missing_inputs"`
	SnapshotID     string   `json:"snapshot_id"`
}
