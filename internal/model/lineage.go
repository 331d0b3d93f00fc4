package model

// LineageKind discriminates the three lineage node shapes.
type LineageKind string

const (
	LineagePrimary   LineageKind = "primary"
	LineageComposite LineageKind = "composite"
	LineageMissing   LineageKind = "missing"
)

// Lineage records where a computed value came from. Exactly one shape
// is populated per Kind: a primary node carries the source cell, a
// composite node carries child nodes aligned with the definition's
// declared inputs, and a missing node stands in for an input that was
// absent from the snapshot.
type Lineage struct {
	Kind   LineageKind `json:"kind"`
	Key    string      `json:"key"`
	Source *FactRef    `json:"source,omitempty"`
	Inputs []*Lineage  `json:"inputs,omitempty"`
}

// PrimaryLineage builds a node pointing at a single source cell.
func PrimaryLineage(key string, ref FactRef) *Lineage {
	return &Lineage{Kind: LineagePrimary, Key: key, Source: &ref}
}

// CompositeLineage builds a node whose children align positionally with
// the declared inputs.
func CompositeLineage(key string, inputs []*Lineage) *Lineage {
	return &Lineage{Kind: LineageComposite, Key: key, Inputs: inputs}
}

// MissingLineage builds a placeholder node for an absent input.
func MissingLineage(key string) *Lineage {
	return &Lineage{Kind: LineageMissing, Key: key}
}

// EvidenceView is the flattened provenance shape served to clients.
// A primary view carries one source cell; a composite view carries
// child views aligned with declared inputs, with nil entries preserving
// the position of missing inputs; a missing view marks a metric whose
// own source was absent. MissingInputs is set on the root view when any
// input anywhere in the tree was absent.
type EvidenceView struct {
	Kind          LineageKind     `json:"kind"`
	Key           string          `json:"key"`
	Source        *FactRef        `json:"source,omitempty"`
	Inputs        []*EvidenceView `json:"inputs,omitempty"`
	Missing       bool            `json:"missing,omitempty"`
	MissingInputs bool            `json:"missing_inputs,omitempty"`
}
