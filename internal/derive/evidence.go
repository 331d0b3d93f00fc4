package derive

import "github.com/momentumfirm/finhub/internal/model"

// ResolveEvidence flattens a computed metric's lineage into the
// client-facing evidence view. The resolver is pure: resolving the same
// metric twice yields equal views, and child positions always align
// with the definition's declared inputs.
func ResolveEvidence(m *model.ComputedMetric) *model.EvidenceView {
	if m == nil {
		return nil
	}
	v := resolveNode(m.Lineage)
	if v == nil {
		v = &model.EvidenceView{Kind: model.LineageMissing, Key: m.Key, Missing: true}
	}
	v.MissingInputs = m.MissingInputs
	return v
}

func resolveNode(l *model.Lineage) *model.EvidenceView {
	if l == nil {
		return nil
	}
	switch l.Kind {
	case model.LineagePrimary:
		return &model.EvidenceView{Kind: model.LineagePrimary, Key: l.Key, Source: l.Source}
	case model.LineageMissing:
		return &model.EvidenceView{Kind: model.LineageMissing, Key: l.Key, Missing: true}
	case model.LineageComposite:
		views := make([]*model.EvidenceView, len(l.Inputs))
		for i, in := range l.Inputs {
			views[i] = resolveNode(in)
		}
		return &model.EvidenceView{Kind: model.LineageComposite, Key: l.Key, Inputs: views}
	}
	return nil
}

// PrimaryRefs collects every primary source cell reachable from l,
// depth-first in input order.
func PrimaryRefs(l *model.Lineage) []model.FactRef {
	var out []model.FactRef
	var walk func(n *model.Lineage)
	walk = func(n *model.Lineage) {
		if n == nil {
			return
		}
		if n.Kind == model.LineagePrimary && n.Source != nil {
			out = append(out, *n.Source)
			return
		}
		for _, in := range n.Inputs {
			walk(in)
		}
	}
	walk(l)
	return out
}
