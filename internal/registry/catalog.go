package registry

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/momentumfirm/finhub/internal/model"
)

// KPIEntry declares a headline metric read straight from one fact line
// item. LineItem defaults to Key.
type KPIEntry struct {
	Key      string `yaml:"key"`
	Label    string `yaml:"label"`
	LineItem string `yaml:"line_item"`
	Version  int    `yaml:"version"`
}

// RatioEntry declares a two-input ratio over registered metrics. With
// NumeratorAbs the numerator's absolute value is used, so expense lines
// booked as negatives still produce a positive ratio.
type RatioEntry struct {
	Key          string `yaml:"key"`
	Label        string `yaml:"label"`
	Numerator    string `yaml:"numerator"`
	Denominator  string `yaml:"denominator"`
	NumeratorAbs bool   `yaml:"numerator_abs"`
	Version      int    `yaml:"version"`
}

// Catalog is the declarative metric set a registry is built from. The
// builtin bank catalog can be overlaid from a YAML file.
type Catalog struct {
	Epsilon      *float64           `yaml:"epsilon"`
	BridgeTarget string             `yaml:"bridge_target"`
	KPIs         []KPIEntry         `yaml:"kpis"`
	Ratios       []RatioEntry       `yaml:"ratios"`
	Drivers      []model.DriverSpec `yaml:"drivers"`
}

// BuiltinCatalog returns the standard bank metric set: the headline
// P&L and balance sheet KPIs, the three board ratios, and the net
// profit variance drivers in canonical order.
func BuiltinCatalog() *Catalog {
	return &Catalog{
		BridgeTarget: "net_profit",
		KPIs: []KPIEntry{
			{Key: "total_income", Label: "Total income"},
			{Key: "operating_expenses", Label: "Operating expenses"},
			{Key: "impairment", Label: "Impairment"},
			{Key: "tax", Label: "Tax"},
			{Key: "net_profit", Label: "Net profit"},
			{Key: "total_assets", Label: "Total assets"},
			{Key: "total_equity", Label: "Total equity"},
			{Key: "customer_deposits", Label: "Customer deposits"},
		},
		Ratios: []RatioEntry{
			{Key: "roa", Label: "Return on assets", Numerator: "net_profit", Denominator: "total_assets"},
			{Key: "roe", Label: "Return on equity", Numerator: "net_profit", Denominator: "total_equity"},
			{Key: "cost_to_income", Label: "Cost to income", Numerator: "operating_expenses", Denominator: "total_income", NumeratorAbs: true},
		},
		Drivers: []model.DriverSpec{
			{Key: "income_change", Label: "Income change", Metric: "total_income"},
			{Key: "opex_change", Label: "Opex change", Metric: "operating_expenses"},
			{Key: "impairment_change", Label: "Impairment change", Metric: "impairment"},
			{Key: "tax_change", Label: "Tax change", Metric: "tax"},
		},
	}
}

// LoadCatalog reads a catalog overlay from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read catalog %s", path)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrapf(err, "registry: parse catalog %s", path)
	}
	for i, k := range cat.KPIs {
		if k.Key == "" {
			return nil, eris.Errorf("registry: catalog %s: kpi %d has no key", path, i)
		}
	}
	for i, rt := range cat.Ratios {
		if rt.Key == "" || rt.Numerator == "" || rt.Denominator == "" {
			return nil, eris.Errorf("registry: catalog %s: ratio %d needs key, numerator and denominator", path, i)
		}
	}
	return &cat, nil
}

// Merge overlays over base and returns the result. Entries override by
// key; new keys append. A non-empty overlay driver list replaces the
// base list wholesale, keeping driver order canonical.
func Merge(base, overlay *Catalog) *Catalog {
	if overlay == nil {
		return base
	}
	out := *base

	out.KPIs = append([]KPIEntry(nil), base.KPIs...)
	for _, k := range overlay.KPIs {
		replaced := false
		for i := range out.KPIs {
			if out.KPIs[i].Key == k.Key {
				out.KPIs[i] = k
				replaced = true
				break
			}
		}
		if !replaced {
			out.KPIs = append(out.KPIs, k)
		}
	}

	out.Ratios = append([]RatioEntry(nil), base.Ratios...)
	for _, rt := range overlay.Ratios {
		replaced := false
		for i := range out.Ratios {
			if out.Ratios[i].Key == rt.Key {
				out.Ratios[i] = rt
				replaced = true
				break
			}
		}
		if !replaced {
			out.Ratios = append(out.Ratios, rt)
		}
	}

	if len(overlay.Drivers) > 0 {
		out.Drivers = append([]model.DriverSpec(nil), overlay.Drivers...)
	}
	if overlay.BridgeTarget != "" {
		out.BridgeTarget = overlay.BridgeTarget
	}
	if overlay.Epsilon != nil {
		out.Epsilon = overlay.Epsilon
	}
	return &out
}

// Build compiles a catalog into a registry: KPIs first, then ratios,
// then drivers and bridge settings. Unknown references fail here, at
// startup.
func Build(cat *Catalog) (*Registry, error) {
	reg := New()

	for _, k := range cat.KPIs {
		item := k.LineItem
		if item == "" {
			item = k.Key
		}
		def := model.Definition{
			Key:            k.Key,
			FormulaVersion: versionOr(k.Version, 1),
			Kind:           model.MetricKPI,
			Label:          k.Label,
			Inputs:         []model.InputRef{model.FactInput(item)},
			Compute:        passthrough,
		}
		if err := reg.Register(def); err != nil {
			return nil, eris.Wrapf(err, "registry: catalog kpi %q", k.Key)
		}
	}

	for _, rt := range cat.Ratios {
		def := model.Definition{
			Key:            rt.Key,
			FormulaVersion: versionOr(rt.Version, 1),
			Kind:           model.MetricRatio,
			Label:          rt.Label,
			Inputs: []model.InputRef{
				model.MetricInput(rt.Numerator),
				model.MetricInput(rt.Denominator),
			},
			AllowPartial: true,
			Compute:      ratioCompute(rt.NumeratorAbs),
		}
		if err := reg.Register(def); err != nil {
			return nil, eris.Wrapf(err, "registry: catalog ratio %q", rt.Key)
		}
	}

	if err := reg.SetDrivers(cat.Drivers); err != nil {
		return nil, eris.Wrap(err, "registry: catalog drivers")
	}
	if cat.BridgeTarget != "" {
		if err := reg.SetBridgeTarget(cat.BridgeTarget); err != nil {
			return nil, eris.Wrap(err, "registry: catalog bridge target")
		}
	}
	if cat.Epsilon != nil {
		if err := reg.SetEpsilon(*cat.Epsilon); err != nil {
			return nil, eris.Wrap(err, "registry: catalog epsilon")
		}
	}
	return reg, nil
}

func versionOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func passthrough(in []*float64) *float64 {
	if len(in) == 0 {
		return nil
	}
	return in[0]
}

// ratioCompute divides the first input by the second. A nil input or a
// zero denominator yields nil rather than an error or infinity.
func ratioCompute(numeratorAbs bool) model.ComputeFunc {
	return func(in []*float64) *float64 {
		if len(in) != 2 || in[0] == nil || in[1] == nil {
			return nil
		}
		num, den := *in[0], *in[1]
		if numeratorAbs {
			num = math.Abs(num)
		}
		if den == 0 {
			return nil
		}
		return model.Float(num / den)
	}
}
