// Package registry holds the versioned metric definitions that the
// derivation engine evaluates. Definitions live in an append-only arena
// and the dependency graph is re-validated on every registration, so a
// definition that made it in can always be evaluated without cycle
// checks at read time.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/momentumfirm/finhub/internal/model"
)

// DefaultEpsilon is the reconciliation tolerance applied to variance
// bridges unless a catalog overrides it.
const DefaultEpsilon = 1e-6

// Registry is the metric definition store. All methods are safe for
// concurrent use; registrations normally all happen at startup.
type Registry struct {
	mu      sync.RWMutex
	arena   []*model.Definition
	index   map[string]int
	order   []string
	drivers []model.DriverSpec
	target  string
	epsilon float64
}

// New returns an empty registry with the default epsilon.
func New() *Registry {
	return &Registry{index: make(map[string]int), epsilon: DefaultEpsilon}
}

// Register validates def and appends it to the arena. Registering the
// same (key, formula_version) with an identical shape is a no-op; a
// different shape under the same version is a RegistrationError. A new
// version for an existing key replaces it as the current definition.
func (r *Registry) Register(def model.Definition) error {
	def.Key = strings.TrimSpace(def.Key)
	if def.Key == "" {
		return &model.RegistrationError{Key: def.Key, Msg: "key is required"}
	}
	if def.FormulaVersion < 1 {
		return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("formula_version %d must be >= 1", def.FormulaVersion)}
	}
	if def.Kind != model.MetricKPI && def.Kind != model.MetricRatio {
		return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("unknown kind %q", def.Kind)}
	}
	if def.Compute == nil {
		return &model.RegistrationError{Key: def.Key, Msg: "compute function is required"}
	}
	if len(def.Inputs) == 0 {
		return &model.RegistrationError{Key: def.Key, Msg: "at least one input is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, in := range def.Inputs {
		if in.Key == "" {
			return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("input %d: key is required", i)}
		}
		switch in.Kind {
		case model.RefFact:
		case model.RefMetric:
			if _, ok := r.index[in.Key]; !ok && in.Key != def.Key {
				return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("input %d references unknown metric %q", i, in.Key)}
			}
		default:
			return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("input %d: unknown ref kind %q", i, in.Kind)}
		}
	}

	if pos, ok := r.index[def.Key]; ok {
		cur := r.arena[pos]
		if cur.FormulaVersion == def.FormulaVersion {
			if sameShape(cur, &def) {
				return nil
			}
			return &model.RegistrationError{Key: def.Key, Msg: fmt.Sprintf("formula_version %d already registered with a different definition", def.FormulaVersion)}
		}
	}

	// Validate the dependency graph as it would look with def in
	// place. Redefinition is the one path that can introduce a cycle.
	next := make(map[string]*model.Definition, len(r.index)+1)
	for k, pos := range r.index {
		next[k] = r.arena[pos]
	}
	next[def.Key] = &def
	if cycle := findCycle(next, def.Key); len(cycle) > 0 {
		return &model.RegistrationError{Key: def.Key, Msg: "dependency cycle " + strings.Join(cycle, " -> ")}
	}

	if _, ok := r.index[def.Key]; !ok {
		r.order = append(r.order, def.Key)
	}
	r.arena = append(r.arena, &def)
	r.index[def.Key] = len(r.arena) - 1
	return nil
}

// Get returns the current definition for key.
func (r *Registry) Get(key string) (*model.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.arena[pos], true
}

// Definitions returns the current definition of every key in
// registration order.
func (r *Registry) Definitions() []*model.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Definition, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.arena[r.index[k]])
	}
	return out
}

// Size returns the number of distinct registered keys.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Drivers returns the canonical variance drivers in bridge order.
func (r *Registry) Drivers() []model.DriverSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DriverSpec, len(r.drivers))
	copy(out, r.drivers)
	return out
}

// SetDrivers replaces the canonical driver list. Every driver metric
// must already be registered.
func (r *Registry) SetDrivers(specs []model.DriverSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(specs))
	for _, d := range specs {
		if d.Key == "" || d.Metric == "" {
			return &model.RegistrationError{Key: d.Key, Msg: "driver key and metric are required"}
		}
		if _, dup := seen[d.Key]; dup {
			return &model.RegistrationError{Key: d.Key, Msg: "duplicate driver key"}
		}
		seen[d.Key] = struct{}{}
		if _, ok := r.index[d.Metric]; !ok {
			return &model.RegistrationError{Key: d.Key, Msg: fmt.Sprintf("driver metric %q is not registered", d.Metric)}
		}
	}
	r.drivers = make([]model.DriverSpec, len(specs))
	copy(r.drivers, specs)
	return nil
}

// BridgeTarget returns the default target metric for variance bridges.
func (r *Registry) BridgeTarget() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// SetBridgeTarget sets the default bridge target, which must be a
// registered metric.
func (r *Registry) SetBridgeTarget(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[key]; !ok {
		return &model.RegistrationError{Key: key, Msg: "bridge target is not registered"}
	}
	r.target = key
	return nil
}

// Epsilon returns the bridge reconciliation tolerance.
func (r *Registry) Epsilon() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epsilon
}

// SetEpsilon overrides the reconciliation tolerance.
func (r *Registry) SetEpsilon(e float64) error {
	if e <= 0 {
		return &model.RegistrationError{Key: "epsilon", Msg: fmt.Sprintf("epsilon %g must be positive", e)}
	}
	r.mu.Lock()
	r.epsilon = e
	r.mu.Unlock()
	return nil
}

func sameShape(a, b *model.Definition) bool {
	if a.Kind != b.Kind || a.Label != b.Label || a.AllowPartial != b.AllowPartial {
		return false
	}
	if len(a.Inputs) != len(b.Inputs) {
		return false
	}
	for i := range a.Inputs {
		if a.Inputs[i] != b.Inputs[i] {
			return false
		}
	}
	return true
}

// findCycle walks metric-input edges depth-first from start and returns
// the first cycle found as a key path, or nil when the graph below
// start is acyclic.
func findCycle(defs map[string]*model.Definition, start string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(defs))
	var path []string

	var visit func(key string) []string
	visit = func(key string) []string {
		def, ok := defs[key]
		if !ok {
			return nil
		}
		color[key] = grey
		path = append(path, key)
		for _, in := range def.Inputs {
			if in.Kind != model.RefMetric {
				continue
			}
			switch color[in.Key] {
			case grey:
				return append(append([]string(nil), path...), in.Key)
			case white:
				if cyc := visit(in.Key); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[key] = black
		return nil
	}
	return visit(start)
}
