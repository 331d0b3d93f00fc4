// Package facts holds the in-memory fact snapshots that the derivation
// engine reads from. Each (entity, period, scenario) key maps to at most
// one immutable snapshot; ingesting a new batch for a key atomically
// replaces the previous snapshot, so readers never observe a mix of two
// uploads.
package facts

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/model"
)

type key struct {
	entity   string
	period   string
	scenario string
}

// snapshot is an immutable published batch. Once stored in Store.snaps
// it is never mutated; replacement swaps the pointer under the lock.
type snapshot struct {
	meta   model.Snapshot
	byItem map[string]*model.Fact
	order  []string
}

// Store is the in-memory snapshot registry. All methods are safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	snaps map[key]*snapshot
	subs  []func(model.Snapshot)
}

// NewStore returns an empty snapshot store.
func NewStore() *Store {
	return &Store{snaps: make(map[key]*snapshot)}
}

// Subscribe registers fn to be called after every snapshot publish.
// Callbacks run synchronously on the ingesting goroutine, outside the
// store lock. Restore does not notify.
func (s *Store) Subscribe(fn func(model.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Ingest validates a batch and publishes it as the snapshot for
// (entity, period, scenario), replacing any previous snapshot for the
// same key. It returns the new snapshot ID. Validation failures leave
// the previous snapshot untouched.
func (s *Store) Ingest(entity, period, scenario string, batch []model.Fact) (string, error) {
	entity = strings.TrimSpace(entity)
	period = strings.TrimSpace(period)
	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		scenario = model.DefaultScenario
	}

	if entity == "" {
		return "", model.Validationf("entity is required")
	}
	if period == "" {
		return "", model.Validationf("period is required")
	}
	if len(batch) == 0 {
		return "", model.Validationf("fact batch is empty")
	}

	uploadID := ""
	for _, f := range batch {
		if f.UploadID != "" {
			uploadID = f.UploadID
			break
		}
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	byItem := make(map[string]*model.Fact, len(batch))
	order := make([]string, 0, len(batch))
	for i := range batch {
		f := batch[i]
		f.LineItem = strings.TrimSpace(f.LineItem)
		if f.LineItem == "" {
			return "", model.Validationf("fact %d: line_item is required", i)
		}
		if f.Entity != "" && f.Entity != entity {
			return "", model.Validationf("fact %q: entity %q does not match batch entity %q", f.LineItem, f.Entity, entity)
		}
		if f.Period != "" && f.Period != period {
			return "", model.Validationf("fact %q: period %q does not match batch period %q", f.LineItem, f.Period, period)
		}
		if f.Scenario != "" && f.Scenario != scenario {
			return "", model.Validationf("fact %q: scenario %q does not match batch scenario %q", f.LineItem, f.Scenario, scenario)
		}
		if _, dup := byItem[f.LineItem]; dup {
			return "", model.Validationf("duplicate line_item %q in batch", f.LineItem)
		}
		f.Entity = entity
		f.Period = period
		f.Scenario = scenario
		f.UploadID = uploadID
		byItem[f.LineItem] = &f
		order = append(order, f.LineItem)
	}

	snap := &snapshot{
		meta: model.Snapshot{
			ID:        uuid.NewString(),
			Entity:    entity,
			Period:    period,
			Scenario:  scenario,
			UploadID:  uploadID,
			FactCount: len(batch),
			CreatedAt: time.Now().UTC(),
		},
		byItem: byItem,
		order:  order,
	}

	s.mu.Lock()
	s.snaps[key{entity, period, scenario}] = snap
	subs := make([]func(model.Snapshot), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	zap.L().Info("facts: snapshot published",
		zap.String("entity", entity),
		zap.String("period", period),
		zap.String("scenario", scenario),
		zap.String("snapshot_id", snap.meta.ID),
		zap.Int("facts", len(batch)))

	for _, fn := range subs {
		fn(snap.meta)
	}
	return snap.meta.ID, nil
}

// Restore publishes a previously persisted snapshot as-is, keeping its
// original snapshot ID. Used at startup; subscribers are not notified.
func (s *Store) Restore(meta model.Snapshot, batch []model.Fact) error {
	if meta.ID == "" || meta.Entity == "" || meta.Period == "" {
		return model.Validationf("restore: snapshot id, entity and period are required")
	}
	if meta.Scenario == "" {
		meta.Scenario = model.DefaultScenario
	}

	byItem := make(map[string]*model.Fact, len(batch))
	order := make([]string, 0, len(batch))
	for i := range batch {
		f := batch[i]
		if f.LineItem == "" {
			continue
		}
		if _, dup := byItem[f.LineItem]; dup {
			continue
		}
		byItem[f.LineItem] = &f
		order = append(order, f.LineItem)
	}
	meta.FactCount = len(order)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[key{meta.Entity, meta.Period, meta.Scenario}] = &snapshot{meta: meta, byItem: byItem, order: order}
	return nil
}

// Get returns the fact for lineItem in the current snapshot for the
// key, or false when the snapshot or the line item is absent.
func (s *Store) Get(entity, period, scenario, lineItem string) (*model.Fact, bool) {
	s.mu.RLock()
	snap := s.snaps[key{entity, period, orDefault(scenario)}]
	s.mu.RUnlock()
	if snap == nil {
		return nil, false
	}
	f, ok := snap.byItem[lineItem]
	return f, ok
}

// Snapshot returns the metadata of the current snapshot for the key.
func (s *Store) Snapshot(entity, period, scenario string) (model.Snapshot, bool) {
	s.mu.RLock()
	snap := s.snaps[key{entity, period, orDefault(scenario)}]
	s.mu.RUnlock()
	if snap == nil {
		return model.Snapshot{}, false
	}
	return snap.meta, true
}

// Facts returns the facts of the current snapshot for the key in ingest
// order. The returned slice is a copy.
func (s *Store) Facts(entity, period, scenario string) []model.Fact {
	s.mu.RLock()
	snap := s.snaps[key{entity, period, orDefault(scenario)}]
	s.mu.RUnlock()
	if snap == nil {
		return nil
	}
	out := make([]model.Fact, 0, len(snap.order))
	for _, item := range snap.order {
		out = append(out, *snap.byItem[item])
	}
	return out
}

// Periods returns the periods with a snapshot for (entity, scenario),
// sorted chronologically.
func (s *Store) Periods(entity, scenario string) []string {
	scenario = orDefault(scenario)
	s.mu.RLock()
	var out []string
	for k := range s.snaps {
		if k.entity == entity && k.scenario == scenario {
			out = append(out, k.period)
		}
	}
	s.mu.RUnlock()
	model.SortPeriods(out)
	return out
}

// Entities returns the distinct entities with at least one snapshot,
// sorted.
func (s *Store) Entities() []string {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for k := range s.snaps {
		seen[k.entity] = struct{}{}
	}
	s.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of published snapshots and the total fact
// count across them.
func (s *Store) Stats() (snapshots, facts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snaps {
		snapshots++
		facts += len(snap.order)
	}
	return snapshots, facts
}

// Clear drops every snapshot. Subscribers are not notified.
func (s *Store) Clear() {
	s.mu.Lock()
	s.snaps = make(map[key]*snapshot)
	s.mu.Unlock()
}

func orDefault(scenario string) string {
	if scenario == "" {
		return model.DefaultScenario
	}
	return scenario
}
