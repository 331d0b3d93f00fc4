package facts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumfirm/finhub/internal/model"
)

func batch(items ...model.Fact) []model.Fact { return items }

func TestIngestAndGet(t *testing.T) {
	s := NewStore()

	id, err := s.Ingest("BankX", "2025-03", "", batch(
		model.Fact{LineItem: "total_assets", Value: model.Float(1_000_000), Statement: model.StatementBalanceSheet, Sheet: "BS", RowIndex: 12, Column: "C"},
		model.Fact{LineItem: "net_profit", Value: model.Float(50_000), Statement: model.StatementProfitLoss},
	))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	f, ok := s.Get("BankX", "2025-03", "actual", "total_assets")
	require.True(t, ok)
	assert.Equal(t, "BankX", f.Entity)
	assert.Equal(t, "2025-03", f.Period)
	assert.Equal(t, "actual", f.Scenario)
	assert.Equal(t, 1_000_000.0, *f.Value)
	assert.Equal(t, 12, f.RowIndex)

	_, ok = s.Get("BankX", "2025-03", "actual", "customer_deposits")
	assert.False(t, ok)
	_, ok = s.Get("BankY", "2025-03", "actual", "total_assets")
	assert.False(t, ok)

	snap, ok := s.Snapshot("BankX", "2025-03", "")
	require.True(t, ok)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, 2, snap.FactCount)
	assert.NotEmpty(t, snap.UploadID)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name   string
		entity string
		period string
		facts  []model.Fact
	}{
		{"empty entity", "", "2025-03", batch(model.Fact{LineItem: "x", Value: model.Float(1)})},
		{"empty period", "BankX", "", batch(model.Fact{LineItem: "x", Value: model.Float(1)})},
		{"empty batch", "BankX", "2025-03", nil},
		{"empty line item", "BankX", "2025-03", batch(model.Fact{Value: model.Float(1)})},
		{"duplicate line item", "BankX", "2025-03", batch(
			model.Fact{LineItem: "net_profit", Value: model.Float(1)},
			model.Fact{LineItem: "net_profit", Value: model.Float(2)},
		)},
		{"entity mismatch", "BankX", "2025-03", batch(model.Fact{Entity: "BankY", LineItem: "x", Value: model.Float(1)})},
		{"period mismatch", "BankX", "2025-03", batch(model.Fact{Period: "2025-04", LineItem: "x", Value: model.Float(1)})},
		{"scenario mismatch", "BankX", "2025-03", batch(model.Fact{Scenario: "budget", LineItem: "x", Value: model.Float(1)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			_, err := s.Ingest(tt.entity, tt.period, "", tt.facts)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestValidationFailureKeepsPriorSnapshot(t *testing.T) {
	s := NewStore()

	id, err := s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "net_profit", Value: model.Float(500_000)},
	))
	require.NoError(t, err)

	_, err = s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "net_profit", Value: model.Float(1)},
		model.Fact{LineItem: "net_profit", Value: model.Float(2)},
	))
	require.Error(t, err)

	snap, ok := s.Snapshot("BankX", "2025-03", "actual")
	require.True(t, ok)
	assert.Equal(t, id, snap.ID)
	f, ok := s.Get("BankX", "2025-03", "actual", "net_profit")
	require.True(t, ok)
	assert.Equal(t, 500_000.0, *f.Value)
}

func TestReingestReplacesWholeSnapshot(t *testing.T) {
	s := NewStore()

	_, err := s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "net_profit", Value: model.Float(500_000)},
		model.Fact{LineItem: "legacy_item", Value: model.Float(42)},
	))
	require.NoError(t, err)

	id2, err := s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "net_profit", Value: model.Float(620_000)},
	))
	require.NoError(t, err)

	f, ok := s.Get("BankX", "2025-03", "actual", "net_profit")
	require.True(t, ok)
	assert.Equal(t, 620_000.0, *f.Value)

	// Stale line items from the replaced snapshot must not survive.
	_, ok = s.Get("BankX", "2025-03", "actual", "legacy_item")
	assert.False(t, ok)

	snap, _ := s.Snapshot("BankX", "2025-03", "actual")
	assert.Equal(t, id2, snap.ID)
	assert.Equal(t, 1, snap.FactCount)
}

func TestSubscribersNotifiedOnPublish(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var seen []model.Snapshot
	s.Subscribe(func(snap model.Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	id, err := s.Ingest("BankX", "2025-03", "actual", batch(model.Fact{LineItem: "x", Value: model.Float(1)}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, id, seen[0].ID)
	assert.Equal(t, "BankX", seen[0].Entity)
}

func TestRestoreKeepsSnapshotID(t *testing.T) {
	s := NewStore()

	notified := false
	s.Subscribe(func(model.Snapshot) { notified = true })

	meta := model.Snapshot{ID: "snap-1", Entity: "BankX", Period: "2025-02", Scenario: "actual", UploadID: "up-1"}
	err := s.Restore(meta, batch(
		model.Fact{Entity: "BankX", Period: "2025-02", Scenario: "actual", LineItem: "net_profit", Value: model.Float(500_000)},
	))
	require.NoError(t, err)
	assert.False(t, notified)

	snap, ok := s.Snapshot("BankX", "2025-02", "actual")
	require.True(t, ok)
	assert.Equal(t, "snap-1", snap.ID)
	assert.Equal(t, 1, snap.FactCount)
}

func TestPeriodsSortedChronologically(t *testing.T) {
	s := NewStore()
	for _, p := range []string{"2025-03", "2024-11", "2025-01"} {
		_, err := s.Ingest("BankX", p, "actual", batch(model.Fact{LineItem: "x", Value: model.Float(1)}))
		require.NoError(t, err)
	}
	_, err := s.Ingest("BankX", "2025-06", "budget", batch(model.Fact{LineItem: "x", Value: model.Float(1)}))
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-11", "2025-01", "2025-03"}, s.Periods("BankX", "actual"))
	assert.Equal(t, []string{"2025-06"}, s.Periods("BankX", "budget"))
	assert.Empty(t, s.Periods("BankY", "actual"))
}

func TestEntitiesAndStats(t *testing.T) {
	s := NewStore()
	_, err := s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "a", Value: model.Float(1)},
		model.Fact{LineItem: "b", Value: model.Float(2)},
	))
	require.NoError(t, err)
	_, err = s.Ingest("BankA", "2025-03", "actual", batch(model.Fact{LineItem: "a", Value: model.Float(1)}))
	require.NoError(t, err)

	assert.Equal(t, []string{"BankA", "BankX"}, s.Entities())

	snaps, facts := s.Stats()
	assert.Equal(t, 2, snaps)
	assert.Equal(t, 3, facts)

	s.Clear()
	snaps, facts = s.Stats()
	assert.Zero(t, snaps)
	assert.Zero(t, facts)
}

func TestConcurrentIngestAndRead(t *testing.T) {
	s := NewStore()
	_, err := s.Ingest("BankX", "2025-03", "actual", batch(
		model.Fact{LineItem: "net_profit", Value: model.Float(0)},
		model.Fact{LineItem: "total_assets", Value: model.Float(0)},
	))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v := float64(n*100 + j)
				_, err := s.Ingest("BankX", "2025-03", "actual", batch(
					model.Fact{LineItem: "net_profit", Value: model.Float(v)},
					model.Fact{LineItem: "total_assets", Value: model.Float(v * 10)},
				))
				assert.NoError(t, err)
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			// A single read sees one snapshot: facts never mix uploads.
			ff := s.Facts("BankX", "2025-03", "actual")
			if len(ff) != 2 {
				t.Errorf("snapshot has %d facts during replace", len(ff))
				return
			}
			byItem := map[string]float64{}
			for _, f := range ff {
				byItem[f.LineItem] = *f.Value
			}
			if byItem["total_assets"] != byItem["net_profit"]*10 {
				t.Errorf("mixed snapshot observed: %v", byItem)
				return
			}
		}
	}()
	wg.Wait()
	<-done
}
