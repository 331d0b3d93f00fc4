package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/bridge"
	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/export"
	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/monitoring"
	"github.com/momentumfirm/finhub/internal/registry"
	"github.com/momentumfirm/finhub/internal/service"
	"github.com/momentumfirm/finhub/internal/store"
)

// coreEnv holds the initialized store, engines, and service facade
// needed by the serve/ingest/metrics/variance/export commands.
type coreEnv struct {
	Store    store.Store
	Facts    *facts.Store
	Registry *registry.Registry
	Engine   *derive.Engine
	Bridge   *bridge.Calculator
	Exports  *export.Manager
	Recorder *monitoring.Recorder
	Checker  *monitoring.Checker
	Service  *service.Service
}

// Close releases resources held by the environment. Commands that
// started the export pool stop it before Close runs.
func (ce *coreEnv) Close() {
	if ce.Store != nil {
		_ = ce.Store.Close()
	}
}

// initCore opens the store, restores persisted snapshots, compiles the
// metric catalog, and wires the engines into the service facade.
// Callers should defer env.Close().
func initCore(ctx context.Context, mode string) (*coreEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cat := registry.BuiltinCatalog()
	if cfg.Registry.CatalogPath != "" {
		overlay, err := registry.LoadCatalog(cfg.Registry.CatalogPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load metric catalog")
		}
		cat = registry.Merge(cat, overlay)
		zap.L().Info("catalog overlay applied", zap.String("path", cfg.Registry.CatalogPath))
	}

	reg, err := registry.Build(cat)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build metric registry")
	}

	fs := facts.NewStore()

	// Replay persisted snapshots so derived metrics survive a restart.
	records, err := st.LoadSnapshots(ctx)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "restore snapshots")
	}
	restored := 0
	for _, rec := range records {
		if err := fs.Restore(rec.Snapshot, rec.Facts); err != nil {
			zap.L().Warn("skipping unrestorable snapshot",
				zap.String("snapshot_id", rec.Snapshot.ID),
				zap.Error(err),
			)
			continue
		}
		restored++
	}

	eng := derive.NewEngine(reg, fs)
	br := bridge.New(eng, reg)

	recorder := monitoring.NewRecorder()
	eng.SetObserver(recorder)
	fs.Subscribe(func(meta model.Snapshot) {
		recorder.FactsIngested(meta.FactCount)
	})

	exports := export.NewManager(st, fs, eng, br, reg, cfg.Export)
	exports.SetObserver(recorder)

	collector := monitoring.NewCollector(st, fs, eng, br, reg)
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)

	svc := service.New(st, fs, reg, eng, br, exports, collector, cfg.Monitoring.LookbackHours)

	zap.L().Info("core initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.Int("metrics", reg.Size()),
		zap.Int("snapshots_restored", restored),
	)

	return &coreEnv{
		Store:    st,
		Facts:    fs,
		Registry: reg,
		Engine:   eng,
		Bridge:   br,
		Exports:  exports,
		Recorder: recorder,
		Checker:  checker,
		Service:  svc,
	}, nil
}
