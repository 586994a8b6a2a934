package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/analysis"
	"github.com/web3guy0/polylearn/approval"
	"github.com/web3guy0/polylearn/core"
	"github.com/web3guy0/polylearn/execution"
	"github.com/web3guy0/polylearn/internal/config"
	"github.com/web3guy0/polylearn/internal/database"
	"github.com/web3guy0/polylearn/internal/metrics"
	"github.com/web3guy0/polylearn/learning"
	"github.com/web3guy0/polylearn/notify"
	"github.com/web3guy0/polylearn/oracle"
	"github.com/web3guy0/polylearn/patterns"
	"github.com/web3guy0/polylearn/risk"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/strategy"
	"github.com/web3guy0/polylearn/versioning"
)

// pipeline is every decision component built over one store
type pipeline struct {
	store     storage.Store
	states    storage.StateStore
	approvals *approval.Machine
	versions  *versioning.Manager
	memory    *patterns.Memory
	analyzer  *analysis.Analyzer
	improver  *learning.Improver
	ledger    *execution.Ledger
	engine    *core.Engine
}

// buildPipeline wires the components the same way for the daemon, the
// one-shot commands and the selftest
func buildPipeline(ctx context.Context, cfg *config.Config, store storage.Store, states storage.StateStore, o oracle.Oracle, pub core.Publisher, rec core.Metrics) *pipeline {
	approvals := approval.NewMachine(store)
	versions := versioning.NewManager(store, versioning.WithApproval(approvals, cfg.RequireApproval))

	memory := patterns.NewMemory(store, store, store, states)
	if err := memory.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Pattern memory unavailable, starting empty")
	}

	aggCfg := strategy.DefaultConfig()
	aggCfg.PreScoreGate = cfg.OraclePreScore
	aggCfg.OracleTimeout = cfg.OracleTimeout

	sizerCfg := risk.DefaultSizerConfig()
	sizerCfg.MinBet, _ = cfg.MinBet.Float64()
	sizerCfg.MinBalance, _ = cfg.MinBalance.Float64()
	sizerCfg.MinEdge = cfg.MinEdge

	ledgerCfg := execution.DefaultLedgerConfig()
	ledgerCfg.MinBet = cfg.MinBet

	analyzer := analysis.NewAnalyzer(store)
	improver := learning.NewImprover(learning.DefaultConfig(), store, analyzer, versions, states)
	ledger := execution.NewLedger(ledgerCfg, store)

	engine := core.NewEngine(store, core.Components{
		Aggregator: strategy.NewAggregator(aggCfg, store, store, o),
		Sizer:      risk.NewSizer(sizerCfg, memory),
		Ledger:     ledger,
		Analyzer:   analyzer,
		Improver:   improver,
		Patterns:   memory,
		Publisher:  pub,
		Metrics:    rec,
	})

	return &pipeline{
		store:     store,
		states:    states,
		approvals: approvals,
		versions:  versions,
		memory:    memory,
		analyzer:  analyzer,
		improver:  improver,
		ledger:    ledger,
		engine:    engine,
	}
}

// app owns the long-lived resources behind the CLI commands
type app struct {
	cfg     *config.Config
	db      *database.Database
	metrics *metrics.Recorder
	sinks   *notify.Multi
	closers []func() error
	*pipeline
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.Debug)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{
		cfg:     cfg,
		db:      db,
		metrics: metrics.New(),
		sinks:   notify.NewMulti(5*time.Second, notify.Log{}),
		closers: []func() error{db.Close},
	}

	states, err := openStates(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := states.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.pipeline = buildPipeline(ctx, cfg, db, states, newOracle(cfg), a.sinks, a.metrics)
	return a, nil
}

// Close waits for in-flight notifications and releases resources
func (a *app) Close() {
	a.sinks.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

func openStates(ctx context.Context, cfg *config.Config) (storage.StateStore, error) {
	switch cfg.StateBackend {
	case "redis":
		s, err := storage.NewRedisStateStore(ctx, cfg.RedisURL, "polylearn")
		if err != nil {
			return nil, fmt.Errorf("open redis state: %w", err)
		}
		log.Info().Msg("🗄️ State backend: redis")
		return s, nil
	case "memory":
		log.Warn().Msg("State backend: memory (not persisted)")
		return storage.NewMemoryStateStore(), nil
	default:
		s, err := storage.NewFileStateStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open state dir: %w", err)
		}
		log.Info().Str("dir", cfg.StateDir).Msg("🗄️ State backend: files")
		return s, nil
	}
}

func newOracle(cfg *config.Config) oracle.Oracle {
	if cfg.OracleURL == "" {
		return oracle.Noop{}
	}
	log.Info().Str("url", cfg.OracleURL).Msg("🔮 Decision oracle enabled")
	return oracle.NewHTTPOracle(oracle.HTTPConfig{
		BaseURL: cfg.OracleURL,
		APIKey:  cfg.OracleAPIKey,
		Timeout: cfg.OracleTimeout,
	})
}
