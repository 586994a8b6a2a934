package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polylearn/execution"
	"github.com/web3guy0/polylearn/internal/config"
	"github.com/web3guy0/polylearn/internal/metrics"
	"github.com/web3guy0/polylearn/notify"
	"github.com/web3guy0/polylearn/oracle"
	"github.com/web3guy0/polylearn/risk"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

func selftestCmd() *cobra.Command {
	var rounds int
	var seed int64
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the full pipeline against synthetic markets in memory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return selftest(cmd.Context(), rounds, seed)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 25, "synthetic markets to trade")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}

type check struct {
	name string
	ok   bool
	got  string
}

func selftest(ctx context.Context, rounds int, seed int64) error {
	var checks []check
	add := func(name string, ok bool, got string) { checks = append(checks, check{name, ok, got}) }

	// Sizing and settlement arithmetic
	sizer := risk.NewSizer(risk.DefaultSizerConfig(), nil)
	bet := sizer.KellyBet(0.60, 0.45, decimal.NewFromInt(100), decimal.NewFromInt(20))
	add("kelly 0.60 @ 0.45", bet.StringFixed(2) == "6.82", bet.StringFixed(2))
	exit := 0.9
	pnl := execution.PnL(types.DirectionUp, 0.5, decimal.NewFromInt(10), &exit)
	add("pnl up win @ 0.50", pnl.Equal(decimal.NewFromInt(10)), pnl.StringFixed(2))

	// Synthetic market loop
	cfg := &config.Config{
		OracleTimeout:   8 * time.Second,
		OraclePreScore:  0.25,
		StartingBalance: decimal.NewFromInt(1000),
		MinBet:          decimal.NewFromInt(1),
		MinBalance:      decimal.NewFromInt(5),
		MinEdge:         0.40,
	}
	store := storage.NewMemoryStore()
	sinks := notify.NewMulti(time.Second)
	p := buildPipeline(ctx, cfg, store, storage.NewMemoryStateStore(), oracle.Noop{}, sinks, metrics.New())

	m := &types.Model{
		Name:   "selftest",
		Active: true,
		SignalWeights: map[string]float64{
			types.SourcePriceMomentum: 0.6,
			types.SourceVolume:        0.4,
		},
		Thresholds:      types.Thresholds{BetThreshold: 0.5, MaxBet: decimal.NewFromInt(25)},
		Version:         1,
		StartingBalance: cfg.StartingBalance,
	}
	if err := store.CreateModel(ctx, m); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(seed))
	base := time.Now().UTC().Truncate(time.Hour)
	if _, err := p.versions.Record(ctx, m, "selftest seed", base); err != nil {
		return err
	}
	var bets, settled int
	for i := 0; i < rounds; i++ {
		at := base.Add(time.Duration(i) * 6 * time.Minute)
		up := rng.Float64() < 0.5
		dir := 1.0
		if !up {
			dir = -1
		}
		for source, strength := range map[string]float64{types.SourcePriceMomentum: 0.9, types.SourceVolume: 0.6} {
			if err := store.AppendSignal(ctx, &types.Signal{ModelID: m.ID, Source: source, Normalized: dir * strength, Timestamp: at}); err != nil {
				return err
			}
		}
		marketID := fmt.Sprintf("synthetic-%03d", i)
		if err := store.AppendSnapshot(ctx, &types.MarketSnapshot{
			MarketID: marketID, MarketName: "BTC up in 5m", UpOdds: 0.5, DownOdds: 0.52, TimeRemaining: 300, Timestamp: at,
		}); err != nil {
			return err
		}
		bets += len(p.engine.Sweep(ctx, at).Bets())

		// signals are right about two thirds of the time
		resolvesUp := up == (rng.Float64() < 0.66)
		final := 0.03
		if resolvesUp {
			final = 0.97
		}
		if err := store.AppendSnapshot(ctx, &types.MarketSnapshot{
			MarketID: marketID, UpOdds: final, DownOdds: 1 - final, Timestamp: at.Add(5 * time.Minute),
		}); err != nil {
			return err
		}
		settled += len(p.engine.Sweep(ctx, at.Add(5*time.Minute)).Settled)
	}
	sinks.Wait()

	add("every bet settled", bets == settled && bets > 0, fmt.Sprintf("%d bets, %d settled", bets, settled))

	acc, err := store.GetAccount(ctx, m.ID)
	if err != nil {
		return err
	}
	trades, err := store.RecentSettled(ctx, m.ID, rounds)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.PnL)
	}
	expected := cfg.StartingBalance.Add(total)
	add("balance = start + Σpnl", acc.Balance.Equal(expected), "$"+acc.Balance.StringFixed(2))

	live, err := store.GetModel(ctx, m.ID)
	if err != nil {
		return err
	}
	var sum float64
	for _, w := range live.SignalWeights {
		sum += w
	}
	add("weights sum to 1", sum > 0.999999 && sum < 1.000001, fmt.Sprintf("%.6f at v%d", sum, live.Version))
	add("threshold within bounds", live.Thresholds.BetThreshold >= 0.5 && live.Thresholds.BetThreshold <= 0.9,
		fmt.Sprintf("%.2f", live.Thresholds.BetThreshold))

	failed := 0
	for _, c := range checks {
		mark := "✅"
		if !c.ok {
			mark = "❌"
			failed++
		}
		fmt.Printf("%s %-26s %s\n", mark, c.name, c.got)
	}
	if failed > 0 {
		return fmt.Errorf("%d selftest checks failed", failed)
	}
	return nil
}
