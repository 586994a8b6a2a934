package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polylearn/bot"
	"github.com/web3guy0/polylearn/core"
	"github.com/web3guy0/polylearn/internal/config"
	"github.com/web3guy0/polylearn/internal/server"
	"github.com/web3guy0/polylearn/notify"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/versioning"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RUN - long-lived daemon
// ═══════════════════════════════════════════════════════════════════════════════

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sweep on an interval with notifications and the diagnostics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("version", version).
				Dur("interval", a.cfg.SweepInterval).
				Bool("approval", a.cfg.RequireApproval).
				Msg("⚡ Polylearn starting...")

			// Resume approvals decided while we were down
			if n, err := a.approvals.Resume(ctx, time.Now()); err != nil {
				log.Warn().Err(err).Msg("Approval resume failed")
			} else if n > 0 {
				log.Info().Int("applied", n).Msg("✅ Resumed approved promotions")
			}

			// ====== NOTIFICATION SINKS ======

			var tg *bot.TelegramBot
			if a.cfg.TelegramEnabled() {
				tg, err = bot.NewTelegramBot(a.cfg.TelegramToken, a.cfg.TelegramChatID, a.engine)
				if err != nil {
					log.Warn().Err(err).Msg("⚠️ Telegram disabled")
				} else {
					tg.SetControlCallbacks(a.engine.Pause, a.engine.Resume)
					a.sinks.Add(tg)
					tg.Start()
					defer tg.Stop()
				}
			}

			if len(a.cfg.KafkaBrokers) > 0 {
				k, err := notify.NewKafka(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
				if err != nil {
					log.Warn().Err(err).Msg("⚠️ Kafka sink disabled")
				} else {
					a.sinks.Add(k)
					a.closers = append(a.closers, k.Close)
				}
			}

			hub := notify.NewHub()
			a.sinks.Add(hub)

			// ====== DIAGNOSTICS ======

			var srv *server.Server
			if a.cfg.HTTPAddr != "" {
				srv = server.New(a.cfg.HTTPAddr, server.Deps{
					DB:       a.db,
					Models:   a.engine,
					Versions: a.versions,
					Control:  a.engine,
					Metrics:  a.metrics.Handler(),
					Stream:   hub,
				})
				srv.Start()
			}

			a.sinks.Publish(notify.Event{Kind: notify.KindStartup, Message: "polylearn " + version, Time: time.Now()})
			a.engine.Start(a.cfg.SweepInterval)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-ctx.Done():
			}

			log.Info().Msg("🛑 Shutting down...")
			a.engine.Stop()
			if srv != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				if err := srv.Stop(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("HTTP shutdown")
				}
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ONE-SHOT COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single sweep and print what happened",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.engine.Sweep(cmd.Context(), time.Now())
			printReport(report)
			if report.Errors > 0 {
				return fmt.Errorf("sweep finished with %d errors", report.Errors)
			}
			return nil
		},
	}
}

func modelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model <id>",
		Short: "Run the decision pipeline for one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.store.GetModel(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Model %s (id %d, v%d)\n", m.Name, m.ID, m.Version)
			fmt.Printf("  weights:   %v\n", m.SignalWeights)
			fmt.Printf("  threshold: %.2f  max bet: $%s\n", m.Thresholds.BetThreshold, m.Thresholds.MaxBet.StringFixed(2))
			if m.InBlackout(time.Now()) {
				fmt.Printf("  blackout until %s: %s\n", m.BlackoutUntil.Format(time.RFC3339), m.BlackoutReason)
			}

			out, err := a.engine.RunModel(cmd.Context(), id, time.Now())
			printOutcome(out)
			if err != nil {
				return err
			}

			insights, err := a.store.Insights(cmd.Context(), id, 5)
			if err == nil && len(insights) > 0 {
				fmt.Println("Recent insights:")
				for _, in := range insights {
					fmt.Printf("  %s [%s] %s\n", in.CreatedAt.Format("01-02 15:04"), in.Kind, in.Message)
				}
			}
			return nil
		},
	}
}

func patternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "Recompute pattern memory from trade history and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.memory.Recompute(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <model-id>",
		Short: "Per-version performance of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.versions.Stats(cmd.Context(), id, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("%-6s %-5s %-7s %-6s %-10s %-8s %-7s %s\n", "ID", "VER", "TRADES", "WIN%", "PNL", "ROI%", "MAXDD", "SHARPE")
			for _, s := range stats {
				sharpe := "-"
				if s.Sharpe != nil {
					sharpe = fmt.Sprintf("%.2f", *s.Sharpe)
				}
				fmt.Printf("%-6d v%-4d %-7d %-6.1f %-10s %-8.2f %-7.3f %s\n",
					s.Version.ID, s.Version.VersionNum, s.Trades, s.WinRate*100,
					s.TotalPnL.StringFixed(2), s.ROIPct, s.MaxDrawdown, sharpe)
			}
			return nil
		},
	}
}

func promoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <model-id> <version-id|best>",
		Short: "Copy a version's weights and thresholds onto the live model",
		Long:  "Copy a version's weights and thresholds onto the live model. \"best\" picks the highest-Sharpe version with at least 20 settled trades.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			versionID, err := resolveVersion(cmd.Context(), a.versions, modelID, args[1], now)
			if err != nil {
				return err
			}
			res, err := a.versions.Promote(cmd.Context(), modelID, versionID, now)
			if err != nil {
				return err
			}
			if res.Pending != nil {
				fmt.Printf("⏳ Promotion awaiting approval (request %d)\n", res.Pending.ID)
				return nil
			}
			fmt.Printf("✅ %s now at v%d (%s)\n", res.Model.Name, res.Model.Version, res.Promoted.MutationReason)
			return nil
		},
	}
}

// resolveVersion turns a version id or "best" into a version id
func resolveVersion(ctx context.Context, versions *versioning.Manager, modelID uint, arg string, now time.Time) (uint, error) {
	if arg != "best" {
		return parseID(arg)
	}
	best, err := versions.Best(ctx, modelID, now, versioning.MinPromoteTrades)
	if err != nil {
		return 0, err
	}
	fmt.Printf("🏆 Best version: v%d (%d trades, sharpe %.2f)\n", best.Version.VersionNum, best.Trades, *best.Sharpe)
	return best.Version.ID, nil
}

func approveCmd() *cobra.Command {
	var reject bool
	var note string
	cmd := &cobra.Command{
		Use:   "approve [request-id]",
		Short: "List pending approvals, or approve / reject one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				pending, err := a.approvals.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("No pending approvals")
				}
				for _, p := range pending {
					fmt.Printf("%d  %s  model %d  %s  %v\n", p.ID, p.Kind, p.ModelID, p.Status, p.Payload)
				}
				return nil
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req, err := a.approvals.Resolve(cmd.Context(), id, !reject, note, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Request %d → %s\n", req.ID, req.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard <seeds.yaml>",
		Short: "Create models from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := config.LoadSeeds(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			for _, seed := range seeds {
				if existing, err := a.db.GetModelByName(ctx, seed.Name); err == nil {
					fmt.Printf("• %s already exists (id %d)\n", existing.Name, existing.ID)
					continue
				} else if !errors.Is(err, storage.ErrNotFound) {
					return err
				}

				m := seed.Model(a.cfg.StartingBalance)
				if err := a.store.CreateModel(ctx, m); err != nil {
					return fmt.Errorf("create %s: %w", seed.Name, err)
				}
				if _, err := a.store.EnsureAccount(ctx, m.ID, m.StartingBalance); err != nil {
					return fmt.Errorf("account %s: %w", seed.Name, err)
				}
				if _, err := a.versions.Record(ctx, m, "initial onboarding", time.Now()); err != nil {
					return fmt.Errorf("version %s: %w", seed.Name, err)
				}
				fmt.Printf("✅ %s onboarded (id %d, $%s)\n", m.Name, m.ID, m.StartingBalance.StringFixed(2))
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTPUT
// ═══════════════════════════════════════════════════════════════════════════════

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func printReport(r *core.SweepReport) {
	fmt.Printf("Sweep at %s (%s)\n", r.Started.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	for _, t := range r.Settled {
		fmt.Printf("  📊 settled %s %s %s pnl $%s\n", t.ID, t.Direction, t.Status, t.PnL.StringFixed(2))
	}
	for _, l := range r.Learned {
		if l.Changed() {
			fmt.Printf("  🧠 model %d learned: %v\n", l.ModelID, l.Rationale)
		}
	}
	g := r.Global
	fmt.Printf("  🛡️ global: high_vol=%v skip_up=%v skip_down=%v fear/greed=%.0f\n",
		g.HighVolatility, g.SkipUpBets, g.SkipDownBets, g.FearGreed)
	for _, o := range r.Models {
		printOutcome(o)
	}
	fmt.Printf("  errors: %d\n", r.Errors)
}

func printOutcome(o core.ModelOutcome) {
	switch {
	case o.Err != nil:
		fmt.Printf("  ❌ %s: %v\n", o.Name, o.Err)
	case o.Trade != nil:
		fmt.Printf("  💰 %s bet %s $%s on %s\n", o.Name, o.Trade.Direction, o.Trade.AmountUSDC.StringFixed(2), o.MarketID)
	default:
		line := fmt.Sprintf("  ⏭️  %s skipped: %s", o.Name, o.Skipped)
		if o.Decision != nil {
			line += fmt.Sprintf(" (score %.3f, %s/%s, oracle %s)",
				o.Decision.Score, o.Decision.Direction, o.Decision.Confidence, o.Decision.OracleStatus)
		}
		fmt.Println(line)
	}
}
