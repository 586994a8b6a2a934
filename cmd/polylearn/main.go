// Polylearn - self-improving decision core for binary prediction-market paper trading
//
// Every sweep:
// 1. Settle paper trades whose market resolved or went stale
// 2. Analyse outcomes, trip loss blackouts, learn weights every 5th settlement
// 3. Refresh pattern memory and global throttles
// 4. Aggregate signals per model, gate and size with quarter Kelly, place paper bets
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd := &cobra.Command{
		Use:           "polylearn",
		Short:         "Self-improving paper-trading decision core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		sweepCmd(),
		modelCmd(),
		patternsCmd(),
		versionsCmd(),
		promoteCmd(),
		approveCmd(),
		onboardCmd(),
		selftestCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func applyLogLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
