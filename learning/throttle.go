package learning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/risk"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// EvaluateBlackout recounts the model's losing streak and trips or clears its
// blackout. The model record is updated atomically and mirrored into the
// persisted blackout state.
func (im *Improver) EvaluateBlackout(ctx context.Context, modelID uint, now time.Time) (string, error) {
	recent, err := im.store.RecentSettled(ctx, modelID, im.cfg.Window*4)
	if err != nil {
		return "", fmt.Errorf("recent trades: %w", err)
	}
	losses := risk.ConsecutiveLosses(recent)

	var note string
	updated, err := im.store.MutateModel(ctx, modelID, func(m *types.Model) error {
		_, note = im.blackout.Apply(m, losses, now)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mutate model: %w", err)
	}

	if note != "" {
		im.appendInsight(ctx, modelID, InsightBlackout, note, now)
	}

	im.stateMu.Lock()
	defer im.stateMu.Unlock()
	state, err := im.states.LoadBlackout(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Blackout state unavailable")
		return note, nil
	}
	state.Models[strconv.FormatUint(uint64(modelID), 10)] = risk.Snapshot(updated)
	state.UpdatedAt = now
	if err := im.states.SaveBlackout(ctx, state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist blackout state")
	}
	return note, nil
}

// UpdateGlobalThrottles refreshes the cross-model flags from the latest BTC
// volatility and fear/greed readings and persists them
func (im *Improver) UpdateGlobalThrottles(ctx context.Context, now time.Time) (types.GlobalThrottle, error) {
	im.stateMu.Lock()
	defer im.stateMu.Unlock()

	state, err := im.states.LoadBlackout(ctx)
	if err != nil {
		return types.GlobalThrottle{}, fmt.Errorf("load blackout state: %w", err)
	}

	var change, fearGreed *float64
	price, err := im.store.LatestPrice(ctx, now)
	switch {
	case err == nil:
		change = &price.Change1h
	case !errors.Is(err, storage.ErrNotFound):
		log.Warn().Err(err).Msg("BTC price unavailable for throttles")
	}

	fg, err := im.store.LatestSignalBySource(ctx, types.SourceFearGreed, now)
	switch {
	case err == nil:
		fearGreed = &fg.RawValue
	case !errors.Is(err, storage.ErrNotFound):
		log.Warn().Err(err).Msg("Fear/greed unavailable for throttles")
	}

	prev := state.Global
	next := im.throttle.Evaluate(prev, change, fearGreed)
	state.Global = next
	state.UpdatedAt = now

	if next.HighVolatility != prev.HighVolatility || next.SkipUpBets != prev.SkipUpBets || next.SkipDownBets != prev.SkipDownBets {
		log.Warn().
			Bool("high_volatility", next.HighVolatility).
			Float64("volatility_pct", next.VolatilityPct).
			Bool("skip_up", next.SkipUpBets).
			Bool("skip_down", next.SkipDownBets).
			Float64("fear_greed", next.FearGreed).
			Msg("🛡️ Global throttles changed")
	}

	if err := im.states.SaveBlackout(ctx, state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist global throttles")
	}
	return next, nil
}

// Throttles returns the persisted global flags without recomputing them
func (im *Improver) Throttles(ctx context.Context) types.GlobalThrottle {
	im.stateMu.Lock()
	defer im.stateMu.Unlock()
	state, err := im.states.LoadBlackout(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Blackout state unavailable")
		return types.GlobalThrottle{}
	}
	return state.Global
}
