package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - settles open trades whose markets have resolved
// ═══════════════════════════════════════════════════════════════════════════════
//
//   market time_remaining ≤ 0            → closed at the snapshot's up odds
//   no market data since open, age > TTL → expired push
//   market data gone quiet for > TTL     → expired push
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExpireTrades settles every open trade that is due. One failing trade does not
// stop the others; the settled trades are returned in opening order.
func (l *Ledger) ExpireTrades(ctx context.Context, now time.Time) ([]*types.Trade, error) {
	open, err := l.store.OpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}

	var settled []*types.Trade
	for _, t := range open {
		exit, due, err := l.resolution(ctx, &t, now)
		if err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("Resolution lookup failed")
			continue
		}
		if !due {
			continue
		}

		s, err := l.Settle(ctx, t.ID, exit, now)
		if errors.Is(err, storage.ErrAlreadySettled) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("Settlement failed")
			continue
		}
		settled = append(settled, s)
	}

	if len(settled) > 0 {
		log.Info().Int("settled", len(settled)).Int("open", len(open)-len(settled)).Msg("Reconciled open trades")
	}
	return settled, nil
}

func (l *Ledger) resolution(ctx context.Context, t *types.Trade, now time.Time) (*float64, bool, error) {
	snap, err := l.store.LatestSnapshot(ctx, t.MarketID, now)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	if snap != nil && snap.TimeRemaining <= 0 {
		odds := snap.UpOdds
		return &odds, true, nil
	}

	if snap == nil || !snap.Timestamp.After(t.OpenedAt) {
		if now.Sub(t.OpenedAt) > l.cfg.OpenTTL {
			return nil, true, nil
		}
		return nil, false, nil
	}
	// feed stopped before resolution
	if now.Sub(snap.Timestamp) > l.cfg.OpenTTL {
		return nil, true, nil
	}
	return nil, false, nil
}
