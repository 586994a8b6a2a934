package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// Database is the gorm-backed implementation of storage.Store
type Database struct {
	db       *gorm.DB
	postgres bool
}

var _ storage.Store = (*Database)(nil)

// New opens SQLite (a file path) or PostgreSQL (a postgres:// URL) and migrates the schema
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	isPostgres := strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://")
	if isPostgres {
		db, err = gorm.Open(postgres.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		// one writer at a time; SQLite would otherwise report "database is locked"
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	d := &Database{db: db, postgres: isPostgres}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *Database) migrate() error {
	return d.db.AutoMigrate(
		&types.Model{},
		&types.Signal{},
		&types.MarketSnapshot{},
		&types.Trade{},
		&types.TradeAnalysis{},
		&types.Insight{},
		&types.Version{},
		&types.PaperAccount{},
		&types.BTCPrice{},
		&types.DecisionRun{},
		&types.ApprovalRequest{},
	)
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// forUpdate row-locks the selected rows on PostgreSQL; SQLite serializes writers already
func (d *Database) forUpdate(tx *gorm.DB) *gorm.DB {
	if d.postgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) CreateModel(ctx context.Context, m *types.Model) error {
	return d.db.WithContext(ctx).Create(m).Error
}

func (d *Database) GetModel(ctx context.Context, id uint) (*types.Model, error) {
	var m types.Model
	if err := d.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("model %d", id))
	}
	return &m, nil
}

// GetModelByName looks a model up by its unique name
func (d *Database) GetModelByName(ctx context.Context, name string) (*types.Model, error) {
	var m types.Model
	if err := d.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, notFound(err, "model "+name)
	}
	return &m, nil
}

func (d *Database) ActiveModels(ctx context.Context) ([]types.Model, error) {
	var out []types.Model
	err := d.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error
	return out, err
}

func (d *Database) MutateModel(ctx context.Context, id uint, fn func(m *types.Model) error) (*types.Model, error) {
	var out types.Model
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.forUpdate(tx).First(&out, id).Error; err != nil {
			return notFound(err, fmt.Sprintf("model %d", id))
		}
		if err := fn(&out); err != nil {
			return err
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS, MARKETS, PRICES
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) AppendSignal(ctx context.Context, s *types.Signal) error {
	return d.db.WithContext(ctx).Create(s).Error
}

func (d *Database) LatestSignals(ctx context.Context, modelID uint, at time.Time) (map[string]types.Signal, error) {
	var rows []types.Signal
	err := d.db.WithContext(ctx).
		Where("model_id = ? AND timestamp <= ?", modelID, at).
		Where("timestamp = (?)", d.db.Table("signals AS s2").
			Select("MAX(s2.timestamp)").
			Where("s2.model_id = signals.model_id AND s2.source = signals.source AND s2.timestamp <= ?", at)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Signal, len(rows))
	for _, s := range rows {
		out[s.Source] = s // ascending id: the last duplicate wins
	}
	return out, nil
}

func (d *Database) LatestSignalBySource(ctx context.Context, source string, at time.Time) (*types.Signal, error) {
	var s types.Signal
	err := d.db.WithContext(ctx).
		Where("source = ? AND timestamp <= ?", source, at).
		Order("timestamp DESC, id DESC").
		First(&s).Error
	if err != nil {
		return nil, notFound(err, "signal "+source)
	}
	return &s, nil
}

func (d *Database) AppendSnapshot(ctx context.Context, s *types.MarketSnapshot) error {
	return d.db.WithContext(ctx).Create(s).Error
}

func (d *Database) LatestSnapshot(ctx context.Context, marketID string, at time.Time) (*types.MarketSnapshot, error) {
	var s types.MarketSnapshot
	err := d.db.WithContext(ctx).
		Where("market_id = ? AND timestamp <= ?", marketID, at).
		Order("timestamp DESC, id DESC").
		First(&s).Error
	if err != nil {
		return nil, notFound(err, "market "+marketID)
	}
	return &s, nil
}

func (d *Database) LiveMarkets(ctx context.Context, at time.Time) ([]types.MarketSnapshot, error) {
	var rows []types.MarketSnapshot
	err := d.db.WithContext(ctx).
		Where("timestamp <= ?", at).
		Where("timestamp = (?)", d.db.Table("market_snapshots AS m2").
			Select("MAX(m2.timestamp)").
			Where("m2.market_id = market_snapshots.market_id AND m2.timestamp <= ?", at)).
		Order("market_id, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[string]types.MarketSnapshot, len(rows))
	var order []string
	for _, s := range rows {
		if _, seen := latest[s.MarketID]; !seen {
			order = append(order, s.MarketID)
		}
		latest[s.MarketID] = s
	}
	var out []types.MarketSnapshot
	for _, id := range order {
		if s := latest[id]; s.TimeRemaining > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *Database) AllSnapshots(ctx context.Context) ([]types.MarketSnapshot, error) {
	var out []types.MarketSnapshot
	err := d.db.WithContext(ctx).Order("timestamp, id").Find(&out).Error
	return out, err
}

func (d *Database) AppendPrice(ctx context.Context, p *types.BTCPrice) error {
	return d.db.WithContext(ctx).Create(p).Error
}

func (d *Database) NearestPrice(ctx context.Context, at time.Time, tolerance time.Duration) (*types.BTCPrice, error) {
	var before, after types.BTCPrice
	errBefore := d.db.WithContext(ctx).
		Where("timestamp <= ? AND timestamp >= ?", at, at.Add(-tolerance)).
		Order("timestamp DESC").First(&before).Error
	errAfter := d.db.WithContext(ctx).
		Where("timestamp > ? AND timestamp <= ?", at, at.Add(tolerance)).
		Order("timestamp").First(&after).Error

	for _, err := range []error{errBefore, errAfter} {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	switch {
	case errBefore == nil && errAfter == nil:
		if after.Timestamp.Sub(at) < at.Sub(before.Timestamp) {
			return &after, nil
		}
		return &before, nil
	case errBefore == nil:
		return &before, nil
	case errAfter == nil:
		return &after, nil
	}
	return nil, fmt.Errorf("btc price near %s: %w", at.Format(time.RFC3339), storage.ErrNotFound)
}

func (d *Database) LatestPrice(ctx context.Context, at time.Time) (*types.BTCPrice, error) {
	var p types.BTCPrice
	err := d.db.WithContext(ctx).Where("timestamp <= ?", at).Order("timestamp DESC").First(&p).Error
	if err != nil {
		return nil, notFound(err, "btc price")
	}
	return &p, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES & ACCOUNTS
// ═══════════════════════════════════════════════════════════════════════════════

var settledStatuses = []types.TradeStatus{types.TradeClosed, types.TradeExpired}

func (d *Database) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	var t types.Trade
	if err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "trade "+id)
	}
	return &t, nil
}

func (d *Database) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	var out []types.Trade
	err := d.db.WithContext(ctx).Where("status = ?", types.TradeOpen).Order("opened_at, id").Find(&out).Error
	return out, err
}

func (d *Database) RecentSettled(ctx context.Context, modelID uint, limit int) ([]types.Trade, error) {
	var out []types.Trade
	q := d.db.WithContext(ctx).
		Where("model_id = ? AND status IN ?", modelID, settledStatuses).
		Order("closed_at DESC, opened_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (d *Database) AllSettled(ctx context.Context) ([]types.Trade, error) {
	var out []types.Trade
	err := d.db.WithContext(ctx).Where("status IN ?", settledStatuses).Order("opened_at, id").Find(&out).Error
	return out, err
}

func (d *Database) TradesOpenedBetween(ctx context.Context, modelID uint, from, to time.Time) ([]types.Trade, error) {
	var out []types.Trade
	err := d.db.WithContext(ctx).
		Where("model_id = ? AND opened_at >= ? AND opened_at < ?", modelID, from, to).
		Order("opened_at, id").
		Find(&out).Error
	return out, err
}

func (d *Database) CountSettled(ctx context.Context, modelID uint) (int, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&types.Trade{}).
		Where("model_id = ? AND status IN ?", modelID, settledStatuses).
		Count(&n).Error
	return int(n), err
}

func (d *Database) EnsureAccount(ctx context.Context, modelID uint, starting decimal.Decimal) (*types.PaperAccount, error) {
	acc := types.PaperAccount{ModelID: modelID, Balance: starting, StartingBalance: starting, UpdatedAt: time.Now()}
	err := d.db.WithContext(ctx).Where(types.PaperAccount{ModelID: modelID}).FirstOrCreate(&acc).Error
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (d *Database) GetAccount(ctx context.Context, modelID uint) (*types.PaperAccount, error) {
	var acc types.PaperAccount
	if err := d.db.WithContext(ctx).First(&acc, "model_id = ?", modelID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("account %d", modelID))
	}
	return &acc, nil
}

func (d *Database) OpenTrade(ctx context.Context, t *types.Trade) (*types.PaperAccount, error) {
	var acc types.PaperAccount
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.forUpdate(tx).First(&acc, "model_id = ?", t.ModelID).Error; err != nil {
			return notFound(err, fmt.Sprintf("account %d", t.ModelID))
		}
		if acc.Balance.LessThan(t.AmountUSDC) {
			return storage.ErrInsufficientFunds
		}
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		acc.Balance = acc.Balance.Sub(t.AmountUSDC)
		acc.UpdatedAt = time.Now()
		return tx.Save(&acc).Error
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (d *Database) SettleTrade(ctx context.Context, s storage.Settlement) (*types.Trade, error) {
	var t types.Trade
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.forUpdate(tx).First(&t, "id = ?", s.TradeID).Error; err != nil {
			return notFound(err, "trade "+s.TradeID)
		}
		if t.Status != types.TradeOpen {
			return storage.ErrAlreadySettled
		}

		closedAt := s.ClosedAt
		res := tx.Model(&types.Trade{}).
			Where("id = ? AND status = ?", s.TradeID, types.TradeOpen).
			Updates(map[string]any{
				"status":    s.Status,
				"exit_odds": s.ExitOdds,
				"pnl":       s.PnL,
				"closed_at": closedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrAlreadySettled
		}

		var acc types.PaperAccount
		if err := d.forUpdate(tx).First(&acc, "model_id = ?", t.ModelID).Error; err != nil {
			return notFound(err, fmt.Sprintf("account %d", t.ModelID))
		}
		acc.Balance = acc.Balance.Add(t.AmountUSDC).Add(s.PnL)
		acc.UpdatedAt = time.Now()
		if err := tx.Save(&acc).Error; err != nil {
			return err
		}

		t.Status = s.Status
		t.ExitOdds = s.ExitOdds
		t.PnL = s.PnL
		t.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYSES, INSIGHTS, RUNS
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) GetAnalysis(ctx context.Context, tradeID string) (*types.TradeAnalysis, error) {
	var a types.TradeAnalysis
	if err := d.db.WithContext(ctx).First(&a, "trade_id = ?", tradeID).Error; err != nil {
		return nil, notFound(err, "analysis "+tradeID)
	}
	return &a, nil
}

func (d *Database) SaveAnalysis(ctx context.Context, a *types.TradeAnalysis) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&types.TradeAnalysis{}).Where("trade_id = ?", a.TradeID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return storage.ErrDuplicateAnalysis
		}
		err := tx.Create(a).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrDuplicateAnalysis
		}
		return err
	})
}

func (d *Database) AppendInsight(ctx context.Context, i *types.Insight) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	return d.db.WithContext(ctx).Create(i).Error
}

func (d *Database) Insights(ctx context.Context, modelID uint, limit int) ([]types.Insight, error) {
	var out []types.Insight
	q := d.db.WithContext(ctx).Where("model_id = ?", modelID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (d *Database) RecordRun(ctx context.Context, r *types.DecisionRun) error {
	return d.db.WithContext(ctx).Create(r).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERSIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) AppendVersion(ctx context.Context, v *types.Version) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last types.Version
		err := d.forUpdate(tx).Where("model_id = ?", v.ModelID).Order("version_num DESC").First(&last).Error
		switch {
		case err == nil:
			if v.VersionNum <= last.VersionNum {
				return storage.ErrVersionConflict
			}
			parent := last.ID
			v.ParentVersionID = &parent
		case errors.Is(err, gorm.ErrRecordNotFound):
			v.ParentVersionID = nil
		default:
			return err
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now()
		}
		err = tx.Create(v).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrVersionConflict
		}
		return err
	})
}

func (d *Database) Versions(ctx context.Context, modelID uint) ([]types.Version, error) {
	var out []types.Version
	err := d.db.WithContext(ctx).Where("model_id = ?", modelID).Order("version_num").Find(&out).Error
	return out, err
}

func (d *Database) GetVersion(ctx context.Context, id uint) (*types.Version, error) {
	var v types.Version
	if err := d.db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("version %d", id))
	}
	return &v, nil
}

func (d *Database) MarkProdSynced(ctx context.Context, id uint) error {
	res := d.db.WithContext(ctx).Model(&types.Version{}).Where("id = ?", id).Update("is_prod_synced", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("version %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// APPROVALS
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) CreateApproval(ctx context.Context, r *types.ApprovalRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Database) GetApproval(ctx context.Context, id uint) (*types.ApprovalRequest, error) {
	var r types.ApprovalRequest
	if err := d.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("approval %d", id))
	}
	return &r, nil
}

func (d *Database) TransitionApproval(ctx context.Context, id uint, from, to types.ApprovalStatus, note string, at time.Time) (*types.ApprovalRequest, error) {
	updates := map[string]any{"status": to, "resolved_at": at}
	if note != "" {
		updates["note"] = note
	}
	res := d.db.WithContext(ctx).Model(&types.ApprovalRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := d.GetApproval(ctx, id); err != nil {
			return nil, err
		}
		return nil, storage.ErrNotAwaiting
	}
	return d.GetApproval(ctx, id)
}

func (d *Database) PendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	var out []types.ApprovalRequest
	err := d.db.WithContext(ctx).
		Where("status IN ?", []types.ApprovalStatus{types.ApprovalAwaiting, types.ApprovalApproved}).
		Order("id").
		Find(&out).Error
	return out, err
}
