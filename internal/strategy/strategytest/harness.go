// Package strategytest 为策略包的测试组装一套真实的依赖:
// 模拟交易所、内存 Badger、临时 SQLite 账本、下单管道、行情缓存和调度器。
package strategytest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/ledger"
	"mmbot-engine-go/internal/market"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/storage"
	"mmbot-engine-go/internal/strategy"
	"mmbot-engine-go/internal/vault"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	Symbol = "GCBUSDT"
	UserID = "u1"
)

// Harness 持有一套测试依赖
type Harness struct {
	Paper       *exchange.PaperExchange
	DB          *persistence.DB
	Ledger      *ledger.Ledger
	Vault       *vault.MemoryVault
	Pipeline    *execution.Pipeline
	Cache       *market.Cache
	Coordinator *statemanager.Coordinator
	Deps        strategy.Deps

	mu  sync.Mutex
	now time.Time
}

// New 创建测试依赖。调度器在后台运行, 测试结束时停止。
func New(t testing.TB) *Harness {
	t.Helper()
	db, err := persistence.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	v := vault.NewMemoryVault()
	require.NoError(t, v.SaveCredentials(UserID, models.Credentials{APIKey: "k1", APISecret: "s1"}))

	paper := exchange.NewPaperExchange(models.PaperConfig{
		Balances:     map[string]float64{"USDT": 100000, "GCB": 100000},
		Prices:       map[string]float64{Symbol: 1.0, "BTCUSDT": 60000, "ETHUSDT": 3000},
		BookLevels:   10,
		LevelSpacing: 0.001,
		LevelQty:     100000,
	}, "USDT", logger)

	lg := ledger.New(store, models.LedgerConfig{}, logger)
	pipeline := execution.NewPipeline(models.ExecutionConfig{RetryAttempts: 2, RetryInitialDelayMs: 1, RetryMaxDelayMs: 2},
		nil, v, paper.Factory(), db, lg, logger)
	cache := market.NewCache(paper, models.MarketConfig{RefreshIntervalSec: 60}, logger)
	coord := statemanager.NewCoordinator(models.CoordinatorConfig{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &Harness{
		Paper:       paper,
		DB:          db,
		Ledger:      lg,
		Vault:       v,
		Pipeline:    pipeline,
		Cache:       cache,
		Coordinator: coord,
		now:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.Deps = strategy.Deps{
		Executor:  pipeline,
		Snapshots: cache,
		Activity:  lg,
		Trades:    lg,
		Sequencer: db,
		Runner:    coord,
		DB:        db,
		Logger:    logger,
		Now:       h.Now,
	}
	return h
}

// Now 返回测试时钟
func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Advance 拨动测试时钟
func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// Refresh 立即刷新一个交易对的快照
func (h *Harness) Refresh(t testing.TB, symbol string) *models.MarketSnapshot {
	t.Helper()
	h.Cache.Track(symbol)
	snap, err := h.Cache.Refresh(context.Background(), symbol)
	require.NoError(t, err)
	return snap
}

// Trades 返回某个机器人的交易记录, 最新的在前
func (h *Harness) Trades(t testing.TB, botID string) []*models.TradeRecord {
	t.Helper()
	trades, err := h.Ledger.Trades(context.Background(), models.TradeFilter{BotID: botID})
	require.NoError(t, err)
	return trades
}

// Logs 返回某个机器人某个级别的活动日志
func (h *Harness) Logs(t testing.TB, botID string, level models.LogLevel) []models.ActivityLogEntry {
	t.Helper()
	require.NoError(t, h.Ledger.Flush(context.Background()))
	logs, err := h.Ledger.Logs(context.Background(), models.LogFilter{BotID: botID, Level: level})
	require.NoError(t, err)
	return logs
}
