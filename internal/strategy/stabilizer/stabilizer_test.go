package stabilizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"mmbot-engine-go/internal/config"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/strategy"
	"mmbot-engine-go/internal/strategy/strategytest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowExecutor advances the test clock after every order
type slowExecutor struct {
	strategy.Executor
	h    *strategytest.Harness
	step time.Duration
}

func (e slowExecutor) Execute(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error) {
	rec, err := e.Executor.Execute(ctx, in)
	e.h.Advance(e.step)
	return rec, err
}

func testConfig() *models.Config {
	cfg := config.Default()
	cfg.StabilizerConfig.OrderIntervalSec = 0
	return cfg
}

// thinBook leaves 185 USDT of asks below a 1.0 target
func thinBook(h *strategytest.Harness) {
	h.Paper.SetBook(strategytest.Symbol, 0.9,
		[]models.PriceLevel{{Price: 0.89, Quantity: 1000}},
		[]models.PriceLevel{{Price: 0.9, Quantity: 100}, {Price: 0.95, Quantity: 100}, {Price: 1.0, Quantity: 1000}, {Price: 1.01, Quantity: 1000}})
}

func newActiveBot(t *testing.T, s *Service) *models.StabilizerBot {
	t.Helper()
	bot, err := s.Create(context.Background(), strategytest.UserID, Input{Name: "peg", Symbol: strategytest.Symbol, TargetPrice: 1.0})
	require.NoError(t, err)
	bot, err = s.bots.Update(bot.ID, func(b *models.StabilizerBot) error {
		b.IsActive = true
		return nil
	})
	require.NoError(t, err)
	return bot
}

func TestBookWalkStopsAtTarget(t *testing.T) {
	snap := &models.MarketSnapshot{Asks: []models.PriceLevel{
		{Price: 0.9, Quantity: 100}, {Price: 0.95, Quantity: 100}, {Price: 1.0, Quantity: 50}, {Price: 0.5, Quantity: 1e6},
	}}
	assert.InDelta(t, 185, BookWalk{}.RequiredQuote(snap, 1.0), 1e-9)
	assert.Zero(t, BookWalk{}.RequiredQuote(snap, 0.9))
	assert.Zero(t, BookWalk{}.RequiredQuote(nil, 1.0))
}

func TestRecoveryPlacesFourSlicesSummingToNotional(t *testing.T) {
	h := strategytest.New(t)
	s := NewService(h.Deps, testConfig(), nil)
	ctx := context.Background()
	thinBook(h)
	h.Refresh(t, strategytest.Symbol)
	bot := newActiveBot(t, s)

	w := s.newWorker(bot.ID)
	require.NoError(t, w.startup(ctx))
	require.NoError(t, w.Check(ctx))

	trades := h.Trades(t, bot.ID)
	require.Len(t, trades, 4)
	var total float64
	for _, tr := range trades {
		assert.Equal(t, models.TradeSuccess, tr.Status)
		assert.Equal(t, models.Market, tr.Type)
		assert.Equal(t, "exec-1", tr.Group)
		assert.InDelta(t, 46.25, tr.QuoteAmount, 1e-6)
		total += tr.QuoteAmount
	}
	assert.InDelta(t, 185, total, 1e-6)

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMonitoring, got.Phase)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 4, got.SuccessfulOrders)
	assert.InDelta(t, 185, got.TotalUsdtSpent, 1e-6)
	assert.InDelta(t, 0.95, got.LastFinalPrice, 1e-9)
	assert.Nil(t, got.Pending)
	assert.Nil(t, got.RecoveryStartedAt)
}

func TestPriceAtTargetPlacesNothing(t *testing.T) {
	h := strategytest.New(t)
	s := NewService(h.Deps, testConfig(), nil)
	h.Refresh(t, strategytest.Symbol) // synthetic book around 1.0
	bot := newActiveBot(t, s)

	require.NoError(t, s.newWorker(bot.ID).Check(context.Background()))
	assert.Equal(t, 0, h.Paper.Calls("place_order"))
	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.LastMarketPrice)
	assert.NotNil(t, got.LastCheckedAt)
}

func TestFailedSliceAbortsRemainingSlices(t *testing.T) {
	h := strategytest.New(t)
	s := NewService(h.Deps, testConfig(), nil)
	ctx := context.Background()
	thinBook(h)
	h.Paper.SetBalance("USDT", 50)
	h.Refresh(t, strategytest.Symbol)
	bot := newActiveBot(t, s)

	w := s.newWorker(bot.ID)
	require.NoError(t, w.startup(ctx))
	require.NoError(t, w.Check(ctx))

	assert.Len(t, h.Trades(t, bot.ID), 2)
	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessfulOrders)
	assert.Equal(t, 1, got.FailedOrders)
	assert.Equal(t, models.PhaseMonitoring, got.Phase)
	assert.Len(t, h.Logs(t, bot.ID, models.LevelWarning), 2, "each skipped slice is logged")
}

func TestRecoveryTimeoutForcesReset(t *testing.T) {
	h := strategytest.New(t)
	cfg := testConfig()
	cfg.StabilizerConfig.MaxRecoverySec = 100
	deps := h.Deps
	deps.Executor = slowExecutor{Executor: h.Pipeline, h: h, step: time.Minute}
	s := NewService(deps, cfg, nil)
	ctx := context.Background()
	thinBook(h)
	h.Refresh(t, strategytest.Symbol)
	bot := newActiveBot(t, s)

	w := s.newWorker(bot.ID)
	require.NoError(t, w.startup(ctx))
	require.NoError(t, w.Check(ctx))

	assert.Len(t, h.Trades(t, bot.ID), 2)
	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMonitoring, got.Phase)

	var reset bool
	for _, e := range h.Logs(t, bot.ID, models.LevelError) {
		reset = reset || strings.Contains(e.Message, "强制重置")
	}
	assert.True(t, reset)
}

func TestRecoveringPhaseIsResetAtStartup(t *testing.T) {
	h := strategytest.New(t)
	s := NewService(h.Deps, testConfig(), nil)
	bot := newActiveBot(t, s)
	now := h.Now()
	_, err := s.bots.Update(bot.ID, func(b *models.StabilizerBot) error {
		b.Phase = models.PhaseRecovering
		b.RecoveryStartedAt = &now
		b.Pending = &models.OrderIntent{Key: "stabilizer:" + b.ID + "#9", UserID: b.UserID, Symbol: b.Symbol, BotID: b.ID}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.newWorker(bot.ID).startup(context.Background()))

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMonitoring, got.Phase)
	assert.Nil(t, got.Pending)
	assert.Len(t, h.Logs(t, bot.ID, models.LevelError), 1)
	assert.Len(t, h.Logs(t, bot.ID, models.LevelWarning), 1)
	assert.Equal(t, 0, h.Paper.Calls("place_order"))
}

func TestStopAbortsBetweenSlices(t *testing.T) {
	h := strategytest.New(t)
	cfg := testConfig()
	cfg.StabilizerConfig.OrderIntervalSec = 3600
	s := NewService(h.Deps, cfg, nil)
	ctx := context.Background()
	thinBook(h)
	h.Refresh(t, strategytest.Symbol)
	bot, err := s.Create(ctx, strategytest.UserID, Input{Name: "peg", TargetPrice: 1.0})
	require.NoError(t, err)

	_, err = s.Start(ctx, strategytest.UserID, bot.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Trades(t, bot.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	stopped, err := s.Stop(ctx, strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Equal(t, models.PhaseIdle, stopped.Phase)
	assert.Len(t, h.Trades(t, bot.ID), 1)
	assert.Len(t, h.Logs(t, bot.ID, models.LevelWarning), 3)

	status, err := s.Status(strategytest.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalBots)
	assert.Equal(t, 0, status.RunningBots)
	assert.Equal(t, 1, status.SuccessfulOrders)
}

func TestCreateValidatesAndDefaultsSymbol(t *testing.T) {
	h := strategytest.New(t)
	s := NewService(h.Deps, testConfig(), nil)
	_, err := s.Create(context.Background(), strategytest.UserID, Input{Name: "x", TargetPrice: 0})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	bot, err := s.Create(context.Background(), strategytest.UserID, Input{Name: "x", TargetPrice: 2})
	require.NoError(t, err)
	assert.Equal(t, "GCBUSDT", bot.Symbol)
	assert.Equal(t, models.StatusCreated, bot.Status)

	_, err = s.Get("someone-else", bot.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
