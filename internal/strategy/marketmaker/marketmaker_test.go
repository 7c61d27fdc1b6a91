package marketmaker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mmbot-engine-go/internal/config"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/strategy"
	"mmbot-engine-go/internal/strategy/strategytest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (n *recordingNotifier) Notify(_ context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]string)
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	return nil
}

func (n *recordingNotifier) count(chatID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent[chatID])
}

func newService(t *testing.T) (*Service, *strategytest.Harness, *recordingNotifier) {
	t.Helper()
	h := strategytest.New(t)
	h.Refresh(t, strategytest.Symbol)
	n := &recordingNotifier{}
	return NewService(h.Deps, config.Default(), n), h, n
}

// activeBot quotes 0.99 / 1.01 around a 1.0 ceiling, away from the synthetic book
func activeBot(t *testing.T, s *Service, target float64) *models.MarketMakerBot {
	t.Helper()
	bot, err := s.Create(context.Background(), strategytest.UserID, Input{
		Name:            "mm",
		TargetPrice:     target,
		SpreadPercent:   0.02,
		OrderSize:       10,
		PriceCeil:       strategy.Ptr(1.0),
		IncrementStep:   strategy.Ptr(0.5),
		TelegramEnabled: true,
		TelegramUserID:  "4242",
	})
	require.NoError(t, err)
	bot, err = s.bots.Update(bot.ID, func(b *models.MarketMakerBot) error {
		b.IsActive = true
		b.Status = models.StatusRunning
		return nil
	})
	require.NoError(t, err)
	return bot
}

func TestRungsClampCentreAndGrowSize(t *testing.T) {
	bot := &models.MarketMakerBot{
		TargetPrice:    1.2,
		SpreadPercent:  0.02,
		OrderSize:      100,
		IncrementStep:  5,
		ExecutionCount: 3,
		PriceCeil:      strategy.Ptr(1.1),
	}
	bid, ask, size := Rungs(bot)
	assert.InDelta(t, 1.089, bid, 1e-12)
	assert.InDelta(t, 1.111, ask, 1e-12)
	assert.Equal(t, 115.0, size)

	bot.PriceCeil = nil
	bot.PriceFloor = strategy.Ptr(2.0)
	bid, ask, _ = Rungs(bot)
	assert.InDelta(t, 1.98, bid, 1e-12)
	assert.InDelta(t, 2.02, ask, 1e-12)
}

func TestCycleReplacesWorkingOrders(t *testing.T) {
	s, h, _ := newService(t)
	ctx := context.Background()
	bot := activeBot(t, s, 2.0)
	w := s.newWorker(bot.ID)

	done, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	require.Len(t, got.WorkingOrders, 2)
	assert.Equal(t, models.Buy, got.WorkingOrders[0].Side)
	assert.InDelta(t, 0.99, got.WorkingOrders[0].Price, 1e-12)
	assert.Equal(t, models.Sell, got.WorkingOrders[1].Side)
	assert.InDelta(t, 1.01, got.WorkingOrders[1].Price, 1e-12)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 10.0, got.CurrentOrderSize)
	assert.Empty(t, got.Pending)

	_, err = w.RunCycle(ctx)
	require.NoError(t, err)
	got, err = s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, 10.5, got.CurrentOrderSize)
	assert.Equal(t, 2, h.Paper.Calls("cancel_order"))

	open, err := h.Pipeline.OpenOrders(ctx, strategytest.UserID, strategytest.Symbol)
	require.NoError(t, err)
	require.Len(t, open, 2, "the previous rung was cancelled")
	for _, o := range open {
		assert.Equal(t, 10.5, o.OrigQty)
	}
}

func TestFailedCancelSkipsPlacement(t *testing.T) {
	s, h, _ := newService(t)
	ctx := context.Background()
	bot := activeBot(t, s, 2.0)
	w := s.newWorker(bot.ID)
	_, err := w.RunCycle(ctx)
	require.NoError(t, err)
	placed := h.Paper.Calls("place_order")

	h.Paper.FailNext("cancel_order", models.RejectedError("cancel_order", errors.New("venue busy")))
	done, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, placed, h.Paper.Calls("place_order"), "no new orders while an old one is still working")

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Len(t, got.WorkingOrders, 1)
	assert.Equal(t, 1, got.ExecutionCount)

	// the next cycle retries the cancel and places again
	_, err = w.RunCycle(ctx)
	require.NoError(t, err)
	got, err = s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Len(t, got.WorkingOrders, 2)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestTargetReachedStopsPlacing(t *testing.T) {
	s, h, n := newService(t)
	ctx := context.Background()
	bot := activeBot(t, s, 2.0)
	w := s.newWorker(bot.ID)
	_, err := w.RunCycle(ctx)
	require.NoError(t, err)

	h.Paper.SetPrice(strategytest.Symbol, 2.5)
	h.Refresh(t, strategytest.Symbol)
	placed := h.Paper.Calls("place_order")

	done, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.True(t, got.TargetReached)
	assert.Equal(t, models.StatusTargetReached, got.Status)
	assert.Empty(t, got.WorkingOrders)
	assert.Equal(t, 1, n.count("4242"))

	for i := 0; i < 3; i++ {
		done, err = w.RunCycle(ctx)
		require.NoError(t, err)
		assert.True(t, done)
	}
	assert.Equal(t, placed, h.Paper.Calls("place_order"))
	assert.Equal(t, 1, n.count("4242"), "the notification is sent once")

	started, err := s.Start(ctx, strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.False(t, started.TargetReached)
	assert.Equal(t, models.StatusRunning, started.Status)
	_, err = s.Stop(ctx, strategytest.UserID, bot.ID)
	require.NoError(t, err)
}

func TestPendingOrdersAreAdoptedOrDroppedOnRestart(t *testing.T) {
	s, h, _ := newService(t)
	ctx := context.Background()
	bot := activeBot(t, s, 2.0)
	reached := models.OrderIntent{Key: "market_maker:" + bot.ID + "#1", StrategyKind: models.KindMarketMaker, BotID: bot.ID,
		UserID: bot.UserID, Symbol: bot.Symbol, Side: models.Buy, Type: models.Limit, Quantity: 10, Price: 0.99}
	lost := reached
	lost.Key = "market_maker:" + bot.ID + "#2"
	lost.Side, lost.Price = models.Sell, 1.01

	require.NoError(t, h.DB.PutIntent(reached.Key))
	_, err := h.Paper.PlaceOrder(ctx, models.OrderParams{Symbol: bot.Symbol, Side: models.Buy, Type: models.Limit,
		Quantity: 10, Price: 0.99, ClientOrderID: h.Pipeline.ClientOrderID(reached.Key)})
	require.NoError(t, err)
	_, err = s.bots.Update(bot.ID, func(b *models.MarketMakerBot) error {
		b.Pending = []models.OrderIntent{reached, lost}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.newWorker(bot.ID).startup(ctx))

	got, err := s.Get(strategytest.UserID, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Pending)
	require.Len(t, got.WorkingOrders, 1)
	assert.Equal(t, models.Buy, got.WorkingOrders[0].Side)
	assert.Len(t, h.Logs(t, bot.ID, models.LevelWarning), 1)
}

func TestMissingCredentialsPause(t *testing.T) {
	s, h, _ := newService(t)
	ctx := context.Background()
	bot, err := s.Create(ctx, "nobody", Input{Name: "mm", TargetPrice: 2, SpreadPercent: 0.02, OrderSize: 1, PriceCeil: strategy.Ptr(1.0)})
	require.NoError(t, err)
	_, err = s.bots.Update(bot.ID, func(b *models.MarketMakerBot) error {
		b.IsActive = true
		return nil
	})
	require.NoError(t, err)

	_, err = s.newWorker(bot.ID).RunCycle(ctx)
	assert.ErrorIs(t, err, errPaused)
	got, err := s.Get("nobody", bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ExecutionCount)
	assert.Empty(t, got.WorkingOrders)
	assert.Equal(t, 0, h.Paper.Calls("place_order"))
}

func TestCreateValidates(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	cases := []Input{
		{Name: "", TargetPrice: 1, SpreadPercent: 0.02, OrderSize: 1},
		{Name: "a", TargetPrice: 0, SpreadPercent: 0.02, OrderSize: 1},
		{Name: "a", TargetPrice: 1, SpreadPercent: 0, OrderSize: 1},
		{Name: "a", TargetPrice: 1, SpreadPercent: 0.02, OrderSize: 0},
		{Name: "a", TargetPrice: 1, SpreadPercent: 0.02, OrderSize: 1, PriceFloor: strategy.Ptr(2.0), PriceCeil: strategy.Ptr(1.0)},
		{Name: "a", TargetPrice: 1, SpreadPercent: 0.02, OrderSize: 1, TelegramEnabled: true},
	}
	for i, in := range cases {
		_, err := s.Create(ctx, strategytest.UserID, in)
		assert.ErrorIs(t, err, models.ErrInvalidInput, "case %d", i)
	}

	bot, err := s.Create(ctx, strategytest.UserID, Input{Name: "a", TargetPrice: 1, SpreadPercent: 0.02, OrderSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0001, bot.IncrementStep)
	assert.Equal(t, strategytest.Symbol, bot.Symbol)
	assert.Equal(t, models.StatusCreated, bot.Status)

	status, err := s.Status(strategytest.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalBots)
}
