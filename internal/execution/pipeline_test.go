package execution

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/ledger"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/storage"
	"mmbot-engine-go/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	paper  *exchange.PaperExchange
	db     *persistence.DB
	ledger *ledger.Ledger
	vault  *vault.MemoryVault
	rules  map[string]models.SymbolRules
	cfg    models.ExecutionConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := persistence.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := vault.NewMemoryVault()
	require.NoError(t, v.SaveCredentials("u1", models.Credentials{APIKey: "k1", APISecret: "s1"}))

	return &testEnv{
		paper: exchange.NewPaperExchange(models.PaperConfig{
			Balances:     map[string]float64{"USDT": 10000, "GCB": 1000},
			Prices:       map[string]float64{"GCBUSDT": 1.0},
			BookLevels:   5,
			LevelSpacing: 0.01,
			LevelQty:     1000,
		}, "USDT", nil),
		db:     db,
		ledger: ledger.New(store, models.LedgerConfig{}, zap.NewNop()),
		vault:  v,
		rules:  map[string]models.SymbolRules{},
		cfg:    models.ExecutionConfig{RetryAttempts: 3, RetryInitialDelayMs: 1, RetryMaxDelayMs: 4},
	}
}

func (e *testEnv) pipeline() *Pipeline {
	return NewPipeline(e.cfg, e.rules, e.vault, e.paper.Factory(), e.db, e.ledger, zap.NewNop())
}

func marketBuy(key string, quote float64) models.OrderIntent {
	return models.OrderIntent{
		Key:          key,
		StrategyKind: models.KindCondition,
		BotID:        "c1",
		BotName:      "test",
		UserID:       "u1",
		Symbol:       "GCBUSDT",
		Side:         models.Buy,
		Type:         models.Market,
		QuoteAmount:  quote,
	}
}

func TestExecuteMarketBuy(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline()

	rec, err := p.Execute(context.Background(), marketBuy("condition:c1#1", 50))
	require.NoError(t, err)
	assert.Equal(t, models.TradeSuccess, rec.Status)
	assert.NotEmpty(t, rec.OrderID)
	assert.InDelta(t, 50, rec.QuoteAmount, 1e-6)
	assert.Greater(t, rec.Volume, 0.0)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, p.ClientOrderID("condition:c1#1"), rec.ClientOrderID)

	has, err := env.db.HasIntent("condition:c1#1")
	require.NoError(t, err)
	assert.False(t, has, "intent is settled once the record is written")
}

func TestExecuteReplayAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline().Execute(ctx, marketBuy("condition:c1#1", 50))
	require.NoError(t, err)

	// a fresh pipeline over the same durable stores stands in for a restarted process
	second, err := env.pipeline().Execute(ctx, marketBuy("condition:c1#1", 50))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.paper.Calls("place_order"))
	trades, err := env.ledger.Trades(ctx, models.TradeFilter{BotID: "c1"})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestLostResponseIsQueriedBeforeRetry(t *testing.T) {
	env := newTestEnv(t)
	env.paper.LoseNextResponse()

	rec, err := env.pipeline().Execute(context.Background(), marketBuy("condition:c1#1", 50))
	require.NoError(t, err)
	assert.Equal(t, models.TradeSuccess, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, env.paper.Calls("place_order"), "the order must not be submitted twice")
	assert.Equal(t, 1, env.paper.Calls("get_order"))
	assert.Len(t, env.paper.AllOrders(), 1)
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.paper.FailNext("place_order", errors.New("503 service unavailable"))
	}

	rec, err := env.pipeline().Execute(context.Background(), marketBuy("condition:c1#1", 50))
	require.NoError(t, err)
	assert.Equal(t, models.TradeError, rec.Status)
	assert.Equal(t, models.KindTransient, rec.ErrorKind)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, env.paper.Calls("place_order"))

	logs, err := env.ledger.Logs(context.Background(), models.LogFilter{BotID: "c1", Level: models.LevelError})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRejectedOrderIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	in := marketBuy("condition:c1#1", 0)
	in.Side = models.Sell
	in.Quantity = 5000

	rec, err := env.pipeline().Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.TradeFailed, rec.Status)
	assert.Equal(t, models.KindRejected, rec.ErrorKind)
	assert.Equal(t, 1, env.paper.Calls("place_order"))
}

func TestMissingCredentialsRecordsConfigurationError(t *testing.T) {
	env := newTestEnv(t)
	in := marketBuy("condition:c9#1", 50)
	in.UserID = "nobody"

	rec, err := env.pipeline().Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.TradeError, rec.Status)
	assert.Equal(t, models.KindConfiguration, rec.ErrorKind)
	assert.Equal(t, 0, env.paper.Calls("place_order"))
}

func TestValidationRoundsAndRejects(t *testing.T) {
	env := newTestEnv(t)
	env.rules["GCBUSDT"] = models.SymbolRules{TickSize: "0.01", StepSize: "1", MinNotional: 5}
	p := env.pipeline()
	ctx := context.Background()

	ok := models.OrderIntent{Key: "k1", UserID: "u1", BotID: "b1", Symbol: "GCBUSDT",
		Side: models.Buy, Type: models.Limit, Quantity: 10.7, Price: 0.509}
	rec, err := p.Execute(ctx, ok)
	require.NoError(t, err)
	require.Equal(t, models.TradeSuccess, rec.Status)
	assert.Equal(t, 10.0, rec.Volume)
	assert.InDelta(t, 0.5, rec.Price, 1e-12)

	small := ok
	small.Key = "k2"
	small.Quantity = 3
	rec, err = p.Execute(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, models.TradeFailed, rec.Status)
	assert.Contains(t, rec.Error, "最小名义价值")
	assert.Equal(t, 1, env.paper.Calls("place_order"), "invalid orders never reach the exchange")
}

func TestReconcileFindsJournaledOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline()
	ctx := context.Background()
	in := marketBuy("scheduled:s1#7", 20)

	// crash after the order reached the venue but before the record was written
	require.NoError(t, env.db.PutIntent(in.Key))
	_, err := env.paper.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 20, ClientOrderID: p.ClientOrderID(in.Key),
	})
	require.NoError(t, err)

	rec, err := p.Reconcile(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeSuccess, rec.Status)

	again, err := p.Execute(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Len(t, env.paper.AllOrders(), 1)
}

func TestReconcileWithoutJournalReturnsNothing(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.pipeline().Reconcile(context.Background(), marketBuy("condition:c1#3", 10))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, env.paper.Calls("get_order"))
}

func TestReconcileJournaledButNeverSent(t *testing.T) {
	env := newTestEnv(t)
	in := marketBuy("condition:c1#4", 10)
	require.NoError(t, env.db.PutIntent(in.Key))

	rec, err := env.pipeline().Reconcile(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, rec)
	has, _ := env.db.HasIntent(in.Key)
	assert.False(t, has)
}

func TestCancelUnknownOrderSucceeds(t *testing.T) {
	env := newTestEnv(t)
	err := env.pipeline().Cancel(context.Background(), CancelRequest{UserID: "u1", Symbol: "GCBUSDT", OrderID: 999})
	assert.NoError(t, err)
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	a := ClientOrderID("mmb", "condition:c1#1")
	assert.Equal(t, a, ClientOrderID("mmb", "condition:c1#1"))
	assert.NotEqual(t, a, ClientOrderID("mmb", "condition:c1#2"))
	assert.LessOrEqual(t, len(a), 36)
	assert.Regexp(t, `^mmb[0-9A-Za-z]+$`, a)
}

func TestRateLimitSharedAcrossStrategies(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.CallsPerSecond = 40
	env.cfg.Burst = 1
	p := env.pipeline()
	ctx := context.Background()

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				in := marketBuy(string(rune('a'+s))+"#"+string(rune('0'+i)), 1)
				in.BotID = string(rune('a' + s))
				_, err := p.Execute(ctx, in)
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	times := env.paper.CallTimes("place_order")
	require.Len(t, times, 20)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	window := 100 * time.Millisecond
	ceiling := 1 + int(40*window.Seconds()) + 1 // burst + rate·window, one call of timer slack
	for i := range times {
		n := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) < window; j++ {
			n++
		}
		assert.LessOrEqual(t, n, ceiling)
	}
	assert.GreaterOrEqual(t, times[len(times)-1].Sub(times[0]), 400*time.Millisecond)
}

// stallingExchange never answers the first PlaceOrder until its ctx ends
type stallingExchange struct {
	exchange.Exchange
	stalled atomic.Bool
}

func (s *stallingExchange) PlaceOrder(ctx context.Context, p models.OrderParams) (*models.Order, error) {
	if s.stalled.CompareAndSwap(false, true) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Exchange.PlaceOrder(ctx, p)
}

func TestStalledRequestTimesOutAndRetries(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RequestTimeoutMs = 30
	venue := &stallingExchange{Exchange: env.paper}
	p := NewPipeline(env.cfg, env.rules, env.vault,
		func(models.Credentials) (exchange.Exchange, error) { return venue, nil },
		env.db, env.ledger, zap.NewNop())

	done := make(chan *models.TradeRecord, 1)
	go func() {
		// strategies submit on a context that is never cancelled
		rec, err := p.Execute(context.WithoutCancel(context.Background()), marketBuy("condition:c1#1", 50))
		assert.NoError(t, err)
		done <- rec
	}()

	select {
	case rec := <-done:
		require.NotNil(t, rec)
		assert.Equal(t, models.TradeSuccess, rec.Status)
		assert.Equal(t, 2, rec.Attempts)
		assert.Equal(t, 1, env.paper.Calls("get_order"), "status is queried before the retry")
		assert.Len(t, env.paper.AllOrders(), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute stayed blocked on a stalled request")
	}
}
