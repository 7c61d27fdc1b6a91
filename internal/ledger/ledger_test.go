package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T, cfg models.LedgerConfig) *Ledger {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, cfg, zap.NewNop())
}

func TestRecordTradeReplaysExistingKey(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{})
	ctx := context.Background()

	first, err := l.RecordTrade(ctx, &models.TradeRecord{
		IdempotencyKey: "condition:c1#1",
		ConditionID:    "c1",
		Status:         models.TradeSuccess,
		StrategyKind:   models.KindCondition,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := l.RecordTrade(ctx, &models.TradeRecord{
		IdempotencyKey: "condition:c1#1",
		ConditionID:    "c1",
		Status:         models.TradeError,
		StrategyKind:   models.KindCondition,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.TradeSuccess, second.Status)

	trades, err := l.Trades(ctx, models.TradeFilter{BotID: "c1"})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestRecordTradeRequiresKey(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{})
	_, err := l.RecordTrade(context.Background(), &models.TradeRecord{})
	assert.Error(t, err)
}

func TestCriticalEntriesSurviveBufferOverflow(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{BufferSize: 2})
	ctx := context.Background()

	// Fill the buffer with non-critical entries; the overflow is dropped.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelMonitor, Message: fmt.Sprintf("tick %d", i), BotID: "b1"}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelTrade, Message: fmt.Sprintf("trade %d", i), BotID: "b1"}))
		require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelError, Message: fmt.Sprintf("error %d", i), BotID: "b1"}))
	}

	trades, err := l.Logs(ctx, models.LogFilter{BotID: "b1", Level: models.LevelTrade})
	require.NoError(t, err)
	assert.Len(t, trades, 5)

	errs, err := l.Logs(ctx, models.LogFilter{BotID: "b1", Level: models.LevelError})
	require.NoError(t, err)
	assert.Len(t, errs, 5)

	monitors, err := l.Logs(ctx, models.LogFilter{BotID: "b1", Level: models.LevelMonitor})
	require.NoError(t, err)
	assert.Len(t, monitors, 2, "only the buffered entries made it")
}

func TestCriticalEntryFlushesEarlierBufferedEntriesFirst(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{})
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelCalculate, Message: "calculated", BotID: "b1"}))
	require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelTrade, Message: "traded", BotID: "b1"}))

	logs, err := l.store.ListLogs(ctx, models.LogFilter{BotID: "b1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "traded", logs[0].Message)
	assert.Equal(t, "calculated", logs[1].Message)
}

func TestRunFlushesBufferedEntries(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{FlushIntervalMs: 10})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelInfo, Message: "hello", BotID: "b1"}))

	require.Eventually(t, func() bool {
		logs, err := l.store.ListLogs(context.Background(), models.LogFilter{BotID: "b1"})
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSubscribersReceiveEntries(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{})
	sub := l.Subscribe(4)
	defer l.Unsubscribe(sub)

	require.NoError(t, l.Log(context.Background(), models.ActivityLogEntry{Level: models.LevelSuccess, Message: "done"}))

	select {
	case e := <-sub.C:
		assert.Equal(t, "done", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry received")
	}
}

func TestRotatePrunesOldEntries(t *testing.T) {
	l := newTestLedger(t, models.LedgerConfig{MaxAgeHours: 1, MaxEntries: 100})
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelError, Message: "old", Timestamp: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, l.Log(ctx, models.ActivityLogEntry{Level: models.LevelError, Message: "fresh"}))

	removed, err := l.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
