package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mmbot-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *LedgerStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func trade(key, botID string, status models.TradeStatus, at time.Time) *models.TradeRecord {
	return &models.TradeRecord{
		ID:             "id-" + key,
		IdempotencyKey: key,
		ConditionID:    botID,
		UserID:         "user-1",
		StrategyKind:   models.KindStabilizer,
		Symbol:         "GCBUSDT",
		Side:           models.Buy,
		Type:           models.Market,
		QuoteAmount:    25,
		Status:         status,
		ExecutedAt:     at,
	}
}

func TestInsertTradeIsIdempotentByKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertTrade(ctx, trade("stabilizer:b1#1", "b1", models.TradeSuccess, now)))

	dup := trade("stabilizer:b1#1", "b1", models.TradeFailed, now)
	dup.ID = "another-id"
	assert.ErrorIs(t, store.InsertTrade(ctx, dup), ErrDuplicateKey)

	found, err := store.FindTradeByKey(ctx, "stabilizer:b1#1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.TradeSuccess, found.Status, "the first record wins")

	missing, err := store.FindTradeByKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListTradesFiltersAndOrders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertTrade(ctx, trade(fmt.Sprintf("k%d", i), "b1", models.TradeSuccess, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.InsertTrade(ctx, trade("other", "b2", models.TradeFailed, base)))

	trades, err := store.ListTrades(ctx, models.TradeFilter{BotID: "b1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "k4", trades[0].IdempotencyKey, "newest first")

	failed, err := store.ListTrades(ctx, models.TradeFilter{Status: models.TradeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b2", failed[0].ConditionID)
}

func TestLogsRoundTripWithData(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertLogs(ctx, []models.ActivityLogEntry{
		{Timestamp: time.Now(), Level: models.LevelInfo, Message: "started", BotID: "b1"},
		{Timestamp: time.Now(), Level: models.LevelTrade, Message: "bought", BotID: "b1", Data: map[string]any{"amount": 25.0}},
		{Timestamp: time.Now(), Level: models.LevelInfo, Message: "other bot", BotID: "b2"},
	}))

	logs, err := store.ListLogs(ctx, models.LogFilter{BotID: "b1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "bought", logs[0].Message)
	assert.Equal(t, 25.0, logs[0].Data["amount"])

	trades, err := store.ListLogs(ctx, models.LogFilter{Level: models.LevelTrade})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestPruneLogsByAgeAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var entries []models.ActivityLogEntry
	entries = append(entries, models.ActivityLogEntry{Timestamp: now.Add(-48 * time.Hour), Level: models.LevelInfo, Message: "old"})
	for i := 0; i < 10; i++ {
		entries = append(entries, models.ActivityLogEntry{Timestamp: now, Level: models.LevelInfo, Message: fmt.Sprintf("new-%d", i)})
	}
	require.NoError(t, store.InsertLogs(ctx, entries))

	removed, err := store.PruneLogs(ctx, now.Add(-24*time.Hour), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	logs, err := store.ListLogs(ctx, models.LogFilter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.Equal(t, "new-9", logs[0].Message)
	assert.Equal(t, "new-6", logs[3].Message)
}
