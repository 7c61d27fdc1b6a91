package storage

import (
	"encoding/json"
	"time"

	"mmbot-engine-go/internal/models"
)

// tradeRow is the trades table. idempotency_key is unique: it is the
// ledger-level guarantee that one key never yields two records.
type tradeRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	IdempotencyKey string    `gorm:"uniqueIndex;size:128;not null"`
	BotID          string    `gorm:"index;size:64"`
	BotName        string    `gorm:"size:128"`
	UserID         string    `gorm:"index;size:64"`
	StrategyKind   string    `gorm:"index;size:32"`
	OrderID        string    `gorm:"size:64"`
	ClientOrderID  string    `gorm:"size:64"`
	Symbol         string    `gorm:"size:32"`
	Side           string    `gorm:"size:8"`
	Type           string    `gorm:"size:16"`
	Volume         float64
	Price          float64
	QuoteAmount    float64
	Status         string `gorm:"index;size:16"`
	Error          string
	ErrorKind      string `gorm:"size:16"`
	GroupKey       string `gorm:"size:64"`
	Attempts       int
	ExecutedAt     time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

// logRow is the activity_logs table.
type logRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Timestamp    time.Time `gorm:"index"`
	Level        string    `gorm:"index;size:16"`
	Message      string
	Data         string
	BotID        string `gorm:"index;size:64"`
	StrategyKind string `gorm:"size:32"`
	UserID       string `gorm:"index;size:64"`
}

func (logRow) TableName() string { return "activity_logs" }

func tradeToRow(r *models.TradeRecord) tradeRow {
	return tradeRow{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		BotID:          r.ConditionID,
		BotName:        r.ConditionName,
		UserID:         r.UserID,
		StrategyKind:   string(r.StrategyKind),
		OrderID:        r.OrderID,
		ClientOrderID:  r.ClientOrderID,
		Symbol:         r.Symbol,
		Side:           string(r.Side),
		Type:           string(r.Type),
		Volume:         r.Volume,
		Price:          r.Price,
		QuoteAmount:    r.QuoteAmount,
		Status:         string(r.Status),
		Error:          r.Error,
		ErrorKind:      string(r.ErrorKind),
		GroupKey:       r.Group,
		Attempts:       r.Attempts,
		ExecutedAt:     r.ExecutedAt.UTC(),
	}
}

func rowToTrade(row tradeRow) *models.TradeRecord {
	return &models.TradeRecord{
		ID:             row.ID,
		ConditionID:    row.BotID,
		ConditionName:  row.BotName,
		UserID:         row.UserID,
		OrderID:        row.OrderID,
		ClientOrderID:  row.ClientOrderID,
		Symbol:         row.Symbol,
		Side:           models.Side(row.Side),
		Type:           models.OrderType(row.Type),
		Volume:         row.Volume,
		Price:          row.Price,
		QuoteAmount:    row.QuoteAmount,
		Status:         models.TradeStatus(row.Status),
		Error:          row.Error,
		ErrorKind:      models.ErrorKind(row.ErrorKind),
		ExecutedAt:     row.ExecutedAt,
		StrategyKind:   models.StrategyKind(row.StrategyKind),
		IdempotencyKey: row.IdempotencyKey,
		Group:          row.GroupKey,
		Attempts:       row.Attempts,
	}
}

func logToRow(e *models.ActivityLogEntry) logRow {
	row := logRow{
		Timestamp:    e.Timestamp.UTC(),
		Level:        string(e.Level),
		Message:      e.Message,
		BotID:        e.BotID,
		StrategyKind: string(e.StrategyKind),
		UserID:       e.UserID,
	}
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			row.Data = string(raw)
		}
	}
	return row
}

func rowToLog(row logRow) models.ActivityLogEntry {
	entry := models.ActivityLogEntry{
		ID:           row.ID,
		Timestamp:    row.Timestamp,
		Level:        models.LogLevel(row.Level),
		Message:      row.Message,
		BotID:        row.BotID,
		StrategyKind: models.StrategyKind(row.StrategyKind),
		UserID:       row.UserID,
	}
	if row.Data != "" {
		_ = json.Unmarshal([]byte(row.Data), &entry.Data)
	}
	return entry
}
