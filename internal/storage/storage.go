package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mmbot-engine-go/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrDuplicateKey is returned when a trade with the same idempotency key already exists.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

const defaultListLimit = 100

// LedgerStore persists trade records and activity log entries in SQLite.
type LedgerStore struct {
	db *gorm.DB
}

// Open initializes the database connection and migrates the ledger tables.
func Open(path string) (*LedgerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&tradeRow{}, &logRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a single writer, a few readers for HTTP queries.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &LedgerStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *LedgerStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertTrade appends a trade record. A second insert with the same
// idempotency key leaves the table unchanged and returns ErrDuplicateKey.
func (s *LedgerStore) InsertTrade(ctx context.Context, rec *models.TradeRecord) error {
	row := tradeToRow(rec)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("failed to insert trade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// FindTradeByKey returns (nil, nil) when no trade carries the key.
func (s *LedgerStore) FindTradeByKey(ctx context.Context, key string) (*models.TradeRecord, error) {
	var row tradeRow
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trade: %w", err)
	}
	return rowToTrade(row), nil
}

// ListTrades returns trades matching the filter, newest first.
func (s *LedgerStore) ListTrades(ctx context.Context, f models.TradeFilter) ([]*models.TradeRecord, error) {
	q := s.db.WithContext(ctx).Model(&tradeRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.BotID != "" {
		q = q.Where("bot_id = ?", f.BotID)
	}
	if f.StrategyKind != "" {
		q = q.Where("strategy_kind = ?", string(f.StrategyKind))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var rows []tradeRow
	if err := q.Order("executed_at DESC").Order("id DESC").Limit(limitOrDefault(f.Limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	out := make([]*models.TradeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToTrade(row))
	}
	return out, nil
}

// InsertLogs writes a batch of activity entries in one transaction.
func (s *LedgerStore) InsertLogs(ctx context.Context, entries []models.ActivityLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]logRow, 0, len(entries))
	for i := range entries {
		rows = append(rows, logToRow(&entries[i]))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, 200).Error; err != nil {
		return fmt.Errorf("failed to insert logs: %w", err)
	}
	return nil
}

// ListLogs returns activity entries matching the filter, newest first.
func (s *LedgerStore) ListLogs(ctx context.Context, f models.LogFilter) ([]models.ActivityLogEntry, error) {
	q := s.db.WithContext(ctx).Model(&logRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.BotID != "" {
		q = q.Where("bot_id = ?", f.BotID)
	}
	if f.StrategyKind != "" {
		q = q.Where("strategy_kind = ?", string(f.StrategyKind))
	}
	if f.Level != "" {
		q = q.Where("level = ?", string(f.Level))
	}
	var rows []logRow
	if err := q.Order("id DESC").Limit(limitOrDefault(f.Limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	out := make([]models.ActivityLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToLog(row))
	}
	return out, nil
}

// PruneLogs deletes entries older than olderThan and, beyond that, everything
// but the newest maxEntries rows. Trades are never pruned.
func (s *LedgerStore) PruneLogs(ctx context.Context, olderThan time.Time, maxEntries int) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", olderThan.UTC()).Delete(&logRow{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		if maxEntries <= 0 {
			return nil
		}
		var cutoff logRow
		err := tx.Order("id DESC").Offset(maxEntries).Limit(1).Take(&cutoff).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res = tx.Where("id <= ?", cutoff.ID).Delete(&logRow{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	return removed, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
