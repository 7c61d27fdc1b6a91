// Package ledger is the append-only trade ledger and activity log shared by
// every strategy. Trade records and trade/error entries are written
// synchronously; lower levels are buffered and flushed in batches.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the durable backend of the ledger.
type Store interface {
	InsertTrade(ctx context.Context, rec *models.TradeRecord) error
	FindTradeByKey(ctx context.Context, key string) (*models.TradeRecord, error)
	ListTrades(ctx context.Context, f models.TradeFilter) ([]*models.TradeRecord, error)
	InsertLogs(ctx context.Context, entries []models.ActivityLogEntry) error
	ListLogs(ctx context.Context, f models.LogFilter) ([]models.ActivityLogEntry, error)
	PruneLogs(ctx context.Context, olderThan time.Time, maxEntries int) (int64, error)
}

// Ledger records trades and activity entries and streams entries to subscribers.
type Ledger struct {
	store   Store
	cfg     models.LedgerConfig
	logger  *zap.Logger
	buf     chan models.ActivityLogEntry
	hub     *Hub[models.ActivityLogEntry]
	flushMu sync.Mutex
	now     func() time.Time
}

// New creates a Ledger. Run must be started for buffered entries to be flushed.
func New(store Store, cfg models.LedgerConfig, logger *zap.Logger) *Ledger {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	return &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger,
		buf:    make(chan models.ActivityLogEntry, size),
		hub:    NewHub[models.ActivityLogEntry](),
		now:    time.Now,
	}
}

// RecordTrade appends rec. If a record with the same idempotency key already
// exists, the stored record is returned and nothing is written.
func (l *Ledger) RecordTrade(ctx context.Context, rec *models.TradeRecord) (*models.TradeRecord, error) {
	if rec.IdempotencyKey == "" {
		return nil, errors.New("trade record without idempotency key")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = l.now()
	}
	err := l.store.InsertTrade(ctx, rec)
	if errors.Is(err, storage.ErrDuplicateKey) {
		existing, findErr := l.store.FindTradeByKey(ctx, rec.IdempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(rec.StrategyKind), string(rec.Status)).Inc()
	return rec, nil
}

// FindTrade returns (nil, nil) when no record carries key.
func (l *Ledger) FindTrade(ctx context.Context, key string) (*models.TradeRecord, error) {
	return l.store.FindTradeByKey(ctx, key)
}

func (l *Ledger) Trades(ctx context.Context, f models.TradeFilter) ([]*models.TradeRecord, error) {
	return l.store.ListTrades(ctx, f)
}

func (l *Ledger) Logs(ctx context.Context, f models.LogFilter) ([]models.ActivityLogEntry, error) {
	// Buffered entries must be visible to the query.
	if err := l.Flush(ctx); err != nil {
		l.logger.Warn("flush before log query failed", zap.Error(err))
	}
	return l.store.ListLogs(ctx, f)
}

// Log appends an activity entry. Critical levels (trade, error) are persisted
// before Log returns and are never dropped; other levels are buffered and may
// be dropped, with a metric, when the buffer is full.
func (l *Ledger) Log(ctx context.Context, entry models.ActivityLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.Level == "" {
		entry.Level = models.LevelInfo
	}
	l.logger.Debug("activity",
		zap.String("level", string(entry.Level)),
		zap.String("bot", entry.BotID),
		zap.String("kind", string(entry.StrategyKind)),
		zap.String("message", entry.Message))

	l.hub.Broadcast(entry)

	if entry.Level.Critical() {
		return l.flush(ctx, &entry)
	}
	select {
	case l.buf <- entry:
	default:
		metrics.DroppedLogs.WithLabelValues(string(entry.Level)).Inc()
	}
	return nil
}

// Flush writes every buffered entry.
func (l *Ledger) Flush(ctx context.Context) error {
	return l.flush(ctx, nil)
}

func (l *Ledger) flush(ctx context.Context, extra *models.ActivityLogEntry) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		batch := l.drain()
		last := len(batch) < l.batchSize()
		if last && extra != nil {
			batch = append(batch, *extra)
		}
		if len(batch) > 0 {
			if err := l.store.InsertLogs(ctx, batch); err != nil {
				l.logger.Error("failed to persist activity entries", zap.Int("count", len(batch)), zap.Error(err))
				return fmt.Errorf("persist activity entries: %w", err)
			}
		}
		if last {
			return nil
		}
	}
}

// drain takes at most one batch of buffered entries without blocking.
func (l *Ledger) drain() []models.ActivityLogEntry {
	limit := l.batchSize()
	batch := make([]models.ActivityLogEntry, 0, 16)
	for len(batch) < limit {
		select {
		case e := <-l.buf:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (l *Ledger) batchSize() int {
	if l.cfg.FlushBatchSize <= 0 {
		return 200
	}
	return l.cfg.FlushBatchSize
}

// Rotate prunes entries older than the configured age and beyond the configured count.
func (l *Ledger) Rotate(ctx context.Context) (int64, error) {
	maxAge := time.Duration(l.cfg.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return l.store.PruneLogs(ctx, l.now().Add(-maxAge), l.cfg.MaxEntries)
}

// Run flushes buffered entries periodically and rotates old ones until ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	flushEvery := time.Duration(l.cfg.FlushIntervalMs) * time.Millisecond
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	rotateEvery := time.Duration(l.cfg.RotateIntervalMs) * time.Millisecond
	if rotateEvery <= 0 {
		rotateEvery = time.Hour
	}
	flushTicker := time.NewTicker(flushEvery)
	defer flushTicker.Stop()
	rotateTicker := time.NewTicker(rotateEvery)
	defer rotateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.Flush(context.WithoutCancel(ctx))
		case <-flushTicker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Warn("activity flush failed", zap.Error(err))
			}
		case <-rotateTicker.C:
			removed, err := l.Rotate(ctx)
			if err != nil {
				l.logger.Warn("activity rotation failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				l.logger.Info("activity log rotated", zap.Int64("removed", removed))
			}
		}
	}
}

// Subscribe streams every entry logged after the call.
func (l *Ledger) Subscribe(buffer int) *Subscription[models.ActivityLogEntry] {
	return l.hub.Subscribe(buffer)
}

func (l *Ledger) Unsubscribe(sub *Subscription[models.ActivityLogEntry]) {
	l.hub.Unsubscribe(sub)
}
