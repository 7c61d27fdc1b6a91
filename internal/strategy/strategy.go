// Package strategy 定义各类机器人共享的依赖接口和工具函数
package strategy

import (
	"context"
	"fmt"
	"time"

	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/statemanager"

	"go.uber.org/zap"
)

// Executor 是策略看到的下单管道。策略从不直接访问交易所的写接口。
type Executor interface {
	Execute(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error)
	Reconcile(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error)
	Cancel(ctx context.Context, req execution.CancelRequest) error
	Balances(ctx context.Context, userID string) (map[string]models.Balance, error)
}

// SnapshotSource 是行情快照缓存
type SnapshotSource interface {
	GetSnapshot(symbol string) (*models.MarketSnapshot, error)
	Refresh(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
	Track(symbol string)
	Subscribe(symbol string) (<-chan *models.MarketSnapshot, func())
}

// ActivityLogger 写入面板可见的活动日志
type ActivityLogger interface {
	Log(ctx context.Context, entry models.ActivityLogEntry) error
}

// TradeReader 按条件查询交易账本
type TradeReader interface {
	Trades(ctx context.Context, f models.TradeFilter) ([]*models.TradeRecord, error)
}

// Runner 是机器人 worker 的注册表
type Runner interface {
	Start(key string, kind models.StrategyKind, run statemanager.WorkerFunc) error
	Stop(ctx context.Context, key string) error
	IsRunning(key string) bool
}

// Deps 汇总了所有策略服务共用的依赖
type Deps struct {
	Executor  Executor
	Snapshots SnapshotSource
	Activity  ActivityLogger
	Trades    TradeReader
	Sequencer persistence.Sequencer
	Runner    Runner
	DB        *persistence.DB
	Logger    *zap.Logger
	Now       func() time.Time
}

// Clock 返回 Deps 的时钟, 未设置时使用 time.Now
func (d Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NextIntentKey 生成一个新的幂等键 <kind>:<botId>#<seq>。序号持久化, 重启后继续递增。
func NextIntentKey(seq persistence.Sequencer, kind models.StrategyKind, botID string) (string, error) {
	n, err := seq.NextSequence(string(kind) + ":" + botID)
	if err != nil {
		return "", fmt.Errorf("生成幂等键失败: %w", err)
	}
	return fmt.Sprintf("%s:%s#%d", kind, botID, n), nil
}

// Logf 写一条活动日志, 写入失败只记录到进程日志
func Logf(ctx context.Context, a ActivityLogger, logger *zap.Logger, kind models.StrategyKind, botID, userID string,
	level models.LogLevel, data map[string]any, format string, args ...any) {
	entry := models.ActivityLogEntry{
		Level:        level,
		Message:      fmt.Sprintf(format, args...),
		Data:         data,
		BotID:        botID,
		StrategyKind: kind,
		UserID:       userID,
	}
	if err := a.Log(ctx, entry); err != nil {
		logger.Error("写入活动日志失败", zap.String("bot", botID), zap.Error(err))
	}
}

// Sleep 等待 d 或 ctx 结束。ctx 结束时返回 false。
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Store 组合了仓库和按 id 加锁, 保证 API 与 worker 的读-改-写不会交错
type Store[T any] struct {
	repo  persistence.Repository[T]
	locks *persistence.KeyedMutex
}

// NewStore 创建以 prefix 为键前缀的实体存储
func NewStore[T any](db *persistence.DB, prefix string) *Store[T] {
	return &Store[T]{repo: persistence.NewRepository[T](db, prefix), locks: persistence.NewKeyedMutex()}
}

// Load 读取实体, 不存在时返回 ErrNotFound
func (s *Store[T]) Load(id string) (*T, error) {
	v, err := s.repo.Load(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s: %w", id, models.ErrNotFound)
	}
	return v, nil
}

// List 返回全部实体
func (s *Store[T]) List() ([]*T, error) { return s.repo.List() }

// Create 保存一个新实体
func (s *Store[T]) Create(id string, v *T) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.repo.Save(id, v)
}

// Delete 删除实体
func (s *Store[T]) Delete(id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.repo.Delete(id)
}

// Update 在锁内读取、修改并保存实体。fn 返回错误时不保存。
func (s *Store[T]) Update(id string, fn func(v *T) error) (*T, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	v, err := s.repo.Load(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s: %w", id, models.ErrNotFound)
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if err := s.repo.Save(id, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Ptr 返回 v 的指针
func Ptr[T any](v T) *T { return &v }
