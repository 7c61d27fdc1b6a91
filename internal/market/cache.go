// Package market 维护每个交易对的行情快照缓存。
// 后台按固定间隔刷新, 读取方总是立即拿到最近一次发布的不可变快照。
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	snap atomic.Pointer[models.MarketSnapshot]
	seq  atomic.Uint64

	subsMu sync.Mutex
	subs   map[chan *models.MarketSnapshot]struct{}
}

// Cache 是进程内共享的行情快照缓存
type Cache struct {
	source   exchange.MarketData
	interval time.Duration
	depth    int
	logger   *zap.Logger
	now      func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
	tracked chan struct{} // Track 新增交易对时通知 Run
}

// NewCache 创建缓存并跟踪配置中的交易对
func NewCache(source exchange.MarketData, cfg models.MarketConfig, logger *zap.Logger) *Cache {
	interval := time.Duration(cfg.RefreshIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	depth := cfg.DepthLimit
	if depth <= 0 {
		depth = 20
	}
	c := &Cache{
		source:   source,
		interval: interval,
		depth:    depth,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		tracked:  make(chan struct{}, 1),
	}
	for _, s := range cfg.Symbols {
		c.Track(s)
	}
	return c
}

// StaleAfter 超过该时长未成功刷新的快照视为不可用
func (c *Cache) StaleAfter() time.Duration { return 2 * c.interval }

// Interval 返回刷新间隔
func (c *Cache) Interval() time.Duration { return c.interval }

// Track 开始跟踪一个交易对, 重复调用无副作用
func (c *Cache) Track(symbol string) {
	if symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[symbol]; ok {
		return
	}
	c.entries[symbol] = &entry{subs: make(map[chan *models.MarketSnapshot]struct{})}
	select {
	case c.tracked <- struct{}{}:
	default:
	}
}

// Symbols 返回所有被跟踪的交易对
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) entry(symbol string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[symbol]
}

// GetSnapshot 立即返回最新快照。从未刷新成功或已过期时返回 ErrSnapshotUnavailable。
func (c *Cache) GetSnapshot(symbol string) (*models.MarketSnapshot, error) {
	e := c.entry(symbol)
	if e == nil {
		return nil, fmt.Errorf("%w: %s not tracked", models.ErrSnapshotUnavailable, symbol)
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: %s not fetched yet", models.ErrSnapshotUnavailable, symbol)
	}
	if age := c.now().Sub(snap.Timestamp); age > c.StaleAfter() {
		return nil, fmt.Errorf("%w: %s stale for %s", models.ErrSnapshotUnavailable, symbol, age.Truncate(time.Second))
	}
	return snap, nil
}

// Refresh 从交易所拉取一次行情并发布新快照。
// 同一交易对的并发刷新会被合并为一次请求。失败时保留上一份快照。
func (c *Cache) Refresh(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	c.Track(symbol)
	v, err, _ := c.group.Do(symbol, func() (any, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.MarketSnapshot), nil
}

func (c *Cache) fetch(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	e := c.entry(symbol)
	ticker, err := c.source.GetTicker(ctx, symbol)
	if err != nil {
		metrics.SnapshotRefreshErrors.WithLabelValues(symbol).Inc()
		return nil, fmt.Errorf("刷新 %s 行情失败: %w", symbol, err)
	}
	book, err := c.source.GetDepth(ctx, symbol, c.depth)
	if err != nil {
		metrics.SnapshotRefreshErrors.WithLabelValues(symbol).Inc()
		return nil, fmt.Errorf("刷新 %s 订单簿失败: %w", symbol, err)
	}

	snap := &models.MarketSnapshot{
		Symbol:    symbol,
		LastPrice: ticker.LastPrice,
		BestBid:   ticker.BidPrice,
		BestAsk:   ticker.AskPrice,
		Bids:      book.Bids,
		Asks:      book.Asks,
		High24h:   ticker.High,
		Low24h:    ticker.Low,
		Volume24h: ticker.Volume,
		Change24h: ticker.Change,
		Timestamp: c.now(),
		Sequence:  e.seq.Add(1),
	}
	if len(book.Bids) > 0 {
		snap.BestBid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		snap.BestAsk = book.Asks[0].Price
	}
	e.snap.Store(snap)
	metrics.SnapshotAge.WithLabelValues(symbol).Set(0)
	c.publish(e, snap)
	return snap, nil
}

// Subscribe 返回一个只保留最新快照的通道, 每次刷新成功都会收到通知。
// 调用返回的函数取消订阅。
func (c *Cache) Subscribe(symbol string) (<-chan *models.MarketSnapshot, func()) {
	c.Track(symbol)
	e := c.entry(symbol)
	ch := make(chan *models.MarketSnapshot, 1)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, ch)
			e.subsMu.Unlock()
		})
	}
}

func (c *Cache) publish(e *entry, snap *models.MarketSnapshot) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		// 新值覆盖旧值
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Run 为每个跟踪的交易对启动一个刷新循环, 直到 ctx 结束。
// 运行期间新跟踪的交易对会立即启动自己的循环, 慢的交易对不会拖住其他交易对。
func (c *Cache) Run(ctx context.Context) error {
	c.logger.Info("行情缓存已启动", zap.Duration("interval", c.interval), zap.Strings("symbols", c.Symbols()))

	g, ctx := errgroup.WithContext(ctx)
	started := make(map[string]bool)
	for {
		for _, symbol := range c.Symbols() {
			if started[symbol] {
				continue
			}
			started[symbol] = true
			symbol := symbol
			g.Go(func() error {
				c.refreshLoop(ctx, symbol)
				return nil
			})
		}
		select {
		case <-ctx.Done():
			_ = g.Wait()
			c.logger.Info("行情缓存已停止")
			return nil
		case <-c.tracked:
		}
	}
}

func (c *Cache) refreshLoop(ctx context.Context, symbol string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.refreshOne(ctx, symbol)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cache) refreshOne(ctx context.Context, symbol string) {
	if _, err := c.Refresh(ctx, symbol); err != nil && ctx.Err() == nil {
		c.logger.Warn("行情刷新失败, 保留上一份快照", zap.String("symbol", symbol), zap.Error(err))
	}
	if snap := c.entry(symbol).snap.Load(); snap != nil {
		metrics.SnapshotAge.WithLabelValues(symbol).Set(c.now().Sub(snap.Timestamp).Seconds())
	}
}
