// Package execution 是所有策略下单/撤单的唯一出口。
// 它负责幂等、参数校验、瞬时错误重试、按凭证限频, 并为每次下单写入恰好一条交易记录。
package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/pricing"
	"mmbot-engine-go/internal/vault"

	"go.uber.org/zap"
)

// Ledger 是下单管道依赖的账本能力
type Ledger interface {
	RecordTrade(ctx context.Context, rec *models.TradeRecord) (*models.TradeRecord, error)
	FindTrade(ctx context.Context, key string) (*models.TradeRecord, error)
	Log(ctx context.Context, entry models.ActivityLogEntry) error
}

// Pipeline 串行化某个意图的下单流程, 不同意图之间可以并发
type Pipeline struct {
	cfg      models.ExecutionConfig
	rules    map[string]models.SymbolRules
	vault    vault.Vault
	factory  exchange.Factory
	journal  persistence.IntentJournal
	ledger   Ledger
	logger   *zap.Logger
	limiters *limiterRegistry

	clientsMu sync.Mutex
	clients   map[string]exchange.Exchange

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline 创建下单管道
func NewPipeline(cfg models.ExecutionConfig, rules map[string]models.SymbolRules, v vault.Vault,
	factory exchange.Factory, journal persistence.IntentJournal, ledger Ledger, logger *zap.Logger) *Pipeline {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs <= 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.RetryMaxDelayMs < cfg.RetryInitialDelayMs {
		cfg.RetryMaxDelayMs = cfg.RetryInitialDelayMs * 8
	}
	if cfg.ClientOrderPrefix == "" {
		cfg.ClientOrderPrefix = "mmb"
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = 10_000
	}
	return &Pipeline{
		cfg:      cfg,
		rules:    rules,
		vault:    v,
		factory:  factory,
		journal:  journal,
		ledger:   ledger,
		logger:   logger,
		limiters: newLimiterRegistry(cfg.CallsPerSecond, cfg.Burst),
		clients:  make(map[string]exchange.Exchange),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClientOrderID 返回意图对应的交易所客户端订单号
func (p *Pipeline) ClientOrderID(key string) string {
	return ClientOrderID(p.cfg.ClientOrderPrefix, key)
}

// client 返回用户的交易所客户端 (经过令牌桶限频)。按凭证缓存。
func (p *Pipeline) client(userID string) (exchange.Exchange, error) {
	creds, err := p.vault.GetCredentials(userID)
	if errors.Is(err, vault.ErrNotConfigured) {
		return nil, models.ConfigurationError("credentials", fmt.Errorf("用户 %s 未配置 API 凭证", userID))
	}
	if err != nil {
		return nil, models.TransientError("credentials", err)
	}

	cacheKey := creds.APIKey + ":" + creds.APISecret
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if c, ok := p.clients[cacheKey]; ok {
		return c, nil
	}
	ex, err := p.factory(creds)
	if err != nil {
		if models.KindOf(err) == "" {
			err = models.ConfigurationError("exchange client", err)
		}
		return nil, err
	}
	c := &limitedExchange{
		next:    ex,
		limiter: p.limiters.get(creds.APIKey),
		timeout: time.Duration(p.cfg.RequestTimeoutMs) * time.Millisecond,
	}
	p.clients[cacheKey] = c
	return c, nil
}

// Execute 执行一个下单意图并返回它的交易记录。
//
// 同一个幂等键重复执行时直接返回账本中已有的记录, 不会再次访问交易所。
// 下单结果 (成功/拒单/错误) 体现在记录的 Status 和 ErrorKind 中;
// 只有在账本或意图日志本身不可用时才返回 error, 此时调用方应保留意图稍后对账。
func (p *Pipeline) Execute(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error) {
	if in.Key == "" {
		return nil, models.InternalInvariantError("execute", errors.New("order intent without idempotency key"))
	}
	existing, err := p.ledger.FindTrade(ctx, in.Key)
	if err != nil {
		return nil, fmt.Errorf("查询账本失败: %w", err)
	}
	if existing != nil {
		p.logger.Info("幂等键已有交易记录, 直接返回", zap.String("key", in.Key), zap.String("status", string(existing.Status)))
		return existing, nil
	}

	rec := newRecord(in, p.ClientOrderID(in.Key))
	params, err := p.prepare(in, rec.ClientOrderID)
	if err != nil {
		return p.finish(ctx, in, rec, nil, 0, err)
	}
	ex, err := p.client(in.UserID)
	if err != nil {
		return p.finish(ctx, in, rec, nil, 0, err)
	}

	journaled, err := p.journal.HasIntent(in.Key)
	if err != nil {
		return nil, fmt.Errorf("读取意图日志失败: %w", err)
	}
	if !journaled {
		if err := p.journal.PutIntent(in.Key); err != nil {
			return nil, fmt.Errorf("写入意图日志失败: %w", err)
		}
	}

	order, attempts, err := p.submit(ctx, ex, in, params, journaled)
	return p.finish(ctx, in, rec, order, attempts, err)
}

// Reconcile 在重启后确认一个已持久化但结果未知的意图。
// 返回 (nil, nil) 表示该意图从未到达交易所, 调用方可以安全地重新执行或丢弃它。
func (p *Pipeline) Reconcile(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error) {
	existing, err := p.ledger.FindTrade(ctx, in.Key)
	if err != nil {
		return nil, fmt.Errorf("查询账本失败: %w", err)
	}
	if existing != nil {
		_ = p.journal.DeleteIntent(in.Key)
		return existing, nil
	}
	journaled, err := p.journal.HasIntent(in.Key)
	if err != nil {
		return nil, fmt.Errorf("读取意图日志失败: %w", err)
	}
	if !journaled {
		return nil, nil
	}

	ex, err := p.client(in.UserID)
	if err != nil {
		return nil, err
	}
	cid := p.ClientOrderID(in.Key)
	order, err := ex.GetOrderByClientID(ctx, in.Symbol, cid)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		p.logger.Warn("意图未到达交易所, 清除意图日志", zap.String("key", in.Key))
		if err := p.journal.DeleteIntent(in.Key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.logger.Info("重启对账: 在交易所找到订单", zap.String("key", in.Key), zap.Int64("orderId", order.OrderID))
	return p.finish(ctx, in, newRecord(in, cid), order, 0, nil)
}

// submit 带退避重试地下单。重试前 (以及恢复已记录的意图时) 先按客户端订单号查询,
// 避免超时发生在响应路径上时重复下单。
func (p *Pipeline) submit(ctx context.Context, ex exchange.Exchange, in models.OrderIntent, params models.OrderParams, lookupFirst bool) (*models.Order, int, error) {
	delay := time.Duration(p.cfg.RetryInitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(p.cfg.RetryMaxDelayMs) * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 1 || lookupFirst {
			order, err := ex.GetOrderByClientID(ctx, params.Symbol, params.ClientOrderID)
			switch {
			case err == nil:
				p.logger.Info("订单已存在于交易所, 不再重复提交",
					zap.String("key", in.Key), zap.Int64("orderId", order.OrderID))
				return order, attempt, nil
			case errors.Is(err, exchange.ErrOrderNotFound):
				// 上一次提交没有到达交易所, 可以安全重试
			case models.IsTransient(err):
				lastErr = err
				if !p.backoff(ctx, in, attempt, &delay, maxDelay, err) {
					return nil, attempt, lastErr
				}
				continue
			default:
				return nil, attempt, err
			}
		}

		order, err := ex.PlaceOrder(ctx, params)
		if err == nil {
			return order, attempt, nil
		}
		lastErr = err
		if !models.IsTransient(err) {
			return nil, attempt, err
		}
		if !p.backoff(ctx, in, attempt, &delay, maxDelay, err) {
			return nil, attempt, lastErr
		}
	}
	return nil, p.cfg.RetryAttempts, lastErr
}

// backoff 在还有重试次数时等待并返回 true
func (p *Pipeline) backoff(ctx context.Context, in models.OrderIntent, attempt int, delay *time.Duration, maxDelay time.Duration, cause error) bool {
	if attempt >= p.cfg.RetryAttempts {
		return false
	}
	metrics.OrderRetries.WithLabelValues(string(in.StrategyKind)).Inc()
	p.logger.Warn("下单遇到瞬时错误, 准备重试",
		zap.String("key", in.Key),
		zap.Int("attempt", attempt),
		zap.Duration("delay", *delay),
		zap.Error(cause))
	if err := p.sleep(ctx, *delay); err != nil {
		return false
	}
	*delay *= 2
	if *delay > maxDelay {
		*delay = maxDelay
	}
	return true
}

// prepare 按交易对规则取整并校验下单参数
func (p *Pipeline) prepare(in models.OrderIntent, clientOrderID string) (models.OrderParams, error) {
	rules := p.rules[in.Symbol]
	params := models.OrderParams{
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		ClientOrderID: clientOrderID,
	}
	reject := func(format string, args ...any) (models.OrderParams, error) {
		return params, models.RejectedError("validate", fmt.Errorf(format, args...))
	}

	if in.Symbol == "" {
		return reject("交易对为空")
	}
	if in.Side != models.Buy && in.Side != models.Sell {
		return reject("未知的买卖方向 %q", in.Side)
	}

	qty := in.Quantity
	if qty <= 0 && in.QuoteAmount > 0 && in.Price > 0 && !(in.Type == models.Market && in.Side == models.Buy) {
		qty = in.QuoteAmount / in.Price
	}
	if rules.StepSize != "" {
		qty = pricing.AdjustToStep(qty, rules.StepSize)
	}

	var notional float64
	switch in.Type {
	case models.Market:
		if in.Side == models.Buy && in.QuoteAmount > 0 {
			params.QuoteQuantity = pricing.RoundDown(in.QuoteAmount, 8)
			notional = params.QuoteQuantity
			if notional <= 0 {
				return reject("下单金额为零")
			}
		} else {
			if qty <= 0 {
				return reject("取整后下单数量为零 (原始数量 %.8f)", in.Quantity)
			}
			params.Quantity = qty
			notional = qty * in.Price
		}
	case models.Limit:
		price := in.Price
		if rules.TickSize != "" {
			price = pricing.AdjustToStep(price, rules.TickSize)
		}
		if price <= 0 {
			return reject("限价单价格无效 %.8f", in.Price)
		}
		if qty <= 0 {
			return reject("取整后下单数量为零 (原始数量 %.8f)", in.Quantity)
		}
		params.Price = price
		params.Quantity = qty
		notional = price * qty
	default:
		return reject("未知的订单类型 %q", in.Type)
	}

	if params.Quantity > 0 && rules.MinQty > 0 && params.Quantity < rules.MinQty {
		return reject("下单数量 %.8f 小于最小数量 %.8f", params.Quantity, rules.MinQty)
	}
	if notional > 0 && rules.MinNotional > 0 && notional < rules.MinNotional {
		return reject("名义价值 %.4f 小于最小名义价值 %.4f", notional, rules.MinNotional)
	}
	return params, nil
}

func newRecord(in models.OrderIntent, clientOrderID string) *models.TradeRecord {
	return &models.TradeRecord{
		ConditionID:    in.BotID,
		ConditionName:  in.BotName,
		UserID:         in.UserID,
		ClientOrderID:  clientOrderID,
		Symbol:         in.Symbol,
		Side:           in.Side,
		Type:           in.Type,
		Volume:         in.Quantity,
		Price:          in.Price,
		QuoteAmount:    in.QuoteAmount,
		StrategyKind:   in.StrategyKind,
		IdempotencyKey: in.Key,
		Group:          in.Group,
	}
}

// finish 把结果写入账本 (恰好一条), 清除意图日志并写活动日志
func (p *Pipeline) finish(ctx context.Context, in models.OrderIntent, rec *models.TradeRecord, order *models.Order, attempts int, err error) (*models.TradeRecord, error) {
	rec.Attempts = attempts
	if err == nil && order != nil && !order.IsOpen() && order.Status != models.OrderStatusFilled && order.ExecutedQty <= 0 {
		err = models.RejectedError("place_order", fmt.Errorf("订单状态 %s, 未成交", order.Status))
	}

	switch {
	case err == nil:
		rec.Status = models.TradeSuccess
		rec.OrderID = strconv.FormatInt(order.OrderID, 10)
		if order.Type == models.Market {
			rec.Volume = order.ExecutedQty
			rec.Price = order.AvgPrice()
			rec.QuoteAmount = order.CumQuote
		} else {
			rec.Volume = order.OrigQty
			rec.Price = order.Price
			rec.QuoteAmount = pricing.Mul(order.Price, order.OrigQty)
		}
	case models.IsRejected(err):
		rec.Status = models.TradeFailed
	default:
		rec.Status = models.TradeError
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = models.KindOf(err)
		if rec.ErrorKind == "" {
			rec.ErrorKind = models.KindInternal
		}
	}

	// 结果必须落盘, 即使调用方已经取消
	wctx := context.WithoutCancel(ctx)
	stored, werr := p.ledger.RecordTrade(wctx, rec)
	if werr != nil {
		p.logger.Error("写入交易记录失败, 保留意图日志以便重启对账", zap.String("key", in.Key), zap.Error(werr))
		return nil, fmt.Errorf("写入交易记录失败: %w", werr)
	}
	if derr := p.journal.DeleteIntent(in.Key); derr != nil {
		p.logger.Warn("清除意图日志失败", zap.String("key", in.Key), zap.Error(derr))
	}
	p.logOutcome(wctx, stored)
	return stored, nil
}

func (p *Pipeline) logOutcome(ctx context.Context, rec *models.TradeRecord) {
	entry := models.ActivityLogEntry{
		BotID:        rec.ConditionID,
		StrategyKind: rec.StrategyKind,
		UserID:       rec.UserID,
		Data: map[string]any{
			"orderId":     rec.OrderID,
			"symbol":      rec.Symbol,
			"side":        rec.Side,
			"type":        rec.Type,
			"volume":      rec.Volume,
			"price":       rec.Price,
			"quoteAmount": rec.QuoteAmount,
			"attempts":    rec.Attempts,
		},
	}
	if rec.Succeeded() {
		entry.Level = models.LevelTrade
		entry.Message = fmt.Sprintf("%s %s %s 成功: 数量 %.8f, 价格 %.8f", rec.Symbol, rec.Side, rec.Type, rec.Volume, rec.Price)
	} else {
		entry.Level = models.LevelError
		entry.Message = fmt.Sprintf("%s %s %s 失败: %s", rec.Symbol, rec.Side, rec.Type, rec.Error)
		entry.Data["errorKind"] = rec.ErrorKind
	}
	if err := p.ledger.Log(ctx, entry); err != nil {
		p.logger.Error("写入活动日志失败", zap.Error(err))
	}
}

// CancelRequest 描述一次撤单
type CancelRequest struct {
	StrategyKind  models.StrategyKind
	BotID         string
	UserID        string
	Symbol        string
	OrderID       int64
	ClientOrderID string
}

// Cancel 撤销一个订单, 瞬时错误会重试。订单不存在 (已成交或已撤销) 视为成功。
func (p *Pipeline) Cancel(ctx context.Context, req CancelRequest) error {
	ex, err := p.client(req.UserID)
	if err != nil {
		return err
	}
	delay := time.Duration(p.cfg.RetryInitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(p.cfg.RetryMaxDelayMs) * time.Millisecond
	in := models.OrderIntent{Key: req.ClientOrderID, StrategyKind: req.StrategyKind, BotID: req.BotID}
	for attempt := 1; ; attempt++ {
		err = ex.CancelOrder(ctx, req.Symbol, req.OrderID, req.ClientOrderID)
		if err == nil || errors.Is(err, exchange.ErrOrderNotFound) {
			return nil
		}
		if !models.IsTransient(err) || !p.backoff(ctx, in, attempt, &delay, maxDelay, err) {
			return err
		}
	}
}

// Balances 返回用户的账户余额
func (p *Pipeline) Balances(ctx context.Context, userID string) (map[string]models.Balance, error) {
	ex, err := p.client(userID)
	if err != nil {
		return nil, err
	}
	return ex.GetBalances(ctx)
}

// OpenOrders 返回用户在某个交易对上的挂单
func (p *Pipeline) OpenOrders(ctx context.Context, userID, symbol string) ([]models.Order, error) {
	ex, err := p.client(userID)
	if err != nil {
		return nil, err
	}
	return ex.GetOpenOrders(ctx, symbol)
}
