package condition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/strategy"

	"go.uber.org/zap"
)

// errPaused 表示 worker 因配置错误暂停, Run 随之退出
var errPaused = errors.New("condition bot paused")

// Worker 是某个用户的条件评估循环
type Worker struct {
	svc    *Service
	userID string
	logger *zap.Logger
}

func (s *Service) newWorker(userID string) *Worker {
	return &Worker{svc: s, userID: userID, logger: s.logger.With(zap.String("user", userID))}
}

// Run 先对账上次未确认的意图, 然后在每个新快照上评估一次。
// 行情推送之外还有一个兜底定时器, 防止订阅通道长时间没有消息。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.reconcile(ctx); err != nil {
		return w.exit(ctx, err)
	}

	updates, unsubscribe := w.svc.deps.Snapshots.Subscribe(w.svc.tradingSymbol)
	defer unsubscribe()
	interval := time.Duration(w.svc.cfg.EvaluateIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
		case <-ticker.C:
		}
		if err := w.Evaluate(ctx); err != nil {
			if errors.Is(err, errPaused) {
				return w.exit(ctx, err)
			}
			w.logger.Error("条件评估失败", zap.Error(err))
		}
	}
}

// exit 处理导致 worker 退出的错误
func (w *Worker) exit(ctx context.Context, err error) error {
	if !errors.Is(err, errPaused) {
		return err
	}
	if _, uerr := w.svc.updateUserState(w.userID, func(st *models.UserBotState) { st.Paused = true }); uerr != nil {
		w.logger.Error("保存暂停状态失败", zap.Error(uerr))
	}
	return nil
}

// Evaluate 在当前快照上评估用户的所有启用条件。快照未变化时直接返回。
func (w *Worker) Evaluate(ctx context.Context) error {
	snap, err := w.svc.deps.Snapshots.GetSnapshot(w.svc.tradingSymbol)
	if err != nil {
		w.logger.Debug("行情快照不可用, 跳过本轮评估", zap.Error(err))
		return nil
	}
	if !w.svc.markEvaluated(w.userID, snap.Sequence) {
		return nil
	}

	conds, err := w.svc.ListConditions(w.userID)
	if err != nil {
		return fmt.Errorf("读取条件失败: %w", err)
	}

	var (
		balances   map[string]models.Balance
		balanceErr error
		fetched    bool
	)
	p := &pass{
		snapshot: w.svc.deps.Snapshots.GetSnapshot,
		symbols:  w.svc.symbols,
		base:     w.svc.base,
		quote:    w.svc.quote,
		balances: func() (map[string]models.Balance, error) {
			if !fetched {
				balances, balanceErr = w.svc.deps.Executor.Balances(ctx, w.userID)
				fetched = true
			}
			return balances, balanceErr
		},
	}

	for _, c := range conds {
		if ctx.Err() != nil {
			return nil
		}
		if !c.IsActive || c.Pending != nil {
			continue
		}
		value, err := p.Resolve(c.ConditionField)
		if err != nil {
			if models.IsConfiguration(err) {
				return w.pause(ctx, err)
			}
			w.logger.Debug("条件字段无法读取", zap.String("condition", c.ID), zap.Error(err))
			continue
		}
		ok, err := Compare(c.ConditionOperator, value, c.ConditionValue)
		if err != nil || !ok {
			continue
		}
		strategy.Logf(ctx, w.svc.deps.Activity, w.logger, models.KindCondition, c.ID, w.userID, models.LevelCalculate,
			map[string]any{"value": value, "threshold": c.ConditionValue, "sequence": snap.Sequence},
			"条件 %s 满足: %s=%.8f %s %.8f", c.Name, c.ConditionField, value, c.ConditionOperator, c.ConditionValue)
		if err := w.trigger(ctx, c.ID, snap); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) pause(ctx context.Context, cause error) error {
	strategy.Logf(ctx, w.svc.deps.Activity, w.logger, models.KindCondition, "", w.userID, models.LevelError,
		map[string]any{"errorKind": models.KindOf(cause)}, "条件机器人因配置错误暂停: %v", cause)
	return errPaused
}

// intentFor 把条件的动作换算成下单意图
func intentFor(c *models.BotCondition, symbol string, lastPrice float64) models.OrderIntent {
	in := models.OrderIntent{
		StrategyKind: models.KindCondition,
		BotID:        c.ID,
		BotName:      c.Name,
		UserID:       c.UserID,
		Symbol:       symbol,
		Side:         c.ActionType.Side(),
		Type:         c.ActionType.OrderType(),
		Price:        lastPrice,
	}
	if in.Type == models.Limit && c.LimitPrice != nil {
		in.Price = *c.LimitPrice
	}
	if c.ActionField == models.ActionFieldUSDTValue {
		in.QuoteAmount = c.ActionValue
	} else {
		in.Quantity = c.ActionValue
	}
	return in
}

// trigger 执行一个满足的条件: 先持久化意图, 再下单, 最后在一次写入中更新计数并清除意图。
func (w *Worker) trigger(ctx context.Context, id string, snap *models.MarketSnapshot) error {
	unlock := w.svc.locks.Lock(id)
	defer unlock()

	c, err := w.svc.conditions.Load(id)
	if err != nil {
		return fmt.Errorf("读取条件失败: %w", err)
	}
	// 条件可能刚被接口停用或删除
	if c == nil || !c.IsActive || c.Pending != nil {
		return nil
	}

	in := intentFor(c, w.svc.tradingSymbol, snap.LastPrice)
	in.Key, err = strategy.NextIntentKey(w.svc.deps.Sequencer, models.KindCondition, c.ID)
	if err != nil {
		return err
	}
	c.Pending = &in
	if err := w.svc.conditions.Save(c.ID, c); err != nil {
		return fmt.Errorf("保存下单意图失败: %w", err)
	}

	// 下单一旦开始就执行完毕, 停止只在两次下单之间生效
	rec, err := w.svc.deps.Executor.Execute(context.WithoutCancel(ctx), in)
	if err != nil {
		w.logger.Error("下单结果未能落盘, 保留意图待重启对账", zap.String("key", in.Key), zap.Error(err))
		return nil
	}
	return w.settle(ctx, c, rec)
}

// settle 根据交易记录更新条件并清除意图。必须持有条件锁。
func (w *Worker) settle(ctx context.Context, c *models.BotCondition, rec *models.TradeRecord) error {
	now := w.svc.deps.Clock()
	c.Pending = nil
	c.UpdatedAt = now

	paused, deactivated := false, false
	switch {
	case rec.Succeeded():
		c.TriggerCount++
		c.LastTriggered = &now
		c.ConsecutiveFailures = 0
	case rec.ErrorKind == models.KindConfiguration:
		paused = true
	default:
		c.ConsecutiveFailures++
		if c.ConsecutiveFailures >= w.maxFailures() {
			c.IsActive = false
			c.DeactivatedReason = fmt.Sprintf("连续 %d 次下单失败: %s", c.ConsecutiveFailures, rec.Error)
			deactivated = true
		}
	}
	if err := w.svc.conditions.Save(c.ID, c); err != nil {
		return fmt.Errorf("保存条件失败: %w", err)
	}

	if deactivated {
		strategy.Logf(ctx, w.svc.deps.Activity, w.logger, models.KindCondition, c.ID, c.UserID, models.LevelError,
			map[string]any{"consecutiveFailures": c.ConsecutiveFailures},
			"条件 %s 已停用: %s", c.Name, c.DeactivatedReason)
	}
	if paused {
		return w.pause(ctx, errors.New(rec.Error))
	}
	return nil
}

func (w *Worker) maxFailures() int {
	if w.svc.cfg.MaxFailures <= 0 {
		return 3
	}
	return w.svc.cfg.MaxFailures
}

// reconcile 处理上次进程退出时留下的意图, 在任何新下单之前完成
func (w *Worker) reconcile(ctx context.Context) error {
	conds, err := w.svc.ListConditions(w.userID)
	if err != nil {
		return err
	}
	for _, c := range conds {
		if c.Pending == nil {
			continue
		}
		if err := w.reconcileOne(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) reconcileOne(ctx context.Context, id string) error {
	unlock := w.svc.locks.Lock(id)
	defer unlock()
	c, err := w.svc.conditions.Load(id)
	if err != nil || c == nil || c.Pending == nil {
		return err
	}
	rec, err := w.svc.deps.Executor.Reconcile(ctx, *c.Pending)
	if err != nil {
		if models.IsConfiguration(err) {
			return w.pause(ctx, err)
		}
		return fmt.Errorf("对账意图 %s 失败: %w", c.Pending.Key, err)
	}
	if rec != nil {
		w.logger.Info("重启对账: 意图已有结果", zap.String("key", c.Pending.Key), zap.String("status", string(rec.Status)))
		return w.settle(ctx, c, rec)
	}
	// 意图从未到达交易所。条件会在下一个快照上重新评估, 不自动补单。
	strategy.Logf(ctx, w.svc.deps.Activity, w.logger, models.KindCondition, c.ID, c.UserID, models.LevelWarning,
		map[string]any{"key": c.Pending.Key}, "条件 %s 的未完成意图未到达交易所, 已丢弃", c.Name)
	c.Pending = nil
	c.UpdatedAt = w.svc.deps.Clock()
	return w.svc.conditions.Save(c.ID, c)
}
