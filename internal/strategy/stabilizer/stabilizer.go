package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/pricing"
	"mmbot-engine-go/internal/strategy"

	"go.uber.org/zap"
)

var errPaused = errors.New("stabilizer paused")

// Worker 是单个稳定器的状态机: monitoring -> recovering -> monitoring
type Worker struct {
	svc    *Service
	botID  string
	logger *zap.Logger
}

func (s *Service) newWorker(botID string) *Worker {
	return &Worker{svc: s, botID: botID, logger: s.logger.With(zap.String("bot", botID))}
}

func (w *Worker) update(fn func(b *models.StabilizerBot)) (*models.StabilizerBot, error) {
	return w.svc.bots.Update(w.botID, func(b *models.StabilizerBot) error {
		fn(b)
		b.UpdatedAt = w.svc.deps.Clock()
		return nil
	})
}

// Run 执行启动对账, 然后按检查间隔循环
func (w *Worker) Run(ctx context.Context) error {
	if err := w.startup(ctx); err != nil {
		return w.exit(err)
	}
	interval := time.Duration(w.svc.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Check(ctx); err != nil {
			if errors.Is(err, errPaused) {
				return w.exit(err)
			}
			w.logger.Error("稳定器检查失败", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) exit(err error) error {
	if !errors.Is(err, errPaused) {
		return err
	}
	if _, uerr := w.update(func(b *models.StabilizerBot) { b.Paused = true }); uerr != nil {
		w.logger.Error("保存暂停状态失败", zap.Error(uerr))
	}
	return nil
}

// startup 处理上次退出时遗留的意图和恢复阶段
func (w *Worker) startup(ctx context.Context) error {
	bot, err := w.svc.bots.Load(w.botID)
	if err != nil {
		return err
	}
	if bot.Pending != nil {
		rec, err := w.svc.deps.Executor.Reconcile(ctx, *bot.Pending)
		if err != nil {
			if models.IsConfiguration(err) {
				return w.pause(ctx, bot, err)
			}
			return fmt.Errorf("对账意图 %s 失败: %w", bot.Pending.Key, err)
		}
		key := bot.Pending.Key
		if bot, err = w.update(func(b *models.StabilizerBot) {
			b.Pending = nil
			if rec != nil {
				applyRecord(b, rec)
			}
		}); err != nil {
			return err
		}
		if rec == nil {
			w.svc.logf(ctx, bot, models.LevelWarning, map[string]any{"key": key}, "未完成的拆分订单未到达交易所, 已丢弃")
		}
	}
	if bot.Phase == models.PhaseRecovering {
		w.forceReset(ctx, bot, models.InternalInvariantError("startup", errors.New("进程重启时稳定器仍处于恢复阶段")))
	}
	_, err = w.update(func(b *models.StabilizerBot) {
		b.Phase = models.PhaseMonitoring
		b.RecoveryStartedAt = nil
	})
	return err
}

func (w *Worker) pause(ctx context.Context, bot *models.StabilizerBot, cause error) error {
	w.svc.logf(ctx, bot, models.LevelError, map[string]any{"errorKind": models.KindOf(cause)}, "稳定器因配置错误暂停: %v", cause)
	return errPaused
}

// forceReset 记录一次内部不变量违例并把阶段强制重置为 monitoring
func (w *Worker) forceReset(ctx context.Context, bot *models.StabilizerBot, cause error) {
	metrics.InvariantViolations.WithLabelValues(string(models.KindStabilizer)).Inc()
	w.svc.logf(ctx, bot, models.LevelError, map[string]any{"errorKind": models.KindOf(cause)}, "稳定器状态被强制重置: %v", cause)
	if _, err := w.update(func(b *models.StabilizerBot) {
		b.Phase = models.PhaseMonitoring
		b.RecoveryStartedAt = nil
	}); err != nil {
		w.logger.Error("强制重置失败", zap.Error(err))
	}
}

func applyRecord(b *models.StabilizerBot, rec *models.TradeRecord) {
	if rec.Succeeded() {
		b.SuccessfulOrders++
		b.TotalUsdtSpent = pricing.Sum(b.TotalUsdtSpent, rec.QuoteAmount)
	} else {
		b.FailedOrders++
	}
}

// Check 读取快照, 价格低于目标价时执行一次恢复
func (w *Worker) Check(ctx context.Context) error {
	bot, err := w.svc.bots.Load(w.botID)
	if err != nil {
		return err
	}
	if !bot.IsActive {
		return nil
	}
	snap, err := w.svc.deps.Snapshots.GetSnapshot(bot.Symbol)
	if err != nil {
		w.logger.Debug("行情快照不可用, 跳过本次检查", zap.Error(err))
		return nil
	}
	now := w.svc.deps.Clock()
	if bot, err = w.update(func(b *models.StabilizerBot) {
		b.LastCheckedAt = &now
		b.LastMarketPrice = snap.LastPrice
	}); err != nil {
		return err
	}
	if snap.LastPrice >= bot.TargetPrice {
		return nil
	}

	notional := w.svc.model.RequiredQuote(snap, bot.TargetPrice)
	w.svc.logf(ctx, bot, models.LevelCalculate,
		map[string]any{"lastPrice": snap.LastPrice, "targetPrice": bot.TargetPrice, "requiredUsdt": notional, "sequence": snap.Sequence},
		"价格 %.8f 低于目标价 %.8f, 需要买入 %.4f USDT", snap.LastPrice, bot.TargetPrice, notional)
	if notional <= 0 {
		return nil
	}
	return w.recover(ctx, bot, notional)
}

// recover 把 notional 拆分成若干笔市价买单依次执行。
// 任一笔失败则放弃剩余部分; 停止信号只在两笔之间生效。
func (w *Worker) recover(ctx context.Context, bot *models.StabilizerBot, notional float64) error {
	parts := w.svc.cfg.SplitOrders
	if parts <= 0 {
		parts = 4
	}
	slices := pricing.SplitEven(notional, parts, 8)
	spacing := time.Duration(w.svc.cfg.OrderIntervalSec) * time.Second
	maxRecovery := time.Duration(w.svc.cfg.MaxRecoverySec) * time.Second

	started := w.svc.deps.Clock()
	bot, err := w.update(func(b *models.StabilizerBot) {
		b.Phase = models.PhaseRecovering
		b.RecoveryStartedAt = &started
		b.ExecutionCount++
	})
	if err != nil {
		return err
	}
	group := fmt.Sprintf("exec-%d", bot.ExecutionCount)

	var abort error
	for i, amount := range slices {
		if i > 0 && !strategy.Sleep(ctx, spacing) {
			abort = ctx.Err()
			w.skip(ctx, bot, slices[i:], i, "稳定器已停止")
			break
		}
		if maxRecovery > 0 && w.svc.deps.Clock().Sub(started) > maxRecovery {
			w.skip(ctx, bot, slices[i:], i, "恢复超时")
			w.forceReset(ctx, bot, models.InternalInvariantError("recover",
				fmt.Errorf("恢复耗时超过 %s", maxRecovery)))
			return nil
		}

		rec, err := w.execute(ctx, bot, group, i, amount)
		if err != nil {
			return err
		}
		if !rec.Succeeded() {
			w.skip(ctx, bot, slices[i+1:], i+1, "拆分订单失败")
			if rec.ErrorKind == models.KindConfiguration {
				abort = w.pause(ctx, bot, errors.New(rec.Error))
			}
			break
		}
	}

	final := bot.LastMarketPrice
	if snap, err := w.svc.deps.Snapshots.Refresh(context.WithoutCancel(ctx), bot.Symbol); err == nil {
		final = snap.LastPrice
	}
	finished := w.svc.deps.Clock()
	bot, err = w.update(func(b *models.StabilizerBot) {
		b.Phase = models.PhaseMonitoring
		b.RecoveryStartedAt = nil
		b.LastExecutedAt = &finished
		b.LastFinalPrice = final
	})
	if err != nil {
		return err
	}
	w.svc.logf(ctx, bot, models.LevelSuccess,
		map[string]any{"finalPrice": final, "totalUsdtSpent": bot.TotalUsdtSpent, "group": group},
		"第 %d 次恢复结束, 当前价格 %.8f", bot.ExecutionCount, final)
	if errors.Is(abort, errPaused) {
		return abort
	}
	return nil
}

// execute 持久化意图后执行一笔拆分订单, 并在同一次写入中更新计数、清除意图
func (w *Worker) execute(ctx context.Context, bot *models.StabilizerBot, group string, index int, amount float64) (*models.TradeRecord, error) {
	key, err := strategy.NextIntentKey(w.svc.deps.Sequencer, models.KindStabilizer, bot.ID)
	if err != nil {
		return nil, err
	}
	in := models.OrderIntent{
		Key:          key,
		StrategyKind: models.KindStabilizer,
		BotID:        bot.ID,
		BotName:      bot.Name,
		UserID:       bot.UserID,
		Symbol:       bot.Symbol,
		Side:         models.Buy,
		Type:         models.Market,
		QuoteAmount:  amount,
		Group:        group,
	}
	if _, err := w.update(func(b *models.StabilizerBot) { b.Pending = &in }); err != nil {
		return nil, fmt.Errorf("保存下单意图失败: %w", err)
	}

	rec, err := w.svc.deps.Executor.Execute(context.WithoutCancel(ctx), in)
	if err != nil {
		w.logger.Error("下单结果未能落盘, 保留意图待重启对账", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if _, err := w.update(func(b *models.StabilizerBot) {
		b.Pending = nil
		applyRecord(b, rec)
	}); err != nil {
		return nil, err
	}
	w.logger.Info("拆分订单完成",
		zap.Int("slice", index+1),
		zap.Float64("quote", amount),
		zap.String("status", string(rec.Status)))
	return rec, nil
}

// skip 为每一笔被放弃的拆分订单写一条日志
func (w *Worker) skip(ctx context.Context, bot *models.StabilizerBot, rest []float64, from int, reason string) {
	for j, amount := range rest {
		w.svc.logf(ctx, bot, models.LevelWarning, map[string]any{"slice": from + j + 1, "quoteAmount": amount},
			"%s, 放弃第 %d 笔拆分订单 (%.4f USDT)", reason, from+j+1, amount)
	}
}
