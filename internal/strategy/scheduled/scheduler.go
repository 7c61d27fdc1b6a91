package scheduled

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/pricing"
	"mmbot-engine-go/internal/strategy"

	"go.uber.org/zap"
)

var errPaused = errors.New("scheduled bot paused")

// Worker 按锚定的时间表执行定投。错过的时间点在恢复时逐个补上。
type Worker struct {
	svc    *Service
	botID  string
	logger *zap.Logger
}

func (s *Service) newWorker(botID string) *Worker {
	return &Worker{svc: s, botID: botID, logger: s.logger.With(zap.String("bot", botID))}
}

func (w *Worker) update(fn func(b *models.ScheduledBot)) (*models.ScheduledBot, error) {
	return w.svc.bots.Update(w.botID, func(b *models.ScheduledBot) error {
		fn(b)
		b.UpdatedAt = w.svc.deps.Clock()
		return nil
	})
}

// Run 周期性调用 Tick, 直到机器人完成或被停止
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.svc.cfg.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := w.Tick(ctx)
		switch {
		case errors.Is(err, errPaused):
			if _, uerr := w.update(func(b *models.ScheduledBot) { b.Paused = true }); uerr != nil {
				w.logger.Error("保存暂停状态失败", zap.Error(uerr))
			}
			return nil
		case err != nil:
			w.logger.Error("定投执行失败", zap.Error(err))
		case done:
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick 执行所有已到期的定投。返回 true 表示机器人已完成或不再运行。
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	bot, err := w.svc.bots.Load(w.botID)
	if err != nil {
		return false, err
	}
	if len(bot.Pending) > 0 {
		// 上次执行的意图尚未落定, 用同一组幂等键重新执行
		if bot, err = w.settle(ctx, bot, bot.Pending); err != nil {
			return false, err
		}
	}

	interval := time.Duration(bot.IntervalMs) * time.Millisecond
	spacing := time.Duration(w.svc.cfg.CatchUpSpacingSec) * time.Second
	executed := 0
	for {
		if !bot.IsActive || bot.Status == models.StatusCompleted {
			return true, nil
		}
		now := w.svc.deps.Clock()
		if bot.NextBuyAt == nil || now.Before(*bot.NextBuyAt) {
			return false, nil
		}
		if executed > 0 && !strategy.Sleep(ctx, spacing) {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, nil
		}
		slot := *bot.NextBuyAt
		if now.Sub(slot) >= interval {
			w.svc.logf(ctx, bot, models.LevelWarning,
				map[string]any{"scheduledAt": slot, "execution": bot.ExecutedBuys + 1},
				"补执行错过的第 %d 次定投 (计划时间 %s)", bot.ExecutedBuys+1, slot.Format(time.RFC3339))
		}
		next, err := w.execute(ctx, bot)
		if err != nil {
			return false, err
		}
		if next == nil {
			// 行情不可用, 下次再试
			return false, nil
		}
		bot = next
		executed++
	}
}

// execute 执行一次定投: 先持久化两笔意图, 再依次下单
func (w *Worker) execute(ctx context.Context, bot *models.ScheduledBot) (*models.ScheduledBot, error) {
	amount := math.Min(bot.UsdtPerHour, bot.RemainingBudget())
	if amount <= 0 {
		return w.complete(ctx, bot)
	}
	snap, err := w.svc.deps.Snapshots.GetSnapshot(bot.Symbol)
	if err != nil || snap.BestAsk <= 0 {
		w.logger.Warn("行情不可用, 推迟本次定投", zap.Error(err))
		return nil, nil
	}

	halves := pricing.SplitEven(amount, 2, 8)
	limitPrice := snap.BestAsk * (1 - bot.BidOffsetPercent/100)
	group := fmt.Sprintf("exec-%d", bot.ExecutedBuys+1)
	base := models.OrderIntent{
		StrategyKind: models.KindScheduled,
		BotID:        bot.ID,
		BotName:      bot.Name,
		UserID:       bot.UserID,
		Symbol:       bot.Symbol,
		Side:         models.Buy,
		Group:        group,
	}
	market, limit := base, base
	market.Type = models.Market
	market.QuoteAmount = halves[0]
	limit.Type = models.Limit
	limit.QuoteAmount = halves[1]
	limit.Price = limitPrice
	for _, in := range []*models.OrderIntent{&market, &limit} {
		if in.Key, err = strategy.NextIntentKey(w.svc.deps.Sequencer, models.KindScheduled, bot.ID); err != nil {
			return nil, err
		}
	}

	w.svc.logf(ctx, bot, models.LevelCalculate,
		map[string]any{"amount": amount, "bestAsk": snap.BestAsk, "limitPrice": limitPrice, "group": group},
		"第 %d 次定投: %.4f USDT 市价买入, %.4f USDT 限价 %.8f 买入", bot.ExecutedBuys+1, halves[0], halves[1], limitPrice)

	pending := []models.OrderIntent{market, limit}
	if _, err := w.update(func(b *models.ScheduledBot) { b.Pending = pending }); err != nil {
		return nil, fmt.Errorf("保存下单意图失败: %w", err)
	}
	return w.settle(ctx, bot, pending)
}

// settle 执行 (或重放) 一次定投的全部意图, 然后在一次写入中更新进度并清除意图
func (w *Worker) settle(ctx context.Context, bot *models.ScheduledBot, pending []models.OrderIntent) (*models.ScheduledBot, error) {
	records := make([]*models.TradeRecord, 0, len(pending))
	for _, in := range pending {
		rec, err := w.svc.deps.Executor.Execute(context.WithoutCancel(ctx), in)
		if err != nil {
			w.logger.Error("下单结果未能落盘, 保留意图", zap.String("key", in.Key), zap.Error(err))
			return nil, err
		}
		records = append(records, rec)
	}

	configErr := len(records) > 0
	for _, rec := range records {
		if rec.ErrorKind != models.KindConfiguration {
			configErr = false
		}
	}
	if configErr {
		// 凭证缺失: 本次不计入进度, 暂停等待用户补全
		if _, err := w.update(func(b *models.ScheduledBot) { b.Pending = nil }); err != nil {
			return nil, err
		}
		w.svc.logf(ctx, bot, models.LevelError, map[string]any{"errorKind": models.KindConfiguration},
			"定投机器人因配置错误暂停: %s", records[0].Error)
		return nil, errPaused
	}

	now := w.svc.deps.Clock()
	interval := time.Duration(bot.IntervalMs) * time.Millisecond
	bot, err := w.update(func(b *models.ScheduledBot) {
		spent := b.SpentUsdt
		for _, rec := range records {
			if !rec.Succeeded() {
				continue
			}
			spent = pricing.Sum(spent, rec.QuoteAmount)
			if rec.Type == models.Market {
				b.AccumulatedGcb = pricing.Sum(b.AccumulatedGcb, rec.Volume)
			}
		}
		b.SpentUsdt = math.Min(spent, b.TotalUsdtBudget)
		b.ExecutedBuys++
		b.LastBuyAt = &now
		if b.NextBuyAt != nil {
			next := b.NextBuyAt.Add(interval)
			b.NextBuyAt = &next
		}
		b.Pending = nil
		if b.ExecutedBuys >= b.TotalBuys {
			b.Status = models.StatusCompleted
			b.IsActive = false
			b.IsRunning = false
			b.NextBuyAt = nil
		}
	})
	if err != nil {
		return nil, err
	}
	w.svc.logf(ctx, bot, models.LevelSuccess,
		map[string]any{"executedBuys": bot.ExecutedBuys, "spentUsdt": bot.SpentUsdt, "accumulatedGcb": bot.AccumulatedGcb},
		"第 %d/%d 次定投完成, 已花费 %.4f USDT", bot.ExecutedBuys, bot.TotalBuys, bot.SpentUsdt)
	if bot.Status == models.StatusCompleted {
		w.svc.logf(ctx, bot, models.LevelSuccess, nil, "定投机器人 %s 已完成全部 %d 次定投", bot.Name, bot.TotalBuys)
	}
	return bot, nil
}

// complete 预算已经用完, 提前结束
func (w *Worker) complete(ctx context.Context, bot *models.ScheduledBot) (*models.ScheduledBot, error) {
	bot, err := w.update(func(b *models.ScheduledBot) {
		b.Status = models.StatusCompleted
		b.IsActive = false
		b.IsRunning = false
		b.NextBuyAt = nil
	})
	if err != nil {
		return nil, err
	}
	w.svc.logf(ctx, bot, models.LevelSuccess, nil, "定投机器人 %s 预算已用完", bot.Name)
	return bot, nil
}
