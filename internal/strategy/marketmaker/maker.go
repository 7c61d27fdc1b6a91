package marketmaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/pricing"
	"mmbot-engine-go/internal/strategy"

	"go.uber.org/zap"
)

var errPaused = errors.New("market maker paused")

// Rungs 计算本轮的买卖挂单价和数量。
// 中心价为目标价夹在 [priceFloor, priceCeil] 内, 买价 = 中心价 × (1 − 价差/2), 卖价 = 中心价 × (1 + 价差/2)。
func Rungs(bot *models.MarketMakerBot) (bid, ask, size float64) {
	centre := bot.TargetPrice
	if bot.PriceFloor != nil && centre < *bot.PriceFloor {
		centre = *bot.PriceFloor
	}
	if bot.PriceCeil != nil && centre > *bot.PriceCeil {
		centre = *bot.PriceCeil
	}
	half := bot.SpreadPercent / 2
	bid = pricing.Round(pricing.Mul(centre, 1-half), 8)
	ask = pricing.Round(pricing.Mul(centre, 1+half), 8)
	size = pricing.Sum(bot.OrderSize, pricing.Mul(bot.IncrementStep, float64(bot.ExecutionCount)))
	return bid, ask, size
}

// Worker 驱动一个做市机器人的周期
type Worker struct {
	svc    *Service
	botID  string
	logger *zap.Logger
}

func (s *Service) newWorker(botID string) *Worker {
	return &Worker{svc: s, botID: botID, logger: s.logger.With(zap.String("bot", botID))}
}

func (w *Worker) update(fn func(b *models.MarketMakerBot)) (*models.MarketMakerBot, error) {
	return w.svc.bots.Update(w.botID, func(b *models.MarketMakerBot) error {
		fn(b)
		b.UpdatedAt = w.svc.deps.Clock()
		return nil
	})
}

// Run 先对账上次未落定的挂单, 然后每个周期调用 RunCycle
func (w *Worker) Run(ctx context.Context) error {
	if err := w.startup(ctx); err != nil {
		return err
	}
	interval := time.Duration(w.svc.cfg.CycleIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := w.RunCycle(ctx)
		switch {
		case errors.Is(err, errPaused):
			if _, uerr := w.update(func(b *models.MarketMakerBot) { b.Paused = true }); uerr != nil {
				w.logger.Error("保存暂停状态失败", zap.Error(uerr))
			}
			return nil
		case err != nil:
			w.logger.Error("做市周期执行失败", zap.Error(err))
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

// startup 处理重启前已持久化但结果未知的挂单意图: 已到达交易所的挂单并入 workingOrders
// 以便下一轮撤销, 从未提交的直接丢弃。
func (w *Worker) startup(ctx context.Context) error {
	bot, err := w.svc.bots.Load(w.botID)
	if err != nil {
		return err
	}
	if len(bot.Pending) == 0 {
		return nil
	}
	var adopted []models.WorkingOrder
	for _, in := range bot.Pending {
		rec, err := w.svc.deps.Executor.Reconcile(ctx, in)
		if err != nil {
			return fmt.Errorf("对账挂单意图 %s 失败: %w", in.Key, err)
		}
		if rec == nil {
			w.svc.logf(ctx, bot, models.LevelWarning, map[string]any{"key": in.Key},
				"挂单意图 %s 未到达交易所, 已丢弃", in.Key)
			continue
		}
		if wo, ok := w.workingOrder(rec, in); ok {
			adopted = append(adopted, wo)
		}
	}
	_, err = w.update(func(b *models.MarketMakerBot) {
		b.WorkingOrders = append(b.WorkingOrders, adopted...)
		b.Pending = nil
	})
	return err
}

func (w *Worker) workingOrder(rec *models.TradeRecord, in models.OrderIntent) (models.WorkingOrder, bool) {
	if !rec.Succeeded() {
		return models.WorkingOrder{}, false
	}
	id, err := strconv.ParseInt(rec.OrderID, 10, 64)
	if err != nil {
		w.logger.Warn("无法解析订单号", zap.String("orderId", rec.OrderID), zap.Error(err))
	}
	return models.WorkingOrder{
		OrderID:       id,
		ClientOrderID: rec.ClientOrderID,
		Side:          in.Side,
		Price:         rec.Price,
		Quantity:      rec.Volume,
		PlacedAt:      rec.ExecutedAt,
	}, true
}

// RunCycle 执行一个做市周期。返回 true 表示机器人已到价或不再运行, worker 应退出。
func (w *Worker) RunCycle(ctx context.Context) (bool, error) {
	bot, err := w.svc.bots.Load(w.botID)
	if err != nil {
		return false, err
	}
	if !bot.IsActive {
		return true, nil
	}
	if bot.TargetReached {
		if bot.Status != models.StatusTargetReached {
			_, err = w.update(func(b *models.MarketMakerBot) { b.Status = models.StatusTargetReached })
		}
		return true, err
	}

	snap, err := w.svc.deps.Snapshots.GetSnapshot(bot.Symbol)
	if err != nil {
		w.logger.Warn("行情不可用, 跳过本轮做市", zap.Error(err))
		return false, nil
	}
	if snap.LastPrice >= bot.TargetPrice {
		return true, w.reachTarget(ctx, bot, snap.LastPrice)
	}

	left, err := w.svc.cancelAll(ctx, bot)
	if bot, err = w.saveWorking(bot, left, err); err != nil {
		return false, err
	}
	if len(left) > 0 {
		w.svc.logf(ctx, bot, models.LevelWarning, map[string]any{"remaining": len(left)},
			"%d 个旧挂单撤销失败, 本轮不挂新单", len(left))
		return false, nil
	}

	return false, w.place(ctx, bot, snap.LastPrice)
}

// saveWorking 保存撤单后剩余的挂单。撤单遇到配置错误时暂停。
func (w *Worker) saveWorking(bot *models.MarketMakerBot, left []models.WorkingOrder, cancelErr error) (*models.MarketMakerBot, error) {
	if len(left) == len(bot.WorkingOrders) && cancelErr == nil {
		return bot, nil
	}
	bot, err := w.update(func(b *models.MarketMakerBot) { b.WorkingOrders = left })
	if err != nil {
		return nil, err
	}
	if models.IsConfiguration(cancelErr) {
		return bot, errPaused
	}
	return bot, nil
}

// place 挂出本轮的买单和卖单
func (w *Worker) place(ctx context.Context, bot *models.MarketMakerBot, lastPrice float64) error {
	bid, ask, size := Rungs(bot)
	group := fmt.Sprintf("exec-%d", bot.ExecutionCount+1)
	base := models.OrderIntent{
		StrategyKind: models.KindMarketMaker,
		BotID:        bot.ID,
		BotName:      bot.Name,
		UserID:       bot.UserID,
		Symbol:       bot.Symbol,
		Type:         models.Limit,
		Quantity:     size,
		Group:        group,
	}
	buy, sell := base, base
	buy.Side, buy.Price = models.Buy, bid
	sell.Side, sell.Price = models.Sell, ask
	pending := []models.OrderIntent{buy, sell}
	for i := range pending {
		key, err := strategy.NextIntentKey(w.svc.deps.Sequencer, models.KindMarketMaker, bot.ID)
		if err != nil {
			return err
		}
		pending[i].Key = key
	}

	w.svc.logf(ctx, bot, models.LevelCalculate,
		map[string]any{"lastPrice": lastPrice, "bid": bid, "ask": ask, "size": size, "group": group},
		"第 %d 轮做市: 买 %.8f / 卖 %.8f, 数量 %.8f", bot.ExecutionCount+1, bid, ask, size)

	if _, err := w.update(func(b *models.MarketMakerBot) { b.Pending = pending }); err != nil {
		return fmt.Errorf("保存挂单意图失败: %w", err)
	}

	var placed []models.WorkingOrder
	configErr := false
	for _, in := range pending {
		rec, err := w.svc.deps.Executor.Execute(context.WithoutCancel(ctx), in)
		if err != nil {
			// 结果未落盘, 保留意图等待重启对账
			return err
		}
		if wo, ok := w.workingOrder(rec, in); ok {
			placed = append(placed, wo)
		}
		if rec.ErrorKind == models.KindConfiguration {
			configErr = true
		}
	}

	now := w.svc.deps.Clock()
	bot, err := w.update(func(b *models.MarketMakerBot) {
		b.Pending = nil
		b.WorkingOrders = append(b.WorkingOrders, placed...)
		if configErr {
			return
		}
		b.ExecutionCount++
		b.CurrentOrderSize = size
		b.LastExecutedAt = &now
	})
	if err != nil {
		return err
	}
	if configErr {
		w.svc.logf(ctx, bot, models.LevelError, map[string]any{"errorKind": models.KindConfiguration}, "做市机器人因配置错误暂停")
		return errPaused
	}
	w.svc.logf(ctx, bot, models.LevelSuccess, map[string]any{"placed": len(placed), "executionCount": bot.ExecutionCount},
		"第 %d 轮做市完成, 挂出 %d 个订单", bot.ExecutionCount, len(placed))
	return nil
}

// reachTarget 最新价到达目标价: 撤销全部挂单, 标记到价并通知用户
func (w *Worker) reachTarget(ctx context.Context, bot *models.MarketMakerBot, lastPrice float64) error {
	left, cancelErr := w.svc.cancelAll(ctx, bot)
	if cancelErr != nil {
		w.logger.Warn("到价撤单未全部成功", zap.Int("remaining", len(left)), zap.Error(cancelErr))
	}
	now := w.svc.deps.Clock()
	bot, err := w.update(func(b *models.MarketMakerBot) {
		b.WorkingOrders = left
		b.TargetReached = true
		b.IsActive = false
		b.IsRunning = false
		b.Status = models.StatusTargetReached
		b.LastExecutedAt = &now
	})
	if err != nil {
		return err
	}
	w.svc.logf(ctx, bot, models.LevelSuccess, map[string]any{"lastPrice": lastPrice, "targetPrice": bot.TargetPrice},
		"做市机器人 %s 已到达目标价 %.8f (最新价 %.8f)", bot.Name, bot.TargetPrice, lastPrice)

	if bot.TelegramEnabled && bot.TelegramUserID != "" {
		msg := fmt.Sprintf("做市机器人 %s: %s 最新价 %.8f 已到达目标价 %.8f, 共执行 %d 轮",
			bot.Name, bot.Symbol, lastPrice, bot.TargetPrice, bot.ExecutionCount)
		if err := w.svc.notify.Notify(ctx, bot.TelegramUserID, msg); err != nil {
			w.svc.logf(ctx, bot, models.LevelWarning, nil, "Telegram 通知发送失败: %v", err)
		}
	}
	return nil
}

// cancelAll 撤销机器人的全部挂单, 返回撤销失败而仍在交易所的挂单
func (s *Service) cancelAll(ctx context.Context, bot *models.MarketMakerBot) ([]models.WorkingOrder, error) {
	var left []models.WorkingOrder
	var errs []error
	for _, wo := range bot.WorkingOrders {
		err := s.deps.Executor.Cancel(ctx, execution.CancelRequest{
			StrategyKind:  models.KindMarketMaker,
			BotID:         bot.ID,
			UserID:        bot.UserID,
			Symbol:        bot.Symbol,
			OrderID:       wo.OrderID,
			ClientOrderID: wo.ClientOrderID,
		})
		if err != nil {
			s.logger.Warn("撤单失败", zap.String("bot", bot.ID), zap.Int64("orderId", wo.OrderID), zap.Error(err))
			left = append(left, wo)
			errs = append(errs, err)
		}
	}
	return left, errors.Join(errs...)
}
