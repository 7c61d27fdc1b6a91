// Package scheduled 实现定投机器人: 在 durationHours 小时内每小时花费 usdtPerHour,
// 一半市价买入, 一半在卖一价下方挂限价买单。
package scheduled

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/pricing"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input 是创建定投机器人的请求体
type Input struct {
	Name             string   `json:"name"`
	TotalUsdtBudget  float64  `json:"totalUsdtBudget"`
	DurationHours    int      `json:"durationHours"`
	BidOffsetPercent *float64 `json:"bidOffsetPercent"`
	Symbol           string   `json:"symbol"`
}

// Service 管理定投机器人
type Service struct {
	deps          strategy.Deps
	cfg           models.ScheduledConfig
	defaultSymbol string
	bots          *strategy.Store[models.ScheduledBot]
	logger        *zap.Logger
}

// NewService 创建定投服务
func NewService(deps strategy.Deps, cfg *models.Config) *Service {
	return &Service{
		deps:          deps,
		cfg:           cfg.ScheduledConfig,
		defaultSymbol: cfg.TradingSymbol,
		bots:          strategy.NewStore[models.ScheduledBot](deps.DB, "scheduled"),
		logger:        deps.Logger.Named("scheduled"),
	}
}

func botKey(id string) string { return statemanager.BotKey(models.KindScheduled, id) }

func (s *Service) logf(ctx context.Context, bot *models.ScheduledBot, level models.LogLevel, data map[string]any, format string, args ...any) {
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindScheduled, bot.ID, bot.UserID, level, data, format, args...)
}

// Create 创建定投机器人。每小时金额 = 总预算 / 小时数, 总次数 = 小时数。
func (s *Service) Create(ctx context.Context, userID string, in Input) (*models.ScheduledBot, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: 名称不能为空", models.ErrInvalidInput)
	}
	if in.TotalUsdtBudget <= 0 {
		return nil, fmt.Errorf("%w: 总预算必须大于零", models.ErrInvalidInput)
	}
	if in.DurationHours <= 0 {
		return nil, fmt.Errorf("%w: 持续小时数必须大于零", models.ErrInvalidInput)
	}
	offset := s.cfg.DefaultBidOffsetPercent
	if in.BidOffsetPercent != nil {
		offset = *in.BidOffsetPercent
	}
	if offset < 0 || offset >= 100 {
		return nil, fmt.Errorf("%w: 限价偏移必须在 [0, 100) 之间", models.ErrInvalidInput)
	}
	if in.Symbol == "" {
		in.Symbol = s.defaultSymbol
	}
	interval := s.cfg.IntervalMs
	if interval <= 0 {
		interval = 3_600_000
	}

	now := s.deps.Clock()
	bot := &models.ScheduledBot{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             in.Name,
		TotalUsdtBudget:  in.TotalUsdtBudget,
		DurationHours:    in.DurationHours,
		BidOffsetPercent: offset,
		UsdtPerHour:      pricing.RoundDown(pricing.Div(in.TotalUsdtBudget, float64(in.DurationHours)), 8),
		IntervalMs:       interval,
		Symbol:           strings.ToUpper(in.Symbol),
		TotalBuys:        in.DurationHours,
		Status:           models.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.bots.Create(bot.ID, bot); err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo,
		map[string]any{"totalUsdtBudget": bot.TotalUsdtBudget, "durationHours": bot.DurationHours, "usdtPerHour": bot.UsdtPerHour},
		"创建定投机器人 %s: %d 小时, 每小时 %.4f USDT", bot.Name, bot.DurationHours, bot.UsdtPerHour)
	return bot, nil
}

// Get 返回属于 userID 的定投机器人
func (s *Service) Get(userID, id string) (*models.ScheduledBot, error) {
	bot, err := s.bots.Load(id)
	if err != nil {
		return nil, err
	}
	if bot.UserID != userID {
		return nil, fmt.Errorf("定投机器人 %s: %w", id, models.ErrNotFound)
	}
	return bot, nil
}

// List 返回用户的全部定投机器人
func (s *Service) List(userID string) ([]*models.ScheduledBot, error) {
	all, err := s.bots.List()
	if err != nil {
		return nil, err
	}
	out := make([]*models.ScheduledBot, 0, len(all))
	for _, b := range all {
		if b.UserID == userID {
			b.IsRunning = s.deps.Runner.IsRunning(botKey(b.ID))
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// activate 把机器人标记为运行中。首次启动时第一笔立即执行, 之后的启动沿用原有的时间锚点。
func (s *Service) activate(userID, id string) (*models.ScheduledBot, error) {
	if _, err := s.Get(userID, id); err != nil {
		return nil, err
	}
	return s.bots.Update(id, func(b *models.ScheduledBot) error {
		if b.Status == models.StatusCompleted || b.ExecutedBuys >= b.TotalBuys {
			return fmt.Errorf("%w: 定投机器人 %s 已完成, 不能再次启动", models.ErrInvalidInput, b.Name)
		}
		now := s.deps.Clock()
		if b.StartedAt == nil {
			b.StartedAt = &now
		}
		if b.NextBuyAt == nil {
			b.NextBuyAt = &now
		}
		b.IsActive = true
		b.IsRunning = true
		b.Paused = false
		b.Status = models.StatusRunning
		b.UpdatedAt = now
		return nil
	})
}

// Start 启动定投机器人
func (s *Service) Start(ctx context.Context, userID, id string) (*models.ScheduledBot, error) {
	bot, err := s.activate(userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.launch(bot); err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelSuccess, map[string]any{"nextBuyAt": bot.NextBuyAt}, "定投机器人 %s 已启动", bot.Name)
	return bot, nil
}

// Stop 停止定投机器人, 正在执行的一次定投会完成
func (s *Service) Stop(ctx context.Context, userID, id string) (*models.ScheduledBot, error) {
	if _, err := s.Get(userID, id); err != nil {
		return nil, err
	}
	if err := s.deps.Runner.Stop(ctx, botKey(id)); err != nil {
		return nil, err
	}
	bot, err := s.bots.Update(id, func(b *models.ScheduledBot) error {
		b.IsActive = false
		b.IsRunning = false
		if b.Status != models.StatusCompleted {
			b.Status = models.StatusStopped
		}
		b.UpdatedAt = s.deps.Clock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo, nil, "定投机器人 %s 已停止", bot.Name)
	return bot, nil
}

// Delete 停止并删除定投机器人
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	bot, err := s.Get(userID, id)
	if err != nil {
		return err
	}
	if err := s.deps.Runner.Stop(ctx, botKey(id)); err != nil {
		return err
	}
	if len(bot.Pending) > 0 {
		return fmt.Errorf("%w: 定投机器人 %s 有未确认的订单", models.ErrInvalidInput, id)
	}
	if err := s.bots.Delete(id); err != nil {
		return err
	}
	s.logf(ctx, bot, models.LevelInfo, nil, "删除定投机器人 %s", bot.Name)
	return nil
}

// Trades 把每次定投的市价单和限价单组装成一条记录, 最新的在前
func (s *Service) Trades(ctx context.Context, userID, id string) ([]models.ScheduledBotTrade, error) {
	bot, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	records, err := s.deps.Trades.Trades(ctx, models.TradeFilter{BotID: bot.ID, StrategyKind: models.KindScheduled, Limit: 2 * (bot.TotalBuys + 1)})
	if err != nil {
		return nil, err
	}
	return assembleTrades(bot, records), nil
}

func assembleTrades(bot *models.ScheduledBot, records []*models.TradeRecord) []models.ScheduledBotTrade {
	byGroup := make(map[string]*models.ScheduledBotTrade)
	var order []string
	for _, r := range records {
		t, ok := byGroup[r.Group]
		if !ok {
			t = &models.ScheduledBotTrade{
				ScheduledBotID:  bot.ID,
				UserID:          bot.UserID,
				Symbol:          r.Symbol,
				Group:           r.Group,
				MarketBuyStatus: models.ScheduledMarketFailed,
				LimitBuyStatus:  models.ScheduledLimitFailed,
				ExecutedAt:      r.ExecutedAt,
			}
			byGroup[r.Group] = t
			order = append(order, r.Group)
		}
		if r.ExecutedAt.Before(t.ExecutedAt) {
			t.ExecutedAt = r.ExecutedAt
		}
		switch r.Type {
		case models.Market:
			t.MarketBuyOrderID = r.OrderID
			t.MarketBuyPrice = r.Price
			t.MarketBuyVolume = r.Volume
			if r.Succeeded() {
				t.MarketBuyStatus = models.ScheduledMarketSuccess
			}
		case models.Limit:
			t.LimitBuyOrderID = r.OrderID
			t.LimitBuyPrice = r.Price
			t.LimitBuyVolume = r.Volume
			if r.Succeeded() {
				t.LimitBuyStatus = models.ScheduledLimitPlaced
			}
		}
	}
	out := make([]models.ScheduledBotTrade, 0, len(order))
	for _, g := range order {
		out = append(out, *byGroup[g])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out
}

// Restore 恢复进程退出前处于运行状态的定投机器人
func (s *Service) Restore(ctx context.Context) error {
	bots, err := s.bots.List()
	if err != nil {
		return err
	}
	for _, b := range bots {
		if !b.IsActive || b.Paused || b.Status == models.StatusCompleted {
			continue
		}
		if err := s.launch(b); err != nil {
			s.logger.Error("恢复定投机器人失败", zap.String("bot", b.ID), zap.Error(err))
		}
	}
	return nil
}

// ResumePaused 在用户补全凭证后重启因配置错误暂停的定投机器人
func (s *Service) ResumePaused(ctx context.Context, userID string) error {
	bots, err := s.List(userID)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range bots {
		if b.Paused && b.IsActive {
			if _, err := s.Start(ctx, userID, b.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) launch(bot *models.ScheduledBot) error {
	s.deps.Snapshots.Track(bot.Symbol)
	w := s.newWorker(bot.ID)
	err := s.deps.Runner.Start(botKey(bot.ID), models.KindScheduled, w.Run)
	if err != nil && !errors.Is(err, statemanager.ErrAlreadyRunning) {
		return err
	}
	return nil
}
