// Package marketmaker 实现做市机器人: 每个周期撤掉旧挂单, 围绕目标价重新挂一组买卖单,
// 挂单数量随执行次数递增, 直到最新价到达目标价为止。
package marketmaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/notifier"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input 是创建做市机器人的请求体
type Input struct {
	Name            string   `json:"name"`
	Symbol          string   `json:"symbol"`
	TargetPrice     float64  `json:"targetPrice"`
	SpreadPercent   float64  `json:"spreadPercent"`
	OrderSize       float64  `json:"orderSize"`
	PriceFloor      *float64 `json:"priceFloor"`
	PriceCeil       *float64 `json:"priceCeil"`
	IncrementStep   *float64 `json:"incrementStep"`
	TelegramEnabled bool     `json:"telegramEnabled"`
	TelegramUserID  string   `json:"telegramUserId"`
}

// Service 管理做市机器人
type Service struct {
	deps          strategy.Deps
	cfg           models.MarketMakerConfig
	defaultSymbol string
	notify        notifier.Notifier
	bots          *strategy.Store[models.MarketMakerBot]
	logger        *zap.Logger
}

// NewService 创建做市服务, notify 为空时不推送通知
func NewService(deps strategy.Deps, cfg *models.Config, notify notifier.Notifier) *Service {
	if notify == nil {
		notify = notifier.Noop{}
	}
	return &Service{
		deps:          deps,
		cfg:           cfg.MarketMakerConfig,
		defaultSymbol: cfg.TradingSymbol,
		notify:        notify,
		bots:          strategy.NewStore[models.MarketMakerBot](deps.DB, "market_maker"),
		logger:        deps.Logger.Named("market_maker"),
	}
}

func botKey(id string) string { return statemanager.BotKey(models.KindMarketMaker, id) }

func (s *Service) logf(ctx context.Context, bot *models.MarketMakerBot, level models.LogLevel, data map[string]any, format string, args ...any) {
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindMarketMaker, bot.ID, bot.UserID, level, data, format, args...)
}

func (s *Service) validate(in *Input) error {
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.Name == "":
		return fmt.Errorf("%w: 名称不能为空", models.ErrInvalidInput)
	case in.TargetPrice <= 0:
		return fmt.Errorf("%w: 目标价必须大于零", models.ErrInvalidInput)
	case in.OrderSize <= 0:
		return fmt.Errorf("%w: 挂单数量必须大于零", models.ErrInvalidInput)
	case in.SpreadPercent <= 0 || in.SpreadPercent >= 2:
		return fmt.Errorf("%w: 价差必须在 (0, 2) 之间, 0.02 表示 2%%", models.ErrInvalidInput)
	case in.PriceFloor != nil && *in.PriceFloor <= 0, in.PriceCeil != nil && *in.PriceCeil <= 0:
		return fmt.Errorf("%w: 价格上下限必须大于零", models.ErrInvalidInput)
	case in.PriceFloor != nil && in.PriceCeil != nil && *in.PriceFloor > *in.PriceCeil:
		return fmt.Errorf("%w: 价格下限不能高于上限", models.ErrInvalidInput)
	case in.IncrementStep != nil && *in.IncrementStep < 0:
		return fmt.Errorf("%w: 递增步长不能为负数", models.ErrInvalidInput)
	case in.TelegramEnabled && strings.TrimSpace(in.TelegramUserID) == "":
		return fmt.Errorf("%w: 启用 Telegram 通知时必须填写 telegramUserId", models.ErrInvalidInput)
	}
	return nil
}

// Create 创建一个做市机器人, 初始为 created 状态
func (s *Service) Create(ctx context.Context, userID string, in Input) (*models.MarketMakerBot, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	if in.Symbol == "" {
		in.Symbol = s.defaultSymbol
	}
	step := s.cfg.DefaultIncrementStep
	if in.IncrementStep != nil {
		step = *in.IncrementStep
	}
	now := s.deps.Clock()
	bot := &models.MarketMakerBot{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             in.Name,
		Symbol:           strings.ToUpper(in.Symbol),
		TargetPrice:      in.TargetPrice,
		SpreadPercent:    in.SpreadPercent,
		OrderSize:        in.OrderSize,
		PriceFloor:       in.PriceFloor,
		PriceCeil:        in.PriceCeil,
		IncrementStep:    step,
		CurrentOrderSize: in.OrderSize,
		TelegramEnabled:  in.TelegramEnabled,
		TelegramUserID:   strings.TrimSpace(in.TelegramUserID),
		Status:           models.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.bots.Create(bot.ID, bot); err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo,
		map[string]any{"targetPrice": bot.TargetPrice, "spreadPercent": bot.SpreadPercent, "orderSize": bot.OrderSize},
		"创建做市机器人 %s, 目标价 %.8f, 价差 %.2f%%", bot.Name, bot.TargetPrice, bot.SpreadPercent*100)
	return bot, nil
}

// Get 返回属于 userID 的做市机器人
func (s *Service) Get(userID, id string) (*models.MarketMakerBot, error) {
	bot, err := s.bots.Load(id)
	if err != nil {
		return nil, err
	}
	if bot.UserID != userID {
		return nil, fmt.Errorf("做市机器人 %s: %w", id, models.ErrNotFound)
	}
	return bot, nil
}

// List 返回用户的全部做市机器人
func (s *Service) List(userID string) ([]*models.MarketMakerBot, error) {
	all, err := s.bots.List()
	if err != nil {
		return nil, err
	}
	out := make([]*models.MarketMakerBot, 0, len(all))
	for _, b := range all {
		if b.UserID == userID {
			b.IsRunning = s.deps.Runner.IsRunning(botKey(b.ID))
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Start 启动做市机器人。从 target_reached 重新启动时清除到价标记。
func (s *Service) Start(ctx context.Context, userID, id string) (*models.MarketMakerBot, error) {
	prev, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	bot, err := s.bots.Update(id, func(b *models.MarketMakerBot) error {
		b.IsActive = true
		b.IsRunning = true
		b.Paused = false
		b.TargetReached = false
		b.Status = models.StatusRunning
		b.UpdatedAt = s.deps.Clock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.launch(bot); err != nil {
		return nil, err
	}
	if prev.TargetReached {
		s.logf(ctx, bot, models.LevelInfo, nil, "做市机器人 %s 的到价标记已重置", bot.Name)
	}
	s.logf(ctx, bot, models.LevelSuccess, nil, "做市机器人 %s 已启动", bot.Name)
	return bot, nil
}

// Stop 停止做市机器人并撤销它的挂单
func (s *Service) Stop(ctx context.Context, userID, id string) (*models.MarketMakerBot, error) {
	if _, err := s.Get(userID, id); err != nil {
		return nil, err
	}
	if err := s.deps.Runner.Stop(ctx, botKey(id)); err != nil {
		return nil, err
	}
	bot, err := s.bots.Load(id)
	if err != nil {
		return nil, err
	}
	left, _ := s.cancelAll(ctx, bot)
	bot, err = s.bots.Update(id, func(b *models.MarketMakerBot) error {
		b.WorkingOrders = left
		b.IsActive = false
		b.IsRunning = false
		if b.Status != models.StatusTargetReached {
			b.Status = models.StatusStopped
		}
		b.UpdatedAt = s.deps.Clock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo, map[string]any{"workingOrders": len(left)}, "做市机器人 %s 已停止", bot.Name)
	return bot, nil
}

// Delete 停止并删除做市机器人。仍有未撤销的挂单时拒绝删除。
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Stop(ctx, userID, id); err != nil {
		return err
	}
	bot, err := s.bots.Load(id)
	if err != nil {
		return err
	}
	if len(bot.WorkingOrders) > 0 || len(bot.Pending) > 0 {
		return fmt.Errorf("%w: 做市机器人 %s 仍有 %d 个挂单未撤销", models.ErrInvalidInput, id, len(bot.WorkingOrders)+len(bot.Pending))
	}
	if err := s.bots.Delete(id); err != nil {
		return err
	}
	s.logf(ctx, bot, models.LevelInfo, nil, "删除做市机器人 %s", bot.Name)
	return nil
}

// Status 汇总用户所有做市机器人
func (s *Service) Status(userID string) (*models.MarketMakerStatus, error) {
	bots, err := s.List(userID)
	if err != nil {
		return nil, err
	}
	st := &models.MarketMakerStatus{TotalBots: len(bots)}
	for _, b := range bots {
		if b.IsRunning {
			st.RunningBots++
		}
		if b.TargetReached {
			st.TargetReachedBots++
		}
		st.TotalExecutions += b.ExecutionCount
		st.WorkingOrders += len(b.WorkingOrders)
	}
	return st, nil
}

// Restore 恢复进程退出前处于运行状态的做市机器人
func (s *Service) Restore(ctx context.Context) error {
	bots, err := s.bots.List()
	if err != nil {
		return err
	}
	for _, b := range bots {
		if !b.IsActive || b.Paused || b.TargetReached {
			continue
		}
		if err := s.launch(b); err != nil {
			s.logger.Error("恢复做市机器人失败", zap.String("bot", b.ID), zap.Error(err))
		}
	}
	return nil
}

// ResumePaused 在用户补全凭证后重启因配置错误暂停的做市机器人
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

func (s *Service) launch(bot *models.MarketMakerBot) error {
	s.deps.Snapshots.Track(bot.Symbol)
	w := s.newWorker(bot.ID)
	err := s.deps.Runner.Start(botKey(bot.ID), models.KindMarketMaker, w.Run)
	if err != nil && !errors.Is(err, statemanager.ErrAlreadyRunning) {
		return err
	}
	return nil
}
