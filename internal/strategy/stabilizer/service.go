// Package stabilizer 实现价格稳定器: 当最新价跌破目标价时,
// 按订单簿估算所需金额, 拆分成若干笔市价买单把价格推回目标价。
package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input 是创建稳定器的请求体
type Input struct {
	Name        string  `json:"name"`
	Symbol      string  `json:"symbol"`
	TargetPrice float64 `json:"targetPrice"`
}

// Service 管理稳定器机器人
type Service struct {
	deps          strategy.Deps
	cfg           models.StabilizerConfig
	defaultSymbol string
	model         ImpactModel
	bots          *strategy.Store[models.StabilizerBot]
	logger        *zap.Logger
}

// NewService 创建稳定器服务, model 为空时使用订单簿吃单模型
func NewService(deps strategy.Deps, cfg *models.Config, model ImpactModel) *Service {
	if model == nil {
		model = BookWalk{}
	}
	return &Service{
		deps:          deps,
		cfg:           cfg.StabilizerConfig,
		defaultSymbol: cfg.TradingSymbol,
		model:         model,
		bots:          strategy.NewStore[models.StabilizerBot](deps.DB, "stabilizer"),
		logger:        deps.Logger.Named("stabilizer"),
	}
}

func botKey(id string) string { return statemanager.BotKey(models.KindStabilizer, id) }

func (s *Service) logf(ctx context.Context, bot *models.StabilizerBot, level models.LogLevel, data map[string]any, format string, args ...any) {
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindStabilizer, bot.ID, bot.UserID, level, data, format, args...)
}

// Create 创建一个稳定器, 初始为 created 状态
func (s *Service) Create(ctx context.Context, userID string, in Input) (*models.StabilizerBot, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: 名称不能为空", models.ErrInvalidInput)
	}
	if in.TargetPrice <= 0 {
		return nil, fmt.Errorf("%w: 目标价必须大于零", models.ErrInvalidInput)
	}
	if in.Symbol == "" {
		in.Symbol = s.defaultSymbol
	}
	now := s.deps.Clock()
	bot := &models.StabilizerBot{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        in.Name,
		Symbol:      strings.ToUpper(in.Symbol),
		TargetPrice: in.TargetPrice,
		Status:      models.StatusCreated,
		Phase:       models.PhaseIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.bots.Create(bot.ID, bot); err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo, map[string]any{"targetPrice": bot.TargetPrice, "symbol": bot.Symbol},
		"创建稳定器 %s, 目标价 %.8f", bot.Name, bot.TargetPrice)
	return bot, nil
}

// Get 返回属于 userID 的稳定器
func (s *Service) Get(userID, id string) (*models.StabilizerBot, error) {
	bot, err := s.bots.Load(id)
	if err != nil {
		return nil, err
	}
	if bot.UserID != userID {
		return nil, fmt.Errorf("稳定器 %s: %w", id, models.ErrNotFound)
	}
	return bot, nil
}

// List 返回用户的全部稳定器, 按创建时间排序
func (s *Service) List(userID string) ([]*models.StabilizerBot, error) {
	all, err := s.bots.List()
	if err != nil {
		return nil, err
	}
	out := make([]*models.StabilizerBot, 0, len(all))
	for _, b := range all {
		if b.UserID == userID {
			b.IsRunning = s.deps.Runner.IsRunning(botKey(b.ID))
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Start 启动稳定器
func (s *Service) Start(ctx context.Context, userID, id string) (*models.StabilizerBot, error) {
	if _, err := s.Get(userID, id); err != nil {
		return nil, err
	}
	bot, err := s.bots.Update(id, func(b *models.StabilizerBot) error {
		b.IsActive = true
		b.IsRunning = true
		b.Paused = false
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
	s.logf(ctx, bot, models.LevelSuccess, nil, "稳定器 %s 已启动", bot.Name)
	return bot, nil
}

// Stop 停止稳定器。正在执行的订单会完成, 剩余的拆分订单被放弃。
func (s *Service) Stop(ctx context.Context, userID, id string) (*models.StabilizerBot, error) {
	if _, err := s.Get(userID, id); err != nil {
		return nil, err
	}
	if err := s.deps.Runner.Stop(ctx, botKey(id)); err != nil {
		return nil, err
	}
	bot, err := s.bots.Update(id, func(b *models.StabilizerBot) error {
		b.IsActive = false
		b.IsRunning = false
		b.Status = models.StatusStopped
		b.Phase = models.PhaseIdle
		b.RecoveryStartedAt = nil
		b.UpdatedAt = s.deps.Clock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf(ctx, bot, models.LevelInfo, nil, "稳定器 %s 已停止", bot.Name)
	return bot, nil
}

// Delete 停止并删除稳定器
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	bot, err := s.Get(userID, id)
	if err != nil {
		return err
	}
	if err := s.deps.Runner.Stop(ctx, botKey(id)); err != nil {
		return err
	}
	if bot.Pending != nil {
		return fmt.Errorf("%w: 稳定器 %s 有未确认的订单", models.ErrInvalidInput, id)
	}
	if err := s.bots.Delete(id); err != nil {
		return err
	}
	s.logf(ctx, bot, models.LevelInfo, nil, "删除稳定器 %s", bot.Name)
	return nil
}

// Status 汇总用户所有稳定器的执行情况
func (s *Service) Status(userID string) (*models.StabilizerStatus, error) {
	bots, err := s.List(userID)
	if err != nil {
		return nil, err
	}
	st := &models.StabilizerStatus{TotalBots: len(bots)}
	for _, b := range bots {
		if b.IsRunning {
			st.RunningBots++
		}
		st.TotalExecutions += b.ExecutionCount
		st.TotalUsdtSpent += b.TotalUsdtSpent
		st.SuccessfulOrders += b.SuccessfulOrders
		st.FailedOrders += b.FailedOrders
	}
	return st, nil
}

// Restore 恢复进程退出前处于运行状态的稳定器
func (s *Service) Restore(ctx context.Context) error {
	bots, err := s.bots.List()
	if err != nil {
		return err
	}
	for _, b := range bots {
		if !b.IsActive || b.Paused {
			continue
		}
		if err := s.launch(b); err != nil {
			s.logger.Error("恢复稳定器失败", zap.String("bot", b.ID), zap.Error(err))
		}
	}
	return nil
}

// ResumePaused 在用户补全凭证后重启因配置错误暂停的稳定器
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

func (s *Service) launch(bot *models.StabilizerBot) error {
	s.deps.Snapshots.Track(bot.Symbol)
	w := s.newWorker(bot.ID)
	err := s.deps.Runner.Start(botKey(bot.ID), models.KindStabilizer, w.Run)
	if err != nil && !errors.Is(err, statemanager.ErrAlreadyRunning) {
		return err
	}
	return nil
}
