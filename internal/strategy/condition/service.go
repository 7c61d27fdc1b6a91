// Package condition 实现条件机器人: 用户定义 "如果字段满足条件, 那么下单" 的规则,
// 每个用户一个 worker, 在每个新的行情快照上评估一次全部规则。
package condition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input 是创建/更新条件的请求体。更新时只修改非空字段。
type Input struct {
	Name              *string                   `json:"name"`
	IsActive          *bool                     `json:"isActive"`
	ConditionField    *models.ConditionField    `json:"conditionField"`
	ConditionOperator *models.ConditionOperator `json:"conditionOperator"`
	ConditionValue    *float64                  `json:"conditionValue"`
	ActionType        *models.ActionType        `json:"actionType"`
	ActionField       *models.ActionField       `json:"actionField"`
	ActionValue       *float64                  `json:"actionValue"`
	LimitPrice        *float64                  `json:"limitPrice"`
}

// Service 管理条件规则和每个用户的条件机器人
type Service struct {
	deps          strategy.Deps
	cfg           models.ConditionConfig
	tradingSymbol string
	base, quote   string
	symbols       map[models.ConditionField]string

	conditions persistence.Repository[models.BotCondition]
	users      persistence.Repository[models.UserBotState]
	locks      *persistence.KeyedMutex
	logger     *zap.Logger

	// 每个用户最近一次评估过的快照序号, worker 重启后沿用
	seqMu     sync.Mutex
	evaluated map[string]uint64
}

// NewService 创建条件机器人服务
func NewService(deps strategy.Deps, cfg *models.Config) *Service {
	symbols := make(map[models.ConditionField]string, len(cfg.ConditionSymbols))
	for field, symbol := range cfg.ConditionSymbols {
		symbols[models.ConditionField(field)] = symbol
	}
	return &Service{
		deps:          deps,
		cfg:           cfg.ConditionConfig,
		tradingSymbol: cfg.TradingSymbol,
		base:          cfg.BaseAsset,
		quote:         cfg.QuoteAsset,
		symbols:       symbols,
		conditions:    persistence.NewRepository[models.BotCondition](deps.DB, "condition"),
		users:         persistence.NewRepository[models.UserBotState](deps.DB, "condition_user"),
		locks:         persistence.NewKeyedMutex(),
		logger:        deps.Logger.Named("condition"),
		evaluated:     make(map[string]uint64),
	}
}

// markEvaluated 记录用户在 seq 上的评估, 该快照已评估过时返回 false
func (s *Service) markEvaluated(userID string, seq uint64) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq <= s.evaluated[userID] {
		return false
	}
	s.evaluated[userID] = seq
	return true
}

func botKey(userID string) string { return statemanager.BotKey(models.KindCondition, userID) }

func validate(c *models.BotCondition) error {
	if c.Name == "" {
		return fmt.Errorf("%w: 条件名称不能为空", models.ErrInvalidInput)
	}
	if _, ok := fieldResolvers[c.ConditionField]; !ok {
		return fmt.Errorf("%w: 未知的条件字段 %q", models.ErrInvalidInput, c.ConditionField)
	}
	if _, ok := operators[c.ConditionOperator]; !ok {
		return fmt.Errorf("%w: 未知的运算符 %q", models.ErrInvalidInput, c.ConditionOperator)
	}
	switch c.ActionType {
	case models.ActionBuyMarket, models.ActionSellMarket, models.ActionBuyLimit, models.ActionSellLimit:
	default:
		return fmt.Errorf("%w: 未知的动作 %q", models.ErrInvalidInput, c.ActionType)
	}
	switch c.ActionField {
	case models.ActionFieldGCBQuantity, models.ActionFieldUSDTValue:
	default:
		return fmt.Errorf("%w: 未知的动作字段 %q", models.ErrInvalidInput, c.ActionField)
	}
	if c.ActionValue <= 0 {
		return fmt.Errorf("%w: actionValue 必须大于零", models.ErrInvalidInput)
	}
	if c.LimitPrice != nil && *c.LimitPrice <= 0 {
		return fmt.Errorf("%w: limitPrice 必须大于零", models.ErrInvalidInput)
	}
	return nil
}

func apply(c *models.BotCondition, in Input) {
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.IsActive != nil {
		if *in.IsActive && !c.IsActive {
			// 重新启用时清零失败计数
			c.ConsecutiveFailures = 0
			c.DeactivatedReason = ""
		}
		c.IsActive = *in.IsActive
	}
	if in.ConditionField != nil {
		c.ConditionField = *in.ConditionField
	}
	if in.ConditionOperator != nil {
		c.ConditionOperator = *in.ConditionOperator
	}
	if in.ConditionValue != nil {
		c.ConditionValue = *in.ConditionValue
	}
	if in.ActionType != nil {
		c.ActionType = *in.ActionType
	}
	if in.ActionField != nil {
		c.ActionField = *in.ActionField
	}
	if in.ActionValue != nil {
		c.ActionValue = *in.ActionValue
	}
	if in.LimitPrice != nil {
		c.LimitPrice = in.LimitPrice
	}
}

// CreateCondition 创建一条条件规则, 默认启用
func (s *Service) CreateCondition(ctx context.Context, userID string, in Input) (*models.BotCondition, error) {
	now := s.deps.Clock()
	c := &models.BotCondition{
		ID:        uuid.NewString(),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	apply(c, in)
	if err := validate(c); err != nil {
		return nil, err
	}
	if err := s.conditions.Save(c.ID, c); err != nil {
		return nil, fmt.Errorf("保存条件失败: %w", err)
	}
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindCondition, c.ID, userID, models.LevelInfo,
		map[string]any{"field": c.ConditionField, "operator": c.ConditionOperator, "value": c.ConditionValue},
		"创建条件 %s: %s %s %v -> %s %v", c.Name, c.ConditionField, c.ConditionOperator, c.ConditionValue, c.ActionType, c.ActionValue)
	return c, nil
}

// load 读取属于 userID 的条件, 不存在或不属于该用户时返回 ErrNotFound
func (s *Service) load(userID, id string) (*models.BotCondition, error) {
	c, err := s.conditions.Load(id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.UserID != userID {
		return nil, fmt.Errorf("条件 %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

// ListConditions 返回用户的全部条件, 按创建时间排序
func (s *Service) ListConditions(userID string) ([]*models.BotCondition, error) {
	all, err := s.conditions.List()
	if err != nil {
		return nil, err
	}
	out := make([]*models.BotCondition, 0, len(all))
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateCondition 修改条件。与评估中的 worker 通过按条件加锁互斥。
func (s *Service) UpdateCondition(ctx context.Context, userID, id string, in Input) (*models.BotCondition, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	c, err := s.load(userID, id)
	if err != nil {
		return nil, err
	}
	apply(c, in)
	if err := validate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.deps.Clock()
	if err := s.conditions.Save(c.ID, c); err != nil {
		return nil, fmt.Errorf("保存条件失败: %w", err)
	}
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindCondition, c.ID, userID, models.LevelInfo, nil,
		"更新条件 %s (启用: %v)", c.Name, c.IsActive)
	return c, nil
}

// DeleteCondition 删除条件。有未确认的下单意图时拒绝删除。
func (s *Service) DeleteCondition(ctx context.Context, userID, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	c, err := s.load(userID, id)
	if err != nil {
		return err
	}
	if c.Pending != nil {
		return fmt.Errorf("%w: 条件 %s 有未确认的订单", models.ErrInvalidInput, id)
	}
	if err := s.conditions.Delete(id); err != nil {
		return err
	}
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindCondition, id, userID, models.LevelInfo, nil, "删除条件 %s", c.Name)
	return nil
}

func (s *Service) userState(userID string) (*models.UserBotState, error) {
	st, err := s.users.Load(userID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &models.UserBotState{UserID: userID}
	}
	return st, nil
}

// updateUserState 对用户状态做一次读-改-写
func (s *Service) updateUserState(userID string, fn func(st *models.UserBotState)) (*models.UserBotState, error) {
	unlock := s.locks.Lock("user/" + userID)
	defer unlock()
	st, err := s.userState(userID)
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := s.users.Save(userID, st); err != nil {
		return nil, err
	}
	return st, nil
}

// StartBot 启动用户的条件机器人, 同时启用它
func (s *Service) StartBot(ctx context.Context, userID string) error {
	now := s.deps.Clock()
	if _, err := s.updateUserState(userID, func(st *models.UserBotState) {
		if !st.IsEnabled {
			st.IsEnabled = true
			st.BotEnabledAt = &now
		}
		st.IsRunning = true
		st.Paused = false
		st.StartedAt = &now
	}); err != nil {
		return err
	}
	if err := s.launch(userID); err != nil {
		return err
	}
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindCondition, "", userID, models.LevelSuccess, nil, "条件机器人已启动")
	return nil
}

// StopBot 停止用户的条件机器人, 等待正在执行的订单完成
func (s *Service) StopBot(ctx context.Context, userID string) error {
	if err := s.deps.Runner.Stop(ctx, botKey(userID)); err != nil {
		return err
	}
	if _, err := s.updateUserState(userID, func(st *models.UserBotState) { st.IsRunning = false }); err != nil {
		return err
	}
	strategy.Logf(ctx, s.deps.Activity, s.logger, models.KindCondition, "", userID, models.LevelInfo, nil, "条件机器人已停止")
	return nil
}

// EnableUser 启用并启动用户的条件机器人
func (s *Service) EnableUser(ctx context.Context, userID string) error {
	now := s.deps.Clock()
	if _, err := s.updateUserState(userID, func(st *models.UserBotState) {
		st.IsEnabled = true
		st.BotEnabledAt = &now
	}); err != nil {
		return err
	}
	return s.StartBot(ctx, userID)
}

// DisableUser 停用并停止用户的条件机器人
func (s *Service) DisableUser(ctx context.Context, userID string) error {
	if err := s.StopBot(ctx, userID); err != nil {
		return err
	}
	now := s.deps.Clock()
	_, err := s.updateUserState(userID, func(st *models.UserBotState) {
		st.IsEnabled = false
		st.BotDisabledAt = &now
	})
	return err
}

// UserStatus 返回用户的开关状态
func (s *Service) UserStatus(userID string) (*models.UserBotState, error) {
	st, err := s.userState(userID)
	if err != nil {
		return nil, err
	}
	st.IsRunning = s.deps.Runner.IsRunning(botKey(userID))
	return st, nil
}

// Status 返回面板状态: 运行状态、行情、启用的条件数量和运行时长
func (s *Service) Status(userID string) (*models.ConditionBotStatus, error) {
	st, err := s.userState(userID)
	if err != nil {
		return nil, err
	}
	conds, err := s.ListConditions(userID)
	if err != nil {
		return nil, err
	}
	out := &models.ConditionBotStatus{
		IsRunning: s.deps.Runner.IsRunning(botKey(userID)),
		IsEnabled: st.IsEnabled,
		Paused:    st.Paused,
	}
	for _, c := range conds {
		if c.IsActive {
			out.ActiveConditionsCount++
		}
	}
	if snap, err := s.deps.Snapshots.GetSnapshot(s.tradingSymbol); err == nil {
		md := snap.MarketData()
		out.MarketData = &md
	}
	if out.IsRunning && st.StartedAt != nil {
		out.Uptime = int64(s.deps.Clock().Sub(*st.StartedAt) / time.Second)
	}
	return out, nil
}

// Restore 在进程启动时恢复所有应处于运行状态的条件机器人
func (s *Service) Restore(ctx context.Context) error {
	states, err := s.users.List()
	if err != nil {
		return err
	}
	for _, st := range states {
		if !st.IsRunning || !st.IsEnabled || st.Paused {
			continue
		}
		if err := s.launch(st.UserID); err != nil {
			s.logger.Error("恢复条件机器人失败", zap.String("user", st.UserID), zap.Error(err))
			continue
		}
		s.logger.Info("已恢复条件机器人", zap.String("user", st.UserID))
	}
	return nil
}

// ResumePaused 在用户补全凭证后重新启动因配置错误暂停的机器人
func (s *Service) ResumePaused(ctx context.Context, userID string) error {
	st, err := s.userState(userID)
	if err != nil {
		return err
	}
	if !st.Paused || !st.IsRunning {
		return nil
	}
	return s.StartBot(ctx, userID)
}

func (s *Service) launch(userID string) error {
	for _, symbol := range s.symbols {
		s.deps.Snapshots.Track(symbol)
	}
	s.deps.Snapshots.Track(s.tradingSymbol)
	w := s.newWorker(userID)
	err := s.deps.Runner.Start(botKey(userID), models.KindCondition, w.Run)
	if err != nil && !errors.Is(err, statemanager.ErrAlreadyRunning) {
		return err
	}
	return nil
}
