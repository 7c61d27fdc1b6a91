package httpapi

import (
	"context"
	"net/http"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/strategy/condition"
	"mmbot-engine-go/internal/strategy/marketmaker"
	"mmbot-engine-go/internal/strategy/scheduled"
	"mmbot-engine-go/internal/strategy/stabilizer"

	"github.com/gin-gonic/gin"
)

// botService 是定投、稳定器和做市服务共有的生命周期接口
type botService[In, T any] interface {
	Create(ctx context.Context, userID string, in In) (*T, error)
	List(userID string) ([]*T, error)
	Start(ctx context.Context, userID, id string) (*T, error)
	Stop(ctx context.Context, userID, id string) (*T, error)
	Delete(ctx context.Context, userID, id string) error
}

// bind 解析请求体, 失败时写入 400
func bind[T any](c *gin.Context) (T, bool) {
	var in T
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, models.Envelope{Code: "400", Msg: "invalid request body: " + err.Error()})
		return in, false
	}
	return in, true
}

// registerBotRoutes 挂载 create/list/:id/start/:id/stop/DELETE :id
func registerBotRoutes[In, T any](g *gin.RouterGroup, svc botService[In, T]) {
	g.POST("/create", func(c *gin.Context) {
		in, valid := bind[In](c)
		if !valid {
			return
		}
		bot, err := svc.Create(c.Request.Context(), userID(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, bot)
	})
	g.GET("/list", func(c *gin.Context) {
		bots, err := svc.List(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, bots)
	})
	g.POST("/:id/start", func(c *gin.Context) {
		bot, err := svc.Start(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, bot)
	})
	g.POST("/:id/stop", func(c *gin.Context) {
		bot, err := svc.Stop(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, bot)
	})
	g.DELETE("/:id", func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, nil)
	})
}

func (s *Server) registerConditionRoutes(g *gin.RouterGroup) {
	svc := s.opts.Conditions
	g.POST("/conditions", func(c *gin.Context) {
		in, valid := bind[condition.Input](c)
		if !valid {
			return
		}
		cond, err := svc.CreateCondition(c.Request.Context(), userID(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, cond)
	})
	g.GET("/conditions", func(c *gin.Context) {
		conds, err := svc.ListConditions(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, conds)
	})
	g.PUT("/conditions/:id", func(c *gin.Context) {
		in, valid := bind[condition.Input](c)
		if !valid {
			return
		}
		cond, err := svc.UpdateCondition(c.Request.Context(), userID(c), c.Param("id"), in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, cond)
	})
	g.DELETE("/conditions/:id", func(c *gin.Context) {
		if err := svc.DeleteCondition(c.Request.Context(), userID(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, nil)
	})

	g.POST("/start", s.conditionAction(svc.StartBot))
	g.POST("/stop", s.conditionAction(svc.StopBot))
	g.POST("/user/enable", s.conditionAction(svc.EnableUser))
	g.POST("/user/disable", s.conditionAction(svc.DisableUser))
	g.GET("/user/status", func(c *gin.Context) {
		st, err := svc.UserStatus(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	})
	g.GET("/status", func(c *gin.Context) {
		st, err := svc.Status(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	})
	g.GET("/logs", s.logsHandler(models.KindCondition))
	g.GET("/trades", func(c *gin.Context) {
		trades, err := s.opts.Activity.Trades(c.Request.Context(), models.TradeFilter{
			UserID:       userID(c),
			StrategyKind: models.KindCondition,
			Limit:        limitParam(c, 100),
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, trades)
	})
	g.GET("/market-data", func(c *gin.Context) {
		snap, err := s.opts.Market.GetSnapshot(s.opts.TradeSymbol)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, snap.MarketData())
	})
}

// conditionAction 包装只需要用户 id 的条件机器人操作, 返回最新的开关状态
func (s *Server) conditionAction(fn func(ctx context.Context, userID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context(), userID(c)); err != nil {
			fail(c, err)
			return
		}
		st, err := s.opts.Conditions.UserStatus(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

func (s *Server) registerScheduledRoutes(g *gin.RouterGroup) {
	svc := s.opts.Scheduled
	registerBotRoutes[scheduled.Input, models.ScheduledBot](g, svc)
	g.GET("/:id/trades", func(c *gin.Context) {
		trades, err := svc.Trades(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, trades)
	})
}

func (s *Server) registerStabilizerRoutes(g *gin.RouterGroup) {
	svc := s.opts.Stabilizers
	registerBotRoutes[stabilizer.Input, models.StabilizerBot](g, svc)
	g.GET("/logs", s.logsHandler(models.KindStabilizer))
	g.GET("/:id/logs", func(c *gin.Context) {
		if _, err := svc.Get(userID(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		s.logsHandler(models.KindStabilizer)(c)
	})
	g.GET("/status", func(c *gin.Context) {
		st, err := svc.Status(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	})
}

func (s *Server) registerMarketMakerRoutes(g *gin.RouterGroup) {
	svc := s.opts.MarketMakers
	registerBotRoutes[marketmaker.Input, models.MarketMakerBot](g, svc)
	g.GET("/logs", s.logsHandler(models.KindMarketMaker))
	g.GET("/status", func(c *gin.Context) {
		st, err := svc.Status(userID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	})
}

// logsHandler 返回调用者某类策略的活动日志, 路径带 :id 时只返回该机器人的日志
func (s *Server) logsHandler(kind models.StrategyKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := s.opts.Activity.Logs(c.Request.Context(), models.LogFilter{
			UserID:       userID(c),
			BotID:        c.Param("id"),
			StrategyKind: kind,
			Level:        models.LogLevel(c.Query("level")),
			Limit:        limitParam(c, 100),
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, logs)
	}
}
