// Package httpapi 提供面板使用的 HTTP 接口和活动日志 WebSocket 推送。
// 所有响应都包装为 {code, msg, data}, 成功时 code 为 "0"。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/ledger"
	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/strategy/condition"
	"mmbot-engine-go/internal/strategy/marketmaker"
	"mmbot-engine-go/internal/strategy/scheduled"
	"mmbot-engine-go/internal/strategy/stabilizer"
	"mmbot-engine-go/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const userKey = "userId"

// ActivityStore 是接口层读取账本和订阅活动日志的能力
type ActivityStore interface {
	Logs(ctx context.Context, f models.LogFilter) ([]models.ActivityLogEntry, error)
	Trades(ctx context.Context, f models.TradeFilter) ([]*models.TradeRecord, error)
	Subscribe(buffer int) *ledger.Subscription[models.ActivityLogEntry]
	Unsubscribe(sub *ledger.Subscription[models.ActivityLogEntry])
}

// SnapshotReader 读取行情快照缓存
type SnapshotReader interface {
	GetSnapshot(symbol string) (*models.MarketSnapshot, error)
	Track(symbol string)
}

// Trader 是面板手动交易使用的下单管道
type Trader interface {
	Execute(ctx context.Context, in models.OrderIntent) (*models.TradeRecord, error)
	Cancel(ctx context.Context, req execution.CancelRequest) error
	Balances(ctx context.Context, userID string) (map[string]models.Balance, error)
	OpenOrders(ctx context.Context, userID, symbol string) ([]models.Order, error)
}

// Options 描述 HTTP 服务依赖
type Options struct {
	Config       models.APIConfig
	TradeSymbol  string
	Conditions   *condition.Service
	Scheduled    *scheduled.Service
	Stabilizers  *stabilizer.Service
	MarketMakers *marketmaker.Service
	Activity     ActivityStore
	Market       SnapshotReader
	Orders       Trader
	Sequencer    persistence.Sequencer
	Credentials  vault.Store
	Logger       *zap.Logger
}

// Server 是面板 HTTP 服务
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer 构建路由
func NewServer(opts Options) *Server {
	if opts.Config.Addr == "" {
		opts.Config.Addr = ":8080"
	}
	s := &Server{opts: opts, logger: opts.Logger.Named("http")}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/api/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws/logs", s.authenticate(), s.streamLogs)

	api := router.Group("/api", s.authenticate())
	s.registerConditionRoutes(api.Group("/bot"))
	s.registerScheduledRoutes(api.Group("/bot/scheduled"))
	s.registerStabilizerRoutes(api.Group("/bot/stabilizer"))
	s.registerMarketMakerRoutes(api.Group("/bot/market-maker"))
	s.registerMarketRoutes(api)
	s.registerTradeRoutes(api)
	s.registerCredentialRoutes(api.Group("/users"))

	s.router = router
	return s
}

// Handler 返回路由, 供测试直接驱动
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务, 直到 ctx 取消或出现错误
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Config.Addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", zap.String("addr", s.opts.Config.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("dur", time.Since(start)))
	}
}

// authenticate 把 bearer token 映射为用户 id。WebSocket 连接可以用 ?token= 传递。
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("token")
		}
		userID, ok := s.opts.Config.Tokens[token]
		if token == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.Envelope{Code: "401", Msg: "missing or invalid token"})
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.Config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.Config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func userID(c *gin.Context) string { return c.GetString(userKey) }

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, models.Envelope{Code: "0", Msg: "success", Data: data})
}

// fail 按错误分类选择状态码
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput), models.IsRejected(err), models.IsConfiguration(err):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrSnapshotUnavailable), models.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, models.Envelope{Code: strconv.Itoa(status), Msg: err.Error()})
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "connected"})
}
