package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/vault"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// depthResponse 是 /api/market/depth 的返回结构
type depthResponse struct {
	Symbol    string              `json:"symbol"`
	Bids      []models.PriceLevel `json:"bids"`
	Asks      []models.PriceLevel `json:"asks"`
	LastPrice float64             `json:"lastPrice"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Server) registerMarketRoutes(g *gin.RouterGroup) {
	g.GET("/market/depth", func(c *gin.Context) {
		symbol := strings.ToUpper(c.DefaultQuery("symbol", s.opts.TradeSymbol))
		s.opts.Market.Track(symbol)
		snap, err := s.opts.Market.GetSnapshot(symbol)
		if err != nil {
			fail(c, err)
			return
		}
		limit := limitParam(c, 20)
		ok(c, depthResponse{
			Symbol:    snap.Symbol,
			Bids:      head(snap.Bids, limit),
			Asks:      head(snap.Asks, limit),
			LastPrice: snap.LastPrice,
			Timestamp: snap.Timestamp,
		})
	})
}

func head(levels []models.PriceLevel, n int) []models.PriceLevel {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

// credentialsInput 是保存 API 凭证的请求体
type credentialsInput struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// credentialStatus 只返回打码后的 key, 从不返回 secret
type credentialStatus struct {
	Configured bool   `json:"configured"`
	APIKey     string `json:"apiKey,omitempty"`
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func (s *Server) registerCredentialRoutes(g *gin.RouterGroup) {
	g.GET("/api-credentials", func(c *gin.Context) {
		creds, err := s.opts.Credentials.GetCredentials(userID(c))
		if errors.Is(err, vault.ErrNotConfigured) {
			ok(c, credentialStatus{})
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, credentialStatus{Configured: true, APIKey: maskKey(creds.APIKey)})
	})
	g.POST("/api-credentials", func(c *gin.Context) {
		in, valid := bind[credentialsInput](c)
		if !valid {
			return
		}
		in.APIKey, in.APISecret = strings.TrimSpace(in.APIKey), strings.TrimSpace(in.APISecret)
		if in.APIKey == "" || in.APISecret == "" {
			fail(c, fmt.Errorf("%w: apiKey 和 apiSecret 不能为空", models.ErrInvalidInput))
			return
		}
		uid := userID(c)
		if err := s.opts.Credentials.SaveCredentials(uid, models.Credentials{APIKey: in.APIKey, APISecret: in.APISecret}); err != nil {
			fail(c, err)
			return
		}
		// 因缺少凭证而暂停的机器人现在可以继续运行
		if err := s.resumePaused(c.Request.Context(), uid); err != nil {
			s.logger.Warn("恢复暂停的机器人失败", zap.String("user", uid), zap.Error(err))
		}
		ok(c, credentialStatus{Configured: true, APIKey: maskKey(in.APIKey)})
	})
	g.DELETE("/api-credentials", func(c *gin.Context) {
		if err := s.opts.Credentials.DeleteCredentials(userID(c)); err != nil {
			fail(c, err)
			return
		}
		ok(c, credentialStatus{})
	})
}

func (s *Server) resumePaused(ctx context.Context, uid string) error {
	return errors.Join(
		s.opts.Conditions.ResumePaused(ctx, uid),
		s.opts.Scheduled.ResumePaused(ctx, uid),
		s.opts.Stabilizers.ResumePaused(ctx, uid),
		s.opts.MarketMakers.ResumePaused(ctx, uid),
	)
}
