package httpapi

import (
	"time"

	"mmbot-engine-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// streamMessage 是推送给面板的一条消息
type streamMessage struct {
	Type string                  `json:"type"`
	Data models.ActivityLogEntry `json:"data"`
}

// streamLogs 把调用者的新活动日志推送到 WebSocket。?kind= 和 ?botId= 可以进一步过滤。
func (s *Server) streamLogs(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("WebSocket 升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	uid := userID(c)
	kind := models.StrategyKind(c.Query("kind"))
	botID := c.Query("botId")

	sub := s.opts.Activity.Subscribe(64)
	defer s.opts.Activity.Unsubscribe(sub)

	// 读循环只用来感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case entry, open := <-sub.C:
			if !open {
				return
			}
			if entry.UserID != uid || (kind != "" && entry.StrategyKind != kind) || (botID != "" && entry.BotID != botID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(streamMessage{Type: "log", Data: entry}); err != nil {
				return
			}
		}
	}
}
