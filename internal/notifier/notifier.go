// Package notifier 向用户推送机器人事件 (目前只有 Telegram)
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mmbot-engine-go/internal/models"

	"go.uber.org/zap"
)

// Notifier 发送一条文本消息给 chatID。实现必须可以并发调用。
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// Noop 丢弃所有消息, 用于未启用 Telegram 的部署
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }

// Telegram 通过 Bot API 的 sendMessage 推送消息
type Telegram struct {
	apiURL   string
	botToken string
	client   *http.Client
	logger   *zap.Logger
	retries  int
	backoff  time.Duration
}

// New 按配置返回通知器, 未启用时返回 Noop
func New(cfg models.TelegramConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled || cfg.BotToken == "" {
		return Noop{}
	}
	return NewTelegram(cfg.APIURL, cfg.BotToken, logger)
}

// NewTelegram 创建 Telegram 通知器
func NewTelegram(apiURL, botToken string, logger *zap.Logger) *Telegram {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &Telegram{
		apiURL:   strings.TrimRight(apiURL, "/"),
		botToken: botToken,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger.Named("telegram"),
		retries:  3,
		backoff:  time.Second,
	}
}

// Notify 发送文本消息 (最多重试 3 次)
func (t *Telegram) Notify(ctx context.Context, chatID, text string) error {
	if t.botToken == "" || chatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < t.retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * t.backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	t.logger.Warn("Telegram 推送失败", zap.String("chat", chatID), zap.Error(lastErr))
	return lastErr
}
