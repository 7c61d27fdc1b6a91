package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"mode": "paper",
		"trading_symbol": "GCBUSDT",
		"symbols": {"GCBUSDT": {"tick_size": "0.0001", "step_size": "0.01", "min_notional": 5}},
		"stabilizer": {"split_orders": 4},
		"api": {"tokens": {"secret-token": "user-1"}}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 3, cfg.ExecutionConfig.RetryAttempts)
	assert.Equal(t, 10_000, cfg.ExecutionConfig.RequestTimeoutMs)
	assert.Equal(t, 5, cfg.MarketConfig.RefreshIntervalSec)
	assert.Equal(t, 10, cfg.StabilizerConfig.OrderIntervalSec)
	assert.Equal(t, int64(3_600_000), cfg.ScheduledConfig.IntervalMs)
	assert.Equal(t, 0.1, cfg.ScheduledConfig.DefaultBidOffsetPercent)
	assert.Equal(t, "BTCUSDT", cfg.ConditionSymbols["BTC_PRICE"])
	assert.Equal(t, "GCBUSDT", cfg.ConditionSymbols["GCB_PRICE"])
	assert.Equal(t, "user-1", cfg.APIConfig.Tokens["secret-token"])
	assert.Equal(t, "0.01", cfg.Symbols["GCBUSDT"].StepSize)
	assert.Equal(t, 5.0, cfg.Symbols["GCBUSDT"].MinNotional)
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `{"mode": "backtest"}`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest")
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"mode": "paper"}`)
	t.Setenv("MMBOT_MODE", "live")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "live", cfg.Mode)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateTelegramRequiresToken(t *testing.T) {
	cfg := Default()
	cfg.TelegramConfig.Enabled = true
	assert.Error(t, Validate(cfg))

	cfg.TelegramConfig.BotToken = "123:abc"
	assert.NoError(t, Validate(cfg))
}
