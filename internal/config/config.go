package config

import (
	"fmt"
	"strings"

	"mmbot-engine-go/internal/models"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量覆盖前缀, 例如 MMBOT_MODE=paper
const EnvPrefix = "MMBOT"

// LoadConfig 从指定路径加载JSON配置文件, 允许环境变量覆盖, 并补全默认值
func LoadConfig(path string) (*models.Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("配置文件路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败 (%s): %w", path, err)
	}
	// AutomaticEnv 只对已知 key 生效, 这里显式绑定常用的顶层开关
	for _, key := range []string{"mode", "is_testnet", "db_path", "ledger_path", "api.addr", "log.level"} {
		_ = v.BindEnv(key)
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回一份只包含默认值的配置, 测试和模拟盘直接使用
func Default() *models.Config {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Mode == "" {
		cfg.Mode = "paper"
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = "https://api.binance.com"
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binance.vision"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/state"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "data/ledger.db"
	}
	if cfg.TradingSymbol == "" {
		cfg.TradingSymbol = "GCBUSDT"
	}
	if cfg.BaseAsset == "" {
		cfg.BaseAsset = "GCB"
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.ConditionSymbols == nil {
		cfg.ConditionSymbols = map[string]string{}
	}
	defaultSymbols := map[models.ConditionField]string{
		models.FieldGCBPrice: cfg.TradingSymbol,
		models.FieldBTCPrice: "BTCUSDT",
		models.FieldETHPrice: "ETHUSDT",
	}
	for field, symbol := range defaultSymbols {
		if _, ok := cfg.ConditionSymbols[string(field)]; !ok {
			cfg.ConditionSymbols[string(field)] = symbol
		}
	}
	if cfg.Symbols == nil {
		cfg.Symbols = map[string]models.SymbolRules{}
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}

	m := &cfg.MarketConfig
	if m.RefreshIntervalSec <= 0 {
		m.RefreshIntervalSec = 5
	}
	if m.DepthLimit <= 0 {
		m.DepthLimit = 20
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{cfg.TradingSymbol}
	}

	e := &cfg.ExecutionConfig
	if e.RetryAttempts <= 0 {
		e.RetryAttempts = 3
	}
	if e.RetryInitialDelayMs <= 0 {
		e.RetryInitialDelayMs = 500
	}
	if e.RetryMaxDelayMs <= 0 {
		e.RetryMaxDelayMs = 5000
	}
	if e.CallsPerSecond <= 0 {
		e.CallsPerSecond = 5
	}
	if e.Burst <= 0 {
		e.Burst = 5
	}
	if e.ClientOrderPrefix == "" {
		e.ClientOrderPrefix = "mmb"
	}
	if e.RequestTimeoutMs <= 0 {
		e.RequestTimeoutMs = 10_000
	}

	c := &cfg.ConditionConfig
	if c.EvaluateIntervalSec <= 0 {
		c.EvaluateIntervalSec = 5
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}

	s := &cfg.StabilizerConfig
	if s.CheckIntervalSec <= 0 {
		s.CheckIntervalSec = 5
	}
	if s.SplitOrders <= 0 {
		s.SplitOrders = 4
	}
	if s.OrderIntervalSec < 0 {
		s.OrderIntervalSec = 0
	} else if s.OrderIntervalSec == 0 {
		s.OrderIntervalSec = 10
	}
	if s.MaxRecoverySec <= 0 {
		s.MaxRecoverySec = 120
	}

	sc := &cfg.ScheduledConfig
	if sc.IntervalMs <= 0 {
		sc.IntervalMs = 3_600_000
	}
	if sc.CatchUpSpacingSec <= 0 {
		sc.CatchUpSpacingSec = 5
	}
	if sc.DefaultBidOffsetPercent <= 0 {
		sc.DefaultBidOffsetPercent = 0.1
	}
	if sc.TickIntervalSec <= 0 {
		sc.TickIntervalSec = 5
	}

	mm := &cfg.MarketMakerConfig
	if mm.CycleIntervalSec <= 0 {
		mm.CycleIntervalSec = 30
	}
	if mm.DefaultIncrementStep <= 0 {
		mm.DefaultIncrementStep = 0.0001
	}

	l := &cfg.LedgerConfig
	if l.BufferSize <= 0 {
		l.BufferSize = 1024
	}
	if l.FlushIntervalMs <= 0 {
		l.FlushIntervalMs = 500
	}
	if l.FlushBatchSize <= 0 {
		l.FlushBatchSize = 200
	}
	if l.MaxAgeHours <= 0 {
		l.MaxAgeHours = 24 * 7
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = 100_000
	}
	if l.RotateIntervalMs <= 0 {
		l.RotateIntervalMs = 3_600_000
	}

	if cfg.CoordinatorConfig.MaxWorkers <= 0 {
		cfg.CoordinatorConfig.MaxWorkers = 256
	}
	if cfg.APIConfig.Addr == "" {
		cfg.APIConfig.Addr = ":8080"
	}
	if cfg.TelegramConfig.APIURL == "" {
		cfg.TelegramConfig.APIURL = "https://api.telegram.org"
	}

	p := &cfg.PaperConfig
	if p.BookLevels <= 0 {
		p.BookLevels = 10
	}
	if p.LevelSpacing <= 0 {
		p.LevelSpacing = 0.001
	}
	if p.LevelQty <= 0 {
		p.LevelQty = 1000
	}
}

// Validate 检查配置是否合法
func Validate(cfg *models.Config) error {
	switch cfg.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("未知的运行模式: %s。请选择 'live' 或 'paper'", cfg.Mode)
	}
	if cfg.MarketConfig.RefreshIntervalSec > 60 {
		return fmt.Errorf("market.refresh_interval_sec 过大: %d", cfg.MarketConfig.RefreshIntervalSec)
	}
	for symbol, rules := range cfg.Symbols {
		if rules.MinNotional < 0 || rules.MinQty < 0 {
			return fmt.Errorf("交易对 %s 的下单规则不能为负数", symbol)
		}
	}
	if cfg.TelegramConfig.Enabled && cfg.TelegramConfig.BotToken == "" {
		return fmt.Errorf("启用 Telegram 通知时必须配置 telegram.bot_token")
	}
	return nil
}
