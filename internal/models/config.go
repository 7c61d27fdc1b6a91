package models

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	Mode          string `json:"mode"`       // 运行模式: "live" 或 "paper"
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	DBPath        string `json:"db_path"`     // BadgerDB 目录 (机器人状态)
	LedgerPath    string `json:"ledger_path"` // SQLite 文件路径 (交易记录与活动日志)

	TradingSymbol    string                 `json:"trading_symbol"`    // 主交易对, 如 "GCBUSDT"
	BaseAsset        string                 `json:"base_asset"`        // 基础资产, 如 "GCB"
	QuoteAsset       string                 `json:"quote_asset"`       // 计价资产, 如 "USDT"
	ConditionSymbols map[string]string      `json:"condition_symbols"` // 条件字段 -> 行情交易对
	Symbols          map[string]SymbolRules `json:"symbols"`           // 交易对下单规则

	LogConfig         LogConfig         `json:"log"`
	MarketConfig      MarketConfig      `json:"market"`
	ExecutionConfig   ExecutionConfig   `json:"execution"`
	ConditionConfig   ConditionConfig   `json:"condition"`
	StabilizerConfig  StabilizerConfig  `json:"stabilizer"`
	ScheduledConfig   ScheduledConfig   `json:"scheduled"`
	MarketMakerConfig MarketMakerConfig `json:"market_maker"`
	LedgerConfig      LedgerConfig      `json:"ledger"`
	CoordinatorConfig CoordinatorConfig `json:"coordinator"`
	APIConfig         APIConfig         `json:"api"`
	TelegramConfig    TelegramConfig    `json:"telegram"`
	PaperConfig       PaperConfig       `json:"paper"`

	ReportIntervalSec int `json:"report_interval_sec"` // 状态报表打印间隔(秒), 0 表示关闭
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// SymbolRules 描述交易所对单个交易对的下单约束
type SymbolRules struct {
	TickSize    string  `json:"tick_size"`    // 价格步长, e.g. "0.0001"
	StepSize    string  `json:"step_size"`    // 数量步长, e.g. "0.01"
	MinQty      float64 `json:"min_qty"`      // 最小下单数量
	MinNotional float64 `json:"min_notional"` // 最小名义价值 (USDT)
}

// MarketConfig 行情快照缓存配置
type MarketConfig struct {
	RefreshIntervalSec int      `json:"refresh_interval_sec"` // 刷新间隔, 5-10 秒
	DepthLimit         int      `json:"depth_limit"`          // 订单簿深度档位
	Symbols            []string `json:"symbols"`              // 启动时即跟踪的交易对
}

// ExecutionConfig 下单管道配置
type ExecutionConfig struct {
	RetryAttempts       int     `json:"retry_attempts"`         // 瞬时错误的最大尝试次数
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"` // 首次重试前的延迟
	RetryMaxDelayMs     int     `json:"retry_max_delay_ms"`     // 退避上限
	CallsPerSecond      float64 `json:"calls_per_second"`       // 每个凭证的令牌桶速率
	Burst               int     `json:"burst"`                  // 令牌桶容量
	ClientOrderPrefix   string  `json:"client_order_prefix"`    // 客户端订单号前缀
	RequestTimeoutMs    int     `json:"request_timeout_ms"`     // 单次交易所请求超时, 超时按瞬时错误重试
}

// ConditionConfig 条件机器人配置
type ConditionConfig struct {
	EvaluateIntervalSec int `json:"evaluate_interval_sec"` // 兜底轮询间隔
	MaxFailures         int `json:"max_failures"`          // 连续失败多少次后停用条件
}

// StabilizerConfig 稳定器配置
type StabilizerConfig struct {
	CheckIntervalSec int `json:"check_interval_sec"` // 价格检查间隔
	SplitOrders      int `json:"split_orders"`       // 恢复金额拆分的订单数
	OrderIntervalSec int `json:"order_interval_sec"` // 拆分订单之间的间隔
	MaxRecoverySec   int `json:"max_recovery_sec"`   // 单次恢复允许的最长时间
}

// ScheduledConfig 定投机器人配置
type ScheduledConfig struct {
	IntervalMs              int64   `json:"interval_ms"`                // 两次执行的间隔, 默认一小时
	CatchUpSpacingSec       int     `json:"catch_up_spacing_sec"`       // 补单之间的间隔
	DefaultBidOffsetPercent float64 `json:"default_bid_offset_percent"` // 默认限价偏移
	TickIntervalSec         int     `json:"tick_interval_sec"`          // 调度检查间隔
}

// MarketMakerConfig 做市机器人配置
type MarketMakerConfig struct {
	CycleIntervalSec     int     `json:"cycle_interval_sec"`
	DefaultIncrementStep float64 `json:"default_increment_step"`
}

// LedgerConfig 活动日志与交易账本配置
type LedgerConfig struct {
	BufferSize       int `json:"buffer_size"`        // 非关键日志的缓冲区大小
	FlushIntervalMs  int `json:"flush_interval_ms"`  // 批量写入间隔
	FlushBatchSize   int `json:"flush_batch_size"`   // 单批最大条数
	MaxAgeHours      int `json:"max_age_hours"`      // 日志保留时长
	MaxEntries       int `json:"max_entries"`        // 日志保留条数上限
	RotateIntervalMs int `json:"rotate_interval_ms"` // 清理任务间隔
}

// CoordinatorConfig 机器人调度器配置
type CoordinatorConfig struct {
	MaxWorkers int `json:"max_workers"`
}

// APIConfig HTTP 接口配置
type APIConfig struct {
	Addr           string            `json:"addr"`
	Tokens         map[string]string `json:"tokens"`          // bearer token -> userId
	AllowedOrigins []string          `json:"allowed_origins"` // WebSocket 允许的 Origin, 为空表示不限制
}

// TelegramConfig Telegram 通知配置
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	APIURL   string `json:"api_url"`
}

// PaperConfig 模拟盘配置
type PaperConfig struct {
	Balances     map[string]float64 `json:"balances"`      // 初始余额
	Prices       map[string]float64 `json:"prices"`        // 初始价格
	TakerFeeRate float64            `json:"taker_fee_rate"` // 吃单手续费率
	MakerFeeRate float64            `json:"maker_fee_rate"` // 挂单手续费率
	SlippageRate float64            `json:"slippage_rate"`  // 滑点率
	BookLevels   int                `json:"book_levels"`    // 模拟订单簿每侧档位
	LevelSpacing float64            `json:"level_spacing"`  // 相邻档位的价格间距比例
	LevelQty     float64            `json:"level_qty"`      // 每档挂单数量
}
