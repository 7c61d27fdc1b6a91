package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmbot-engine-go/internal/config"
	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/httpapi"
	"mmbot-engine-go/internal/ledger"
	"mmbot-engine-go/internal/logger"
	"mmbot-engine-go/internal/market"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/notifier"
	"mmbot-engine-go/internal/persistence"
	"mmbot-engine-go/internal/reporter"
	"mmbot-engine-go/internal/statemanager"
	"mmbot-engine-go/internal/storage"
	"mmbot-engine-go/internal/strategy"
	"mmbot-engine-go/internal/strategy/condition"
	"mmbot-engine-go/internal/strategy/marketmaker"
	"mmbot-engine-go/internal/strategy/scheduled"
	"mmbot-engine-go/internal/strategy/stabilizer"
	"mmbot-engine-go/internal/vault"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 配置加载前先用默认 logger
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("引擎异常退出", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("引擎已停止")
}

func run(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := storage.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	lg := ledger.New(store, cfg.LedgerConfig, log)

	factory, source := newExchange(cfg, log)
	creds := vault.NewChainVault(vault.NewBadgerVault(db), vault.NewEnvVault("default"))

	cache := market.NewCache(source, cfg.MarketConfig, log)
	cache.Track(cfg.TradingSymbol)
	for _, symbol := range cfg.ConditionSymbols {
		cache.Track(symbol)
	}

	pipeline := execution.NewPipeline(cfg.ExecutionConfig, cfg.Symbols, creds, factory, db, lg, log)
	coord := statemanager.NewCoordinator(cfg.CoordinatorConfig, log)

	deps := strategy.Deps{
		Executor:  pipeline,
		Snapshots: cache,
		Activity:  lg,
		Trades:    lg,
		Sequencer: db,
		Runner:    coord,
		DB:        db,
		Logger:    log,
		Now:       time.Now,
	}
	conditions := condition.NewService(deps, cfg)
	dca := scheduled.NewService(deps, cfg)
	stabilizers := stabilizer.NewService(deps, cfg, nil)
	makers := marketmaker.NewService(deps, cfg, notifier.New(cfg.TelegramConfig, log))

	server := httpapi.NewServer(httpapi.Options{
		Config:       cfg.APIConfig,
		TradeSymbol:  cfg.TradingSymbol,
		Conditions:   conditions,
		Scheduled:    dca,
		Stabilizers:  stabilizers,
		MarketMakers: makers,
		Activity:     lg,
		Market:       cache,
		Orders:       pipeline,
		Sequencer:    db,
		Credentials:  creds,
		Logger:       log,
	})
	report := reporter.New(coord, cache, time.Duration(cfg.ReportIntervalSec)*time.Second, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return cache.Run(ctx) })
	g.Go(func() error { return lg.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return report.Run(ctx) })

	// 调度器启动后再恢复重启前处于运行状态的机器人
	g.Go(func() error {
		if err := errors.Join(
			conditions.Restore(ctx),
			dca.Restore(ctx),
			stabilizers.Restore(ctx),
			makers.Restore(ctx),
		); err != nil {
			log.Warn("恢复机器人时出现错误", zap.Error(err))
		}
		return nil
	})

	log.Info("引擎已启动",
		zap.String("mode", cfg.Mode),
		zap.String("symbol", cfg.TradingSymbol),
		zap.String("addr", cfg.APIConfig.Addr))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newExchange 返回按用户凭证创建交易所客户端的工厂, 以及公共行情数据源。
// 模拟盘只有一个账户, 同一个实例同时提供行情。
func newExchange(cfg *models.Config, log *zap.Logger) (exchange.Factory, exchange.MarketData) {
	if cfg.Mode == "paper" {
		paper := exchange.NewPaperExchange(cfg.PaperConfig, cfg.QuoteAsset, log)
		log.Info("使用模拟盘交易所")
		return paper.Factory(), paper
	}
	baseURL := cfg.LiveAPIURL
	if cfg.IsTestnet {
		baseURL = cfg.TestnetAPIURL
		log.Info("正在使用币安测试网...")
	} else {
		log.Info("正在使用币安生产网...")
	}
	timeout := time.Duration(cfg.ExecutionConfig.RequestTimeoutMs) * time.Millisecond
	return exchange.NewBinanceFactory(baseURL, timeout, log), exchange.NewBinanceExchange("", "", baseURL, timeout, log)
}
