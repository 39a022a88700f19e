package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/api"
	"github.com/betbot/perpexec/internal/ledger"
	"github.com/betbot/perpexec/internal/metrics"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/services"
	"github.com/betbot/perpexec/internal/venue"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/logger"
	"github.com/betbot/perpexec/pkg/persistence"
	"github.com/betbot/perpexec/pkg/ratelimit"
	"github.com/betbot/perpexec/pkg/shutdown"
	"github.com/betbot/perpexec/pkg/sigchan"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERPEXEC_CONFIG"), "配置文件路径 (.yaml/.yml/.json)，为空则只用默认值与环境变量")
	flag.Parse()

	_ = logger.InitDefault()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		logger.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		logger.Errorf("退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.WithFields(logrus.Fields{
		"venue":   cfg.Venue.Name,
		"symbols": cfg.Symbols,
		"dry_run": cfg.DryRun,
	}).Info("🚀 perpexec 启动")

	mgr := shutdown.NewManager()

	// 1. 指标
	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		if _, err := metrics.StartAsync(ctx, cfg.Metrics.Addr, collector); err != nil {
			return err
		}
	}

	// 2. 交易所与限流器
	v, err := venue.Open(cfg.Venue, cfg.DryRun)
	if err != nil {
		return err
	}
	mgr.OnShutdown("venue", func(context.Context) error {
		v.Close()
		return nil
	})
	limiter := ratelimit.New(cfg.RateLimit.Limiter(), ratelimit.WithObserver(collector))

	// 3. 账本
	store, err := ledger.OpenStore(ctx, cfg.Ledger.Path)
	if err != nil {
		return err
	}
	cache, err := ledger.OpenStatsCache(cfg.Ledger.StatsCachePath)
	if err != nil {
		_ = store.Close()
		return err
	}
	led := ledger.New(store, cache)
	mgr.OnShutdown("ledger", func(context.Context) error { return led.Close() })

	// 4. 风控与服务
	var guardOpts []risk.GuardOption
	if cfg.Risk.StateDir != "" {
		state := persistence.NewJSONFileService(cfg.Risk.StateDir).NewStore("state", cfg.Venue.Name, "halts")
		guardOpts = append(guardOpts, risk.WithStateStore(state))
	}
	guard := risk.NewGuard(cfg.Symbols, risk.CircuitBreakerConfig{
		MaxConsecutiveErrors: cfg.Risk.MaxConsecutiveErrors,
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
	}, guardOpts...)
	// 传入具体适配器，保留其可选能力（原地改单、no-change 识别）
	svc := services.NewTradingService(cfg, v.Adapter, limiter, guard, led, services.WithObserver(collector))
	mgr.OnShutdown("trading service", func(context.Context) error {
		svc.Close()
		return nil
	})
	if err := v.Subscribe(ctx, svc.OrderUpdateHandler()); err != nil {
		// 推送不可用时 TTL 仍会在到期时主动检查
		logger.Warnf("订单推送订阅失败，TTL 退化为到期检查: %v", err)
	}

	// 5. HTTP
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(api.Config{Mode: cfg.Server.Mode}, svc).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP 服务监听 %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	mgr.OnShutdown("http server", httpSrv.Shutdown)

	// 6. 信号：SIGHUP 轮转日志（合并连续信号），其余信号退出
	rotate := sigchan.New(1)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				rotate.Emit()
				continue
			}
			logger.Infof("收到信号 %s，开始关闭", sig)
			break loop
		case <-rotate.C():
			if err := logger.Rotate(); err != nil {
				logger.Warnf("日志轮转失败: %v", err)
			}
		case runErr = <-serveErr:
			logger.Errorf("HTTP 服务异常: %v", runErr)
			break loop
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	cancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("perpexec 已停止")
	return runErr
}
