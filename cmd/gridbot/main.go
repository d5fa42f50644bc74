package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/controlplane/server"
	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/gateway/hyperliquid"
	"github.com/betbot/hlgrid/internal/gateway/paper"
	"github.com/betbot/hlgrid/internal/grid"
	"github.com/betbot/hlgrid/internal/history"
	"github.com/betbot/hlgrid/internal/ports"
	"github.com/betbot/hlgrid/pkg/config"
	"github.com/betbot/hlgrid/pkg/logger"
	"github.com/betbot/hlgrid/pkg/persistence"
	"github.com/betbot/hlgrid/pkg/shutdown"
)

const gracefulShutdownPeriod = 30 * time.Second

func main() {
	configPath := flag.String("config", "config/grid.yaml", "配置文件路径（支持 .yaml, .yml, .json）")
	envPath := flag.String("env", ".env", ".env 文件路径（不存在时忽略）")
	paperInterval := flag.Duration("paper-interval", time.Second, "paper 网关随机游走的间隔")
	paperVol := flag.Float64("paper-vol", 0.0005, "paper 网关每步的相对波动")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	os.Exit(run(*configPath, *envPath, *paperInterval, *paperVol))
}

func run(configPath, envPath string, paperInterval time.Duration, paperVol float64) int {
	if err := config.LoadEnvFile(envPath); err != nil {
		logrus.Errorf("加载 .env 失败: %v", err)
		return 1
	}
	if _, err := os.Stat(configPath); err != nil {
		logrus.Warnf("配置文件 %s 不存在，使用默认值和环境变量", configPath)
		configPath = ""
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logConfigError(err)
		return 1
	}

	lc := cfg.Log
	if err := logger.Init(logger.Config{
		Level:      lc.Level,
		OutputFile: lc.File,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		JSON:       lc.JSON,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		return 1
	}
	defer logger.Close()
	if f := logger.GetCurrentLogFile(); f != "" {
		logrus.Infof("日志文件: %s", f)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	sm := shutdown.NewManager()

	persist, err := openPersistence(cfg.Persistence)
	if err != nil {
		logrus.Errorf("打开持久化存储失败: %v", err)
		return 1
	}
	if persist != nil {
		sm.OnShutdown("persistence", func(context.Context) {
			if err := persist.Close(); err != nil {
				logrus.Warnf("关闭持久化存储失败: %v", err)
			}
		})
	}

	var (
		opts grid.Options
		hist server.HistoryReader
	)
	if persist != nil {
		opts.Persistence = persist
	}
	if p := cfg.History.SQLitePath; p != "" {
		store, err := history.Open(p, cfg.Exchange.Symbol)
		if err != nil {
			logrus.Errorf("打开订单历史失败: %v", err)
			sm.Shutdown(context.Background())
			return 1
		}
		opts.History, hist = store, store
		sm.OnShutdown("history", func(context.Context) {
			if err := store.Close(); err != nil {
				logrus.Warnf("关闭订单历史失败: %v", err)
			}
		})
	}

	gw, err := newGateway(rootCtx, cfg, paperInterval, paperVol)
	if err != nil {
		logConfigError(err)
		sm.Shutdown(context.Background())
		return 1
	}

	g, err := grid.Start(rootCtx, cfg, gw, opts)
	if err != nil {
		logConfigError(err)
		sm.Shutdown(context.Background())
		return 1
	}
	// 逆序执行：网格最先停止，存储最后关闭
	sm.OnShutdown("grid", func(ctx context.Context) {
		if err := g.Stop(ctx); err != nil {
			logrus.Errorf("停止网格时有订单未撤销: %v", err)
		}
	})

	admin, err := server.New(server.Config{Listen: cfg.Admin.Listen}, g, hist)
	if err == nil {
		err = admin.Start()
	}
	if err != nil {
		logrus.Errorf("启动 admin server 失败: %v", err)
		sm.Shutdown(context.Background())
		return 1
	}
	sm.OnShutdown("admin", func(ctx context.Context) {
		_ = admin.Shutdown(ctx)
	})

	logrus.Infof("网格机器人已启动（%s %s），按 Ctrl+C 停止", cfg.Exchange.Kind, cfg.Exchange.Symbol)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logrus.Infof("收到信号 %s，正在关闭...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)
	rootCancel()

	logrus.Info("网格机器人已停止")
	return 0
}

func logConfigError(err error) {
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		logrus.Errorf("配置错误 [%s]: %s", cfgErr.Field, cfgErr.Reason)
		return
	}
	logrus.Errorf("启动失败: %v", err)
}

// openPersistence Dir 为空时不持久化
func openPersistence(pc config.PersistenceConfig) (persistence.Service, error) {
	if pc.Dir == "" {
		logrus.Warn("persistence.dir 未配置，重启后无法恢复网格状态")
		return nil, nil
	}
	switch pc.Driver {
	case config.PersistenceJSON:
		return persistence.NewJSONFileService(pc.Dir), nil
	default:
		key, err := persistence.ParseKey(pc.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return persistence.OpenBadger(persistence.BadgerOptions{
			Path:          filepath.Join(pc.Dir, "badger"),
			EncryptionKey: key,
		})
	}
}

func newGateway(ctx context.Context, cfg *config.Config, interval time.Duration, vol float64) (ports.Gateway, error) {
	ex := cfg.Exchange
	switch ex.Kind {
	case config.ExchangeHyperliquid:
		return hyperliquid.New(hyperliquid.Config{
			BaseURL:         ex.BaseURL,
			WSURL:           ex.WSURL,
			Coin:            ex.Symbol,
			Asset:           uint32(ex.Asset),
			PrivateKey:      ex.PrivateKey,
			AccountAddress:  ex.AccountAddress,
			VaultAddress:    ex.VaultAddress,
			Mainnet:         ex.Mainnet,
			RateLimitPerMin: ex.RateLimitPerMin,
			CallTimeout:     time.Duration(cfg.Dispatch.CallTimeoutMs) * time.Millisecond,
		})
	default:
		x := paper.New(ex.Symbol, decimal.NewFromFloat(ex.PaperStartPrice))
		if ex.PaperBalance > 0 {
			x.SetBalance(decimal.NewFromFloat(ex.PaperBalance))
		}
		if interval > 0 && vol > 0 {
			go x.Run(ctx, interval, vol)
		}
		logrus.Warnf("使用 paper 网关（模拟撮合），起始价 %v", ex.PaperStartPrice)
		return x, nil
	}
}
