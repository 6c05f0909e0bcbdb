package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/client"
	"github.com/betbot/copytrader/clob/rtds"
	"github.com/betbot/copytrader/clob/signing"
	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/aggregate"
	"github.com/betbot/copytrader/internal/controlplane/server"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/engine"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/execution"
	"github.com/betbot/copytrader/internal/feed"
	"github.com/betbot/copytrader/internal/metrics"
	"github.com/betbot/copytrader/internal/position"
	"github.com/betbot/copytrader/internal/risk"
	"github.com/betbot/copytrader/internal/sizing"
	"github.com/betbot/copytrader/internal/store"
	"github.com/betbot/copytrader/internal/wallet"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/persistence"
	"github.com/betbot/copytrader/pkg/secretstore"
	"github.com/betbot/copytrader/pkg/shutdown"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// prefixScanner 启动恢复用的前缀遍历接口（badger 后端实现）
type prefixScanner interface {
	ScanPrefix(prefix string, fn func(key string, value []byte) error) error
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml）")
	dryRun := flag.Bool("dry-run", false, "纸交易模式：不真实下单（覆盖配置文件）")
	flag.Parse()

	// .env 可选：本地开发时注入 COPYBOT_PRIVATE_KEY 等
	_ = godotenv.Load()

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/copybot.yaml", "copybot.yaml"); ok {
			path = p
		}
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置校验失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithField("component", "main")

	if path != "" {
		log.Infof("使用配置文件: %s", path)
	} else {
		log.Warn("未指定配置文件，使用默认值和环境变量")
	}
	log.WithFields(logrus.Fields{
		"traders":  len(cfg.Traders),
		"strategy": cfg.Strategy.Kind,
		"wallet":   cfg.Wallet.Type,
		"dry_run":  cfg.DryRun,
	}).Info("copybot 启动")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 持久化后端：badger 支持启动时前缀恢复，json 仅写穿
	var svc persistence.Service
	var scanner prefixScanner
	switch strings.ToLower(cfg.Persistence.Backend) {
	case "", "badger":
		badgerSvc, err := persistence.OpenBadgerService(filepath.Join(cfg.Persistence.Dir, "state"))
		if err != nil {
			log.Errorf("打开 badger 数据库失败: %v", err)
			os.Exit(1)
		}
		defer badgerSvc.Close()
		svc = badgerSvc
		scanner = badgerSvc
	case "json":
		svc = persistence.NewJSONFileService(filepath.Join(cfg.Persistence.Dir, "state"))
		log.Warn("json 后端不支持崩溃恢复扫描，重启后聚合缓冲与在途订单状态丢失")
	default:
		log.Errorf("未知持久化后端: %s", cfg.Persistence.Backend)
		os.Exit(1)
	}

	journal, err := store.OpenJournal(filepath.Join(cfg.Persistence.Dir, "journal.db"))
	if err != nil {
		log.Errorf("打开活动流水库失败: %v", err)
		os.Exit(1)
	}
	defer journal.Close()

	// 私钥优先级：配置/环境变量 > 密钥仓库（wallet-init -save 写入）
	if cfg.Wallet.PrivateKey == "" {
		pk, err := loadKeyFromSecretStore(filepath.Join(cfg.Persistence.Dir, "secrets"))
		if err != nil {
			log.Warnf("读取密钥仓库失败: %v", err)
		} else if pk != "" {
			cfg.Wallet.PrivateKey = pk
			log.Info("私钥来自密钥仓库")
		}
	}

	// CLOB 客户端与 API 密钥
	privateKey, err := signing.PrivateKeyFromHex(cfg.Wallet.PrivateKey)
	if err != nil {
		log.Errorf("解析私钥失败: %v", err)
		os.Exit(1)
	}
	signerAddr := signing.AddressFromPrivateKey(privateKey).Hex()

	clobClient := client.NewClient(cfg.Venue.ClobHost, cfg.Venue.DataAPIHost, types.Chain(cfg.Venue.ChainID), privateKey, nil)
	if !cfg.DryRun {
		if _, err := clobClient.CreateOrDeriveAPIKey(ctx); err != nil {
			log.Errorf("获取 API 密钥失败: %v", err)
			os.Exit(1)
		}
	}

	// 钱包适配器：EOA 直签 / Safe 中继
	var wkind domain.WalletKind
	var sigType types.SignatureType
	switch cfg.Wallet.Type {
	case config.WalletTypeSafe:
		wkind = domain.WalletSafe
		sigType = types.SignatureTypeGnosisSafe
	default:
		wkind = domain.WalletEOA
		sigType = types.SignatureTypeEOA
	}
	wctx := domain.NewWalletContext(wkind, signerAddr, cfg.Wallet.FunderAddress)
	builder := client.NewOrderBuilder(clobClient, sigType, wctx.FunderAddress, cfg.Venue.ExchangeAddr)

	var adapter wallet.Adapter
	if wkind == domain.WalletSafe {
		relayer := client.NewRelayerClient(cfg.Safe.RelayerURL)
		adapter = wallet.NewSafeAdapter(clobClient, relayer, builder, wctx, cfg.Safe)
	} else {
		adapter = wallet.NewEOAAdapter(clobClient, builder, wctx)
	}

	// 状态恢复：持仓水位线与未到期的聚合缓冲
	positions := position.NewStore(svc)
	aggregator := aggregate.New(cfg.Aggregation, cfg.MinTradableSize, svc)
	if scanner != nil {
		if err := positions.Recover(scanner); err != nil {
			log.Warnf("持仓状态恢复失败: %v", err)
		}
		if err := aggregator.Recover(scanner); err != nil {
			log.Warnf("聚合缓冲恢复失败: %v", err)
		}
	}

	bus := events.NewBus()
	bus.Register(events.LogObserver{})

	coordinator := execution.NewCoordinator(adapter, cfg.Retry, cfg.MaxOutstanding, bus, svc, cfg.DryRun)

	wsClient := rtds.NewClient(&rtds.ClientConfig{
		URL:            cfg.Feed.URL,
		PingInterval:   5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		ReconnectMax:   cfg.Feed.ReconnectMax,
	})

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		DailyLossLimitUSD:      cfg.Risk.DailyLossLimitUSD,
	})

	eng := engine.New(cfg, engine.Deps{
		Positions:   positions,
		Sizer:       sizing.NewEngine(cfg.Strategy, cfg.MinTradableSize),
		Aggregator:  aggregator,
		Coordinator: coordinator,
		Journal:     journal,
		Breaker:     breaker,
		Clob:        clobClient,
		Wallet:      wctx,
		Bus:         bus,
	})
	ingestor := feed.NewIngestor(wsClient, clobClient, bus, cfg.Feed, cfg.Traders, eng)
	eng.SetIngestor(ingestor)

	if err := eng.Start(ctx); err != nil {
		log.Errorf("引擎启动失败: %v", err)
		os.Exit(1)
	}

	// 控制面与调试端口
	if cfg.ControlListen != "" {
		ctl := server.New(eng, journal)
		if err := ctl.StartAsync(ctx, cfg.ControlListen); err != nil {
			log.Errorf("控制面启动失败: %v", err)
			os.Exit(1)
		}
		log.Infof("控制面监听: %s", cfg.ControlListen)
	}
	if cfg.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.DebugListen); err != nil {
			log.Warnf("调试端口启动失败: %v", err)
		} else {
			log.Infof("调试端口监听: %s (expvar + pprof)", cfg.DebugListen)
		}
	}

	mgr := shutdown.NewManager()
	mgr.Register("journal", func(context.Context) error { return journal.Close() })
	mgr.Register("engine", func(context.Context) error {
		eng.Stop()
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("收到信号 %v，开始优雅关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	log.Info("copybot 已退出")
}

// loadKeyFromSecretStore 从加密密钥仓库读取操盘私钥。
// 仓库不存在视为未配置，返回空串。
func loadKeyFromSecretStore(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	encKey, err := secretstore.ParseKey(os.Getenv("COPYBOT_SECRETSTORE_KEY"))
	if err != nil {
		return "", fmt.Errorf("COPYBOT_SECRETSTORE_KEY 非法: %w", err)
	}
	st, err := secretstore.Open(secretstore.OpenOptions{Path: path, EncryptionKey: encKey, ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer st.Close()

	pk, found, err := st.GetString("wallet/private_key")
	if err != nil || !found {
		return "", err
	}
	return pk, nil
}
