package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/client"
	clobtypes "github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/aggregate"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/execution"
	"github.com/betbot/copytrader/internal/feed"
	"github.com/betbot/copytrader/internal/position"
	"github.com/betbot/copytrader/internal/risk"
	"github.com/betbot/copytrader/internal/sizing"
	"github.com/betbot/copytrader/internal/store"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
)

// Engine 复制引擎编排器。从摄取器读取交易事件，按 (trader, market)
// 管道分发：同管道串行、不同管道并行。每条管道依次经过
// 去重、水位线、金额计算、聚合、执行，终态落盘后推进水位线。
type Engine struct {
	cfg         *config.Config
	ingestor    *feed.Ingestor
	positions   *position.Store
	sizer       *sizing.Engine
	aggregator  *aggregate.Aggregator
	coordinator *execution.Coordinator
	journal     *store.Journal
	breaker     *risk.CircuitBreaker
	clob        *client.Client
	wctx        *domain.WalletContext
	bus         *events.Bus
	log         *logrus.Entry

	pipelines map[domain.PipelineKey]chan *domain.TradeEvent
	pipeMu    sync.Mutex
	wg        sync.WaitGroup

	pauseMu sync.RWMutex
	paused  bool

	balanceMu sync.RWMutex
	balance   float64 // 可用 USDC 余额缓存

	slipMu   sync.Mutex
	slippage float64 // 买入滑点 EMA

	startedAt time.Time
	cancel    context.CancelFunc
}

// Deps 引擎依赖
type Deps struct {
	Ingestor    *feed.Ingestor
	Positions   *position.Store
	Sizer       *sizing.Engine
	Aggregator  *aggregate.Aggregator
	Coordinator *execution.Coordinator
	Journal     *store.Journal
	Breaker     *risk.CircuitBreaker
	Clob        *client.Client
	Wallet      *domain.WalletContext
	Bus         *events.Bus
}

// New 创建复制引擎
func New(cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		cfg:         cfg,
		ingestor:    deps.Ingestor,
		positions:   deps.Positions,
		sizer:       deps.Sizer,
		aggregator:  deps.Aggregator,
		coordinator: deps.Coordinator,
		journal:     deps.Journal,
		breaker:     deps.Breaker,
		clob:        deps.Clob,
		wctx:        deps.Wallet,
		bus:         deps.Bus,
		log:         logger.WithField("component", "engine"),
		pipelines:   make(map[domain.PipelineKey]chan *domain.TradeEvent),
	}
}

// SetIngestor 注入摄取器。摄取器的水位线来源是引擎本身，
// 两者互相引用，需在构造后补注入。
func (e *Engine) SetIngestor(ing *feed.Ingestor) {
	e.ingestor = ing
}

// Start 启动引擎：历史标记、余额初始化、分发循环、聚合到期循环
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = time.Now()

	if err := e.markHistorical(ctx); err != nil {
		e.log.Warnf("历史交易标记失败（继续启动）: %v", err)
	}

	e.refreshBalance(ctx)

	if err := e.ingestor.Start(ctx); err != nil {
		return err
	}

	e.wg.Add(3)
	go e.dispatchLoop(ctx)
	go e.expiryLoop(ctx)
	go e.refreshLoop(ctx)

	e.log.Info("复制引擎已启动")
	return nil
}

// Stop 优雅停机：断开交易流，排空管道，等待在途订单终态
func (e *Engine) Stop() {
	e.log.Info("复制引擎停机中")
	e.ingestor.Stop()
	if e.cancel != nil {
		e.cancel()
	}

	e.pipeMu.Lock()
	for _, ch := range e.pipelines {
		close(ch)
	}
	e.pipelines = make(map[domain.PipelineKey]chan *domain.TradeEvent)
	e.pipeMu.Unlock()

	e.wg.Wait()
	e.log.Info("复制引擎已停机")
}

// Pause 暂停复制（管道保留，新交易排队不执行）
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
	e.log.Warn("复制已暂停")
}

// Resume 恢复复制
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseMu.Unlock()
	e.log.Info("复制已恢复")
}

// IsPaused 是否处于暂停状态
func (e *Engine) IsPaused() bool {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()
	return e.paused
}

// LastProcessedAt 实现 feed.WatermarkSource：
// 返回交易员全部管道中最新的水位线时间
func (e *Engine) LastProcessedAt(trader string) time.Time {
	var latest time.Time
	for _, rec := range e.positions.Snapshot() {
		if rec.Trader == trader && rec.LastTradeAt.After(latest) {
			latest = rec.LastTradeAt
		}
	}
	return latest
}

// dispatchLoop 从摄取器读取事件，路由到管道 goroutine
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-e.ingestor.Out():
			if !ok {
				return
			}
			e.route(ctx, event)
		}
	}
}

// route 把事件投递到对应管道，管道不存在时创建
func (e *Engine) route(ctx context.Context, event *domain.TradeEvent) {
	key := event.Key()

	e.pipeMu.Lock()
	ch, ok := e.pipelines[key]
	if !ok {
		ch = make(chan *domain.TradeEvent, e.cfg.Feed.QueueSize)
		e.pipelines[key] = ch
		e.wg.Add(1)
		go e.pipelineLoop(ctx, key, ch)
	}
	e.pipeMu.Unlock()

	select {
	case ch <- event:
	default:
		// 管道积压：丢弃最新事件并告警，绝不阻塞分发循环
		e.log.WithField("key", key.String()).Errorf("管道积压，丢弃交易 %s", event.TradeID)
	}
}

// pipelineLoop 单管道处理循环，同管道交易严格按到达顺序串行执行
func (e *Engine) pipelineLoop(ctx context.Context, key domain.PipelineKey, ch <-chan *domain.TradeEvent) {
	defer e.wg.Done()

	plog := e.log.WithField("pipeline", key.String())
	for event := range ch {
		if ctx.Err() != nil {
			return
		}
		e.waitIfPaused(ctx)
		if err := e.process(ctx, event); err != nil {
			plog.Warnf("交易 %s 处理失败: %v", event.TradeID, err)
		}
	}
}

func (e *Engine) waitIfPaused(ctx context.Context) {
	for e.IsPaused() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// expiryLoop 周期检查聚合窗口到期
func (e *Engine) expiryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.handleExpired(ctx, now)
		}
	}
}

// refreshLoop 周期刷新余额缓存并定期对账
func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.Feed.RefreshEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshBalance(ctx)
		}
	}
}

// refreshBalance 从交易所刷新可用余额缓存
func (e *Engine) refreshBalance(ctx context.Context) {
	if e.cfg.DryRun {
		return
	}
	ba, err := e.clob.GetBalanceAllowance(ctx, clobtypes.AssetTypeCollateral, "")
	if err != nil {
		e.log.Debugf("余额刷新失败: %v", err)
		return
	}
	raw, err := strconv.ParseFloat(ba.Balance, 64)
	if err != nil {
		return
	}
	// balance-allowance 返回 USDC 最小单位
	e.balanceMu.Lock()
	e.balance = raw / 1e6
	e.balanceMu.Unlock()
}

func (e *Engine) availableBalance() float64 {
	if e.cfg.DryRun {
		return 1e9 // 纸交易模式不受余额约束
	}
	e.balanceMu.RLock()
	defer e.balanceMu.RUnlock()
	return e.balance
}

func (e *Engine) adjustBalance(delta float64) {
	e.balanceMu.Lock()
	e.balance += delta
	if e.balance < 0 {
		e.balance = 0
	}
	e.balanceMu.Unlock()
}

// recentSlippage 买入滑点 EMA（Adaptive 策略输入）
func (e *Engine) recentSlippage() float64 {
	e.slipMu.Lock()
	defer e.slipMu.Unlock()
	return e.slippage
}

func (e *Engine) observeSlippage(expected, actual float64) {
	if expected <= 0 || actual <= 0 {
		return
	}
	s := (actual - expected) / expected
	if s < 0 {
		s = 0
	}
	e.slipMu.Lock()
	// alpha = 0.2 的指数滑动平均
	e.slippage = e.slippage*0.8 + s*0.2
	e.slipMu.Unlock()
}

// markHistorical 首次启动时把水位线之前的既有活动记为历史，
// 避免启动瞬间把交易员的陈年仓位全部复制一遍
func (e *Engine) markHistorical(ctx context.Context) error {
	for _, trader := range e.cfg.Traders {
		trader = domain.NormalizeAddress(trader)
		if !e.LastProcessedAt(trader).IsZero() {
			continue // 已有水位线，非首次启动
		}

		activities, err := e.clob.GetActivity(ctx, trader, 0)
		if err != nil {
			return err
		}

		count := 0
		for i := range activities {
			a := &activities[i]
			if a.Type != "TRADE" || a.TransactionHash == "" {
				continue
			}
			event := &domain.TradeEvent{
				TradeID:     a.TransactionHash,
				TraderAddr:  trader,
				ConditionID: a.ConditionID,
				Side:        clobtypes.Side(a.Side),
				UsdcSize:    a.UsdcSize,
				Timestamp:   time.Unix(a.Timestamp, 0),
			}
			if _, err := e.journal.Record(ctx, event, store.OutcomeHistorical); err == nil {
				count++
			}
		}
		if count > 0 {
			e.log.Infof("已将 %s 的 %d 笔历史交易标记为已处理", trader, count)
		}
	}
	return nil
}
