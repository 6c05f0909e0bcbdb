package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/client"
	"github.com/betbot/copytrader/clob/rtds"
	clobtypes "github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/metrics"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/sigchan"
	"github.com/betbot/copytrader/pkg/syncgroup"
)

// WatermarkSource 提供每个交易员的处理水位线时间（对账起点）
type WatermarkSource interface {
	LastProcessedAt(trader string) time.Time
}

// Ingestor 交易流摄取器。订阅 RTDS activity 主题，过滤出被跟踪
// 交易员的交易，转换为领域事件推入输出通道。
// 断线重连后从 data-api 活动历史回补断线期间漏掉的交易，
// 重复交易由下游水位线与流水账去重。
type Ingestor struct {
	ws        *rtds.Client
	clob      *client.Client
	bus       *events.Bus
	cfg       config.FeedConfig
	traders   map[string]bool
	watermark WatermarkSource

	out chan *domain.TradeEvent
	log *logrus.Entry

	// 重连对账在独立 goroutine 执行，避免阻塞 RTDS 的重连路径
	reconcileKick *sigchan.Chan
	workers       *syncgroup.SyncGroup
	quit          chan struct{}

	disconnectedAt time.Time
	mu             sync.Mutex
}

// NewIngestor 创建摄取器
func NewIngestor(ws *rtds.Client, clob *client.Client, bus *events.Bus, cfg config.FeedConfig, traders []string, watermark WatermarkSource) *Ingestor {
	set := make(map[string]bool, len(traders))
	for _, t := range traders {
		set[domain.NormalizeAddress(t)] = true
	}
	return &Ingestor{
		ws:            ws,
		clob:          clob,
		bus:           bus,
		cfg:           cfg,
		traders:       set,
		watermark:     watermark,
		out:           make(chan *domain.TradeEvent, cfg.QueueSize),
		log:           logger.WithField("component", "ingestor"),
		reconcileKick: sigchan.New(1),
		workers:       syncgroup.NewSyncGroup(),
		quit:          make(chan struct{}),
	}
}

// Out 领域事件输出通道
func (in *Ingestor) Out() <-chan *domain.TradeEvent {
	return in.out
}

// Connected 交易流是否在线
func (in *Ingestor) Connected() bool {
	return in.ws.IsConnected()
}

// Start 连接交易流并开始摄取
func (in *Ingestor) Start(ctx context.Context) error {
	in.ws.RegisterHandler("activity", in.handleActivity)
	in.ws.OnReconnect(in.onReconnect)

	if err := in.ws.Connect(); err != nil {
		return err
	}
	if err := in.ws.SubscribeToTrades(); err != nil {
		return err
	}

	in.workers.Add(func() { in.reconcileLoop(ctx) })
	in.workers.Run()

	in.log.Infof("交易流已订阅，跟踪 %d 个交易员", len(in.traders))
	return nil
}

// Stop 断开交易流，等待对账 goroutine 退出后关闭输出通道
func (in *Ingestor) Stop() {
	_ = in.ws.Disconnect()
	close(in.quit)
	in.workers.Wait()
	close(in.out)
}

// reconcileLoop 等待重连信号并执行活动历史对账
func (in *Ingestor) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.quit:
			return
		case <-in.reconcileKick.C():
			if err := in.Reconcile(ctx); err != nil {
				in.log.Warnf("重连对账失败: %v", err)
				metrics.ReconcileErrors.Add(1)
			}
		}
	}
}

func (in *Ingestor) handleActivity(msg *rtds.Message) error {
	if msg.Type != "trades" {
		return nil
	}

	var trade rtds.TradeActivity
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		// payload 偶尔是数组
		var batch []rtds.TradeActivity
		if err2 := json.Unmarshal(msg.Payload, &batch); err2 != nil {
			return err
		}
		for i := range batch {
			in.ingest(&batch[i])
		}
		return nil
	}

	in.ingest(&trade)
	return nil
}

func (in *Ingestor) ingest(t *rtds.TradeActivity) {
	trader := domain.NormalizeAddress(t.ProxyWallet)
	if !in.traders[trader] {
		return
	}
	metrics.TradesObserved.Add(1)

	event := &domain.TradeEvent{
		TradeID:      t.TransactionHash,
		TraderAddr:   trader,
		ConditionID:  t.ConditionID,
		AssetID:      t.Asset,
		Side:         clobtypes.Side(t.Side),
		Price:        t.Price,
		Size:         t.Size,
		UsdcSize:     t.UsdcSize(),
		OutcomeIndex: t.OutcomeIndex,
		Title:        t.Title,
		Outcome:      t.Outcome,
		Timestamp:    time.Unix(t.Timestamp, 0),
		ObservedAt:   time.Now(),
	}

	in.emit(event)
}

// emit 校验并投递事件。过期交易直接丢弃。
func (in *Ingestor) emit(event *domain.TradeEvent) {
	if err := domain.ValidateTradeEvent(event); err != nil {
		in.log.Warnf("丢弃非法交易事件: %v", err)
		return
	}

	if in.cfg.TooOldHours > 0 {
		maxAge := time.Duration(in.cfg.TooOldHours * float64(time.Hour))
		if time.Since(event.Timestamp) > maxAge {
			metrics.TradesTooOld.Add(1)
			in.log.WithField("trade_id", event.TradeID).Debugf("交易过期 %s，丢弃", time.Since(event.Timestamp))
			return
		}
	}

	in.out <- event
}

// onReconnect 重连后记录停机时长并通知对账 goroutine 回补漏掉的交易
func (in *Ingestor) onReconnect() {
	metrics.FeedReconnects.Add(1)

	in.mu.Lock()
	downtime := time.Duration(0)
	if !in.disconnectedAt.IsZero() {
		downtime = time.Since(in.disconnectedAt)
		in.disconnectedAt = time.Time{}
	}
	in.mu.Unlock()

	in.bus.PublishFeedReconnected(events.FeedReconnectedEvent{Downtime: downtime, Timestamp: time.Now()})
	in.reconcileKick.Emit()
}

// Reconcile 对每个交易员从水位线时间拉取活动历史，回补漏掉的交易。
// 回补事件与实时事件走同一条管道，由水位线保证不重复执行。
func (in *Ingestor) Reconcile(ctx context.Context) error {
	metrics.ReconcileRuns.Add(1)

	for trader := range in.traders {
		since := int64(0)
		if in.watermark != nil {
			if at := in.watermark.LastProcessedAt(trader); !at.IsZero() {
				since = at.Unix()
			}
		}

		activities, err := in.clob.GetActivity(ctx, trader, since)
		if err != nil {
			return err
		}

		count := 0
		for i := range activities {
			a := &activities[i]
			if a.Type != "TRADE" {
				continue
			}
			event := &domain.TradeEvent{
				TradeID:      a.TransactionHash,
				TraderAddr:   domain.NormalizeAddress(a.ProxyWallet),
				ConditionID:  a.ConditionID,
				AssetID:      a.Asset,
				Side:         clobtypes.Side(a.Side),
				Price:        a.Price,
				Size:         a.Size,
				UsdcSize:     a.UsdcSize,
				OutcomeIndex: a.OutcomeIndex,
				Title:        a.Title,
				Outcome:      a.Outcome,
				Timestamp:    time.Unix(a.Timestamp, 0),
				ObservedAt:   time.Now(),
			}
			in.emit(event)
			count++
		}
		if count > 0 {
			in.log.Infof("对账回补 %s 的 %d 笔交易", trader, count)
		}
	}
	return nil
}

// NoteDisconnected 记录断线时刻（事件总线从 RTDS 客户端外部感知断线时调用）
func (in *Ingestor) NoteDisconnected() {
	in.mu.Lock()
	if in.disconnectedAt.IsZero() {
		in.disconnectedAt = time.Now()
	}
	in.mu.Unlock()
	in.bus.PublishFeedDisconnected(events.FeedDisconnectedEvent{Timestamp: time.Now()})
}
