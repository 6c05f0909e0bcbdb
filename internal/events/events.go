package events

import (
	"sync"
	"time"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/logger"
)

// OrderFailedEvent 复制订单终态失败
type OrderFailedEvent struct {
	Order     *domain.CopyOrder
	Reason    string
	Permanent bool // true 为确定性失败，false 为重试耗尽
	Timestamp time.Time
}

// OrderFilledEvent 复制订单成交
type OrderFilledEvent struct {
	Order       *domain.CopyOrder
	FilledSize  float64
	FilledPrice float64
	Timestamp   time.Time
}

// FeedDisconnectedEvent 交易流断开
type FeedDisconnectedEvent struct {
	Timestamp time.Time
}

// FeedReconnectedEvent 交易流重连成功
type FeedReconnectedEvent struct {
	Downtime  time.Duration
	Timestamp time.Time
}

// Observer 事件观察者。通知类副作用（告警、外部上报）挂在这层，
// 决策路径不依赖观察者，回调阻塞或 panic 不影响复制流程。
type Observer interface {
	OnOrderFilled(e OrderFilledEvent)
	OnOrderFailed(e OrderFailedEvent)
	OnFeedDisconnected(e FeedDisconnectedEvent)
	OnFeedReconnected(e FeedReconnectedEvent)
}

// Bus 事件分发器。回调在独立 goroutine 中执行并兜住 panic。
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBus 创建事件分发器
func NewBus() *Bus {
	return &Bus{}
}

// Register 注册观察者
func (b *Bus) Register(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// PublishOrderFilled 发布成交事件
func (b *Bus) PublishOrderFilled(e OrderFilledEvent) {
	b.each(func(o Observer) { o.OnOrderFilled(e) })
}

// PublishOrderFailed 发布失败事件
func (b *Bus) PublishOrderFailed(e OrderFailedEvent) {
	b.each(func(o Observer) { o.OnOrderFailed(e) })
}

// PublishFeedDisconnected 发布断线事件
func (b *Bus) PublishFeedDisconnected(e FeedDisconnectedEvent) {
	b.each(func(o Observer) { o.OnFeedDisconnected(e) })
}

// PublishFeedReconnected 发布重连事件
func (b *Bus) PublishFeedReconnected(e FeedReconnectedEvent) {
	b.each(func(o Observer) { o.OnFeedReconnected(e) })
}

func (b *Bus) each(fn func(Observer)) {
	b.mu.RLock()
	obs := make([]Observer, len(b.observers))
	copy(obs, b.observers)
	b.mu.RUnlock()

	for _, o := range obs {
		o := o
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("component", "events").Warnf("观察者 panic 恢复: %v", r)
				}
			}()
			fn(o)
		}()
	}
}

// LogObserver 默认观察者：把事件写进结构化日志
type LogObserver struct{}

func (LogObserver) OnOrderFilled(e OrderFilledEvent) {
	logger.WithField("component", "events").Infof("订单成交 order_id=%s size=%.2f price=%.4f", e.Order.OrderID, e.FilledSize, e.FilledPrice)
}

func (LogObserver) OnOrderFailed(e OrderFailedEvent) {
	logger.WithField("component", "events").Warnf("订单失败 order_id=%s permanent=%v reason=%s", e.Order.OrderID, e.Permanent, e.Reason)
}

func (LogObserver) OnFeedDisconnected(e FeedDisconnectedEvent) {
	logger.WithField("component", "events").Warn("交易流断开")
}

func (LogObserver) OnFeedReconnected(e FeedReconnectedEvent) {
	logger.WithField("component", "events").Infof("交易流重连成功，停机 %s", e.Downtime)
}
