package execution

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/metrics"
	"github.com/betbot/copytrader/internal/wallet"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/persistence"
)

const storePrefix = "order"

// Coordinator 执行协调器。复制订单从这里进入交易所：
// 全局准入控制（在途订单上限，FIFO 放行）、有界重试（指数退避加抖动）、
// 按错误类型区分临时/永久失败。订单状态机的每次迁移都持久化，
// 崩溃后可见最后状态。
type Coordinator struct {
	wallet   wallet.Adapter
	retry    config.RetryConfig
	gate     *fifoGate
	inflight *InFlightDeduper
	bus      *events.Bus
	svc      persistence.Service
	log      *logrus.Entry
	dryRun   bool
	rng      *rand.Rand
}

// NewCoordinator 创建执行协调器
func NewCoordinator(w wallet.Adapter, retry config.RetryConfig, maxOutstanding int, bus *events.Bus, svc persistence.Service, dryRun bool) *Coordinator {
	return &Coordinator{
		wallet:   w,
		retry:    retry,
		gate:     newFifoGate(maxOutstanding),
		inflight: NewInFlightDeduper(0, 0),
		bus:      bus,
		svc:      svc,
		log:      logger.WithField("component", "execution"),
		dryRun:   dryRun,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewOrderID 生成本地订单 ID
func NewOrderID() string {
	return uuid.NewString()
}

// Execute 执行一笔复制订单直到终态。
// 调用方（管道 goroutine）阻塞等待结果，保证同管道订单严格串行。
func (c *Coordinator) Execute(ctx context.Context, co *domain.CopyOrder) (*wallet.SubmitResult, error) {
	if co.OrderID == "" {
		co.OrderID = NewOrderID()
	}
	if co.Status == "" {
		co.Status = domain.CopyOrderPending
	}
	if err := c.inflight.TryAcquire(co.SourceTradeID); err != nil {
		return nil, err
	}
	defer c.inflight.Release(co.SourceTradeID)
	c.persist(co)

	// 准入控制：在途订单达到上限时按到达顺序排队
	if !c.gate.acquire(ctx) {
		return nil, ctx.Err()
	}
	defer c.gate.release()

	if c.dryRun {
		c.log.WithFields(logrus.Fields{
			"order_id": co.OrderID,
			"side":     co.Side,
			"amount":   co.Amount(),
		}).Info("纸交易模式：跳过真实下单")
		co.Transition(domain.CopyOrderSubmitted)
		co.Transition(domain.CopyOrderFilled)
		co.FilledSize = co.ShareSize
		co.FilledPrice = co.Price
		c.finish(co)
		return &wallet.SubmitResult{Status: "matched", FilledSize: co.ShareSize, FilledPrice: co.Price}, nil
	}

	for {
		co.Transition(domain.CopyOrderSubmitted)
		co.Attempts++
		c.persist(co)
		metrics.OrdersSubmitted.Add(1)

		result, err := c.wallet.Submit(ctx, co)
		if err == nil && result.Filled() {
			co.FilledSize = result.FilledSize
			co.FilledPrice = result.FilledPrice
			co.Transition(domain.CopyOrderFilled)
			c.finish(co)
			metrics.OrdersFilled.Add(1)
			c.bus.PublishOrderFilled(events.OrderFilledEvent{
				Order:       co,
				FilledSize:  result.FilledSize,
				FilledPrice: result.FilledPrice,
				Timestamp:   time.Now(),
			})
			return result, nil
		}

		if err == nil {
			// FOK 未成交且未报错：按临时失败处理
			err = &types.OrderError{Message: "订单未成交: status=" + result.Status}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		transient := types.IsTransientError(err) || errors.Is(err, wallet.ErrConfirmationTimeout)
		if !transient {
			co.FailReason = err.Error()
			co.Transition(domain.CopyOrderFailed)
			c.finish(co)
			metrics.OrdersFailed.Add(1)
			c.bus.PublishOrderFailed(events.OrderFailedEvent{
				Order: co, Reason: err.Error(), Permanent: true, Timestamp: time.Now(),
			})
			c.log.WithField("order_id", co.OrderID).Warnf("永久失败，放弃: %v", err)
			return nil, err
		}

		if co.Attempts >= c.retry.MaxAttempts {
			co.FailReason = "重试次数耗尽: " + err.Error()
			co.Transition(domain.CopyOrderFailed)
			c.finish(co)
			metrics.OrdersFailed.Add(1)
			c.bus.PublishOrderFailed(events.OrderFailedEvent{
				Order: co, Reason: co.FailReason, Permanent: false, Timestamp: time.Now(),
			})
			c.log.WithField("order_id", co.OrderID).Warnf("重试 %d 次后放弃: %v", co.Attempts, err)
			return nil, err
		}

		co.Transition(domain.CopyOrderRetrying)
		c.persist(co)
		metrics.OrderRetries.Add(1)

		delay := c.backoff(co.Attempts)
		c.log.WithFields(logrus.Fields{
			"order_id": co.OrderID,
			"attempt":  co.Attempts,
			"delay":    delay,
		}).Infof("临时失败，退避后重试: %v", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff 指数退避加 ±25% 抖动，避免多管道同步重试
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.retry.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.retry.BackoffMax {
			delay = c.retry.BackoffMax
			break
		}
	}
	jitter := 0.75 + c.rng.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

// Outstanding 当前在途订单数
func (c *Coordinator) Outstanding() int {
	return c.gate.inUse()
}

func (c *Coordinator) persist(co *domain.CopyOrder) {
	store := c.svc.NewStore(storePrefix, co.OrderID, "")
	if err := store.Save(co); err != nil {
		c.log.Errorf("订单状态写入失败 %s: %v", co.OrderID, err)
	}
}

// finish 终态订单写最后一次状态后从在途存储移除
func (c *Coordinator) finish(co *domain.CopyOrder) {
	c.persist(co)
	store := c.svc.NewStore(storePrefix, co.OrderID, "")
	if err := store.Delete(); err != nil && err != persistence.ErrNotExists {
		c.log.Warnf("订单记录清理失败 %s: %v", co.OrderID, err)
	}
}
