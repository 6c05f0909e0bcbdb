package aggregate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/persistence"
)

const storePrefix = "aggregate"

// Aggregator 小额交易聚合缓冲。
// 低于最小可成交金额的复制请求按 (trader, market, asset, side) 累积，
// 累计金额达到最小单位时冲洗出一笔聚合订单；
// 窗口到期的缓冲按配置丢弃或强制冲洗。
// 缓冲在进程退出时持久化，重启后恢复，窗口计时不重置。
type Aggregator struct {
	mu      sync.Mutex
	buffers map[domain.AggregateKey]*domain.PendingAggregate

	minSize float64
	maxHold time.Duration
	policy  config.AggregationExpiryPolicy

	svc persistence.Service
	log *logrus.Entry
}

// New 创建聚合器
func New(cfg config.AggregationConfig, minTradableSize float64, svc persistence.Service) *Aggregator {
	return &Aggregator{
		buffers: make(map[domain.AggregateKey]*domain.PendingAggregate),
		minSize: minTradableSize,
		maxHold: cfg.MaxHold,
		policy:  cfg.ExpiryPolicy,
		svc:     svc,
		log:     logger.WithField("component", "aggregator"),
	}
}

// Offer 将一笔低于最小金额的复制请求加入缓冲。
// 累计达到最小金额时返回待冲洗的聚合（并从缓冲移除），否则返回 nil。
func (a *Aggregator) Offer(trade *domain.TradeEvent, sizedUsdc float64) *domain.PendingAggregate {
	key := domain.AggregateKey{
		Trader:      trade.TraderAddr,
		ConditionID: trade.ConditionID,
		AssetID:     trade.AssetID,
		Side:        trade.Side,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[key]
	if !ok {
		buf = &domain.PendingAggregate{
			Trader:      trade.TraderAddr,
			ConditionID: trade.ConditionID,
			AssetID:     trade.AssetID,
			Side:        trade.Side,
		}
		a.buffers[key] = buf
	}

	buf.Add(trade, sizedUsdc)
	a.persist(buf)

	a.log.WithFields(logrus.Fields{
		"key":      key.String(),
		"total":    buf.UsdcSize,
		"trades":   len(buf.TradeIDs),
		"trade_id": trade.TradeID,
	}).Debug("交易进入聚合缓冲")

	if buf.UsdcSize >= a.minSize {
		delete(a.buffers, key)
		a.remove(buf)
		return buf
	}
	return nil
}

// ExpiredResult 到期缓冲的处理结果
type ExpiredResult struct {
	Aggregate *domain.PendingAggregate
	Flush     bool // true 按聚合下单，false 丢弃（仅推进水位线）
}

// CollectExpired 摘除全部到期缓冲并按策略给出处置
func (a *Aggregator) CollectExpired(now time.Time) []ExpiredResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []ExpiredResult
	for key, buf := range a.buffers {
		if !buf.Expired(a.maxHold, now) {
			continue
		}
		delete(a.buffers, key)
		a.remove(buf)

		flush := a.policy == config.ExpiryFlush
		if flush {
			a.log.WithField("key", key.String()).Infof("聚合窗口到期，强制冲洗 $%.2f（%d 笔）", buf.UsdcSize, len(buf.TradeIDs))
		} else {
			a.log.WithField("key", key.String()).Infof("聚合窗口到期，丢弃 $%.2f（%d 笔）", buf.UsdcSize, len(buf.TradeIDs))
		}
		out = append(out, ExpiredResult{Aggregate: buf, Flush: flush})
	}
	return out
}

// NextDeadline 返回最早到期时间，没有缓冲时返回零值
func (a *Aggregator) NextDeadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	var earliest time.Time
	for _, buf := range a.buffers {
		deadline := buf.FirstAt.Add(a.maxHold)
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	return earliest
}

// Pending 返回当前缓冲数量
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Recover 启动时从持久层恢复未冲洗的缓冲
func (a *Aggregator) Recover(scanner interface {
	ScanPrefix(prefix string, fn func(key string, value []byte) error) error
}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	err := scanner.ScanPrefix(storePrefix, func(key string, value []byte) error {
		var buf domain.PendingAggregate
		if err := json.Unmarshal(value, &buf); err != nil {
			a.log.Warnf("聚合缓冲 %s 损坏，跳过: %v", key, err)
			return nil
		}
		a.buffers[buf.Key()] = &buf
		count++
		return nil
	})
	if err != nil {
		return err
	}

	if count > 0 {
		a.log.Infof("已恢复 %d 个聚合缓冲", count)
	}
	return nil
}

func (a *Aggregator) persist(buf *domain.PendingAggregate) {
	store := a.svc.NewStore(storePrefix, buf.Key().String(), "")
	if err := store.Save(buf); err != nil {
		a.log.Errorf("聚合缓冲写入失败 %s: %v", buf.Key().String(), err)
	}
}

func (a *Aggregator) remove(buf *domain.PendingAggregate) {
	store := a.svc.NewStore(storePrefix, buf.Key().String(), "")
	if err := store.Delete(); err != nil && err != persistence.ErrNotExists {
		a.log.Warnf("聚合缓冲删除失败 %s: %v", buf.Key().String(), err)
	}
}
