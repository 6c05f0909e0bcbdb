package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	clobtypes "github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/execution"
	"github.com/betbot/copytrader/internal/metrics"
	"github.com/betbot/copytrader/internal/sizing"
	"github.com/betbot/copytrader/internal/store"
)

// process 处理一笔交易事件：去重、水位线、分方向执行
func (e *Engine) process(ctx context.Context, event *domain.TradeEvent) error {
	key := event.Key()

	// 跨重启去重（流水账交易 ID 唯一键）
	fresh, err := e.journal.Record(ctx, event, "")
	if err != nil {
		return err
	}
	if !fresh {
		metrics.TradesDuplicate.Add(1)
		return nil
	}

	// 水位线：重放与对账回补的已处理交易直接跳过
	if e.positions.IsProcessed(key, event.TradeID, event.Timestamp) {
		metrics.TradesDuplicate.Add(1)
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeDropped)
		return nil
	}

	if event.IsBuy() {
		return e.processBuy(ctx, event)
	}
	return e.processSell(ctx, event)
}

// processBuy 买入复制：金额计算 → 聚合或直接下单
func (e *Engine) processBuy(ctx context.Context, event *domain.TradeEvent) error {
	key := event.Key()
	rec := e.positions.Get(key)

	res, err := e.sizer.ComputeBuy(event, sizing.Inputs{
		AvailableBalance:   e.availableBalance(),
		CurrentPositionUSD: rec.CostBasis(),
		DeployedCapitalUSD: e.positions.DeployedCapital(),
		RecentSlippage:     e.recentSlippage(),
	})
	if err != nil {
		return err
	}

	if res.FinalUsdc <= 0 {
		// 持仓上限或余额耗尽：跳过但推进水位线
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeDropped)
		return e.positions.MarkProcessed(key, event.TradeID, event.Timestamp)
	}

	if res.BelowMinimum {
		metrics.TradesAggregated.Add(1)
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeAggregated)
		if err := e.positions.MarkProcessed(key, event.TradeID, event.Timestamp); err != nil {
			return err
		}
		if flushed := e.aggregator.Offer(event, res.FinalUsdc); flushed != nil {
			metrics.AggregateFlushes.Add(1)
			return e.executeAggregate(ctx, flushed)
		}
		return nil
	}

	co := &domain.CopyOrder{
		OrderID:       execution.NewOrderID(),
		SourceTradeID: event.TradeID,
		SourceTrades:  []string{event.TradeID},
		Trader:        event.TraderAddr,
		ConditionID:   event.ConditionID,
		AssetID:       event.AssetID,
		Side:          clobtypes.SideBuy,
		Price:         event.Price,
		UsdcSize:      res.FinalUsdc,
		ShareSize:     res.FinalUsdc / event.Price,
		Status:        domain.CopyOrderPending,
		CreatedAt:     time.Now(),
	}

	return e.executeOrder(ctx, co, event)
}

// processSell 卖出复制：按交易员卖出比例等比缩减操作员持仓
func (e *Engine) processSell(ctx context.Context, event *domain.TradeEvent) error {
	key := event.Key()
	rec := e.positions.Get(key)

	if rec.IsFlat() {
		// 没有可卖持仓（从未复制过买入或已清仓）
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeDropped)
		return e.positions.MarkProcessed(key, event.TradeID, event.Timestamp)
	}

	shares := e.sizer.ComputeSellShares(rec.Size, event.Size, e.traderPositionSize(ctx, event))
	if shares <= 0 {
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeDropped)
		return e.positions.MarkProcessed(key, event.TradeID, event.Timestamp)
	}

	co := &domain.CopyOrder{
		OrderID:       execution.NewOrderID(),
		SourceTradeID: event.TradeID,
		SourceTrades:  []string{event.TradeID},
		Trader:        event.TraderAddr,
		ConditionID:   event.ConditionID,
		AssetID:       rec.AssetID,
		Side:          clobtypes.SideSell,
		Price:         event.Price,
		ShareSize:     shares,
		UsdcSize:      shares * event.Price,
		Status:        domain.CopyOrderPending,
		CreatedAt:     time.Now(),
	}

	return e.executeOrder(ctx, co, event)
}

// traderPositionSize 查询交易员卖出前的持仓份额。
// 查询失败时返回 0，卖出逻辑退化为全量清仓。
func (e *Engine) traderPositionSize(ctx context.Context, event *domain.TradeEvent) float64 {
	positions, err := e.clob.GetPositions(ctx, event.TraderAddr)
	if err != nil {
		e.log.Debugf("查询交易员持仓失败: %v", err)
		return 0
	}
	for i := range positions {
		if positions[i].Asset == event.AssetID {
			// 卖出已发生，卖前持仓 = 当前持仓 + 卖出量
			return positions[i].Size + event.Size
		}
	}
	return event.Size
}

// executeOrder 执行复制订单并在终态后推进水位线
func (e *Engine) executeOrder(ctx context.Context, co *domain.CopyOrder, event *domain.TradeEvent) error {
	key := co.Key()

	if err := e.breaker.AllowCopying(); err != nil {
		// 熔断期间的交易不复制，推进水位线避免恢复后补刀过期交易
		e.log.WithField("trade_id", event.TradeID).Warn("断路器已打开，跳过复制")
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeDropped)
		return e.positions.MarkProcessed(key, event.TradeID, event.Timestamp)
	}

	result, err := e.coordinator.Execute(ctx, co)
	if err != nil {
		e.breaker.OnFailure()
		// 失败订单不阻塞管道：记录后推进水位线
		_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeFailed)
		if markErr := e.positions.MarkProcessed(key, event.TradeID, event.Timestamp); markErr != nil {
			return markErr
		}
		return nil
	}

	e.breaker.OnSuccess()
	_ = e.journal.SetOutcome(ctx, event.TradeID, store.OutcomeCopied)

	if co.Side == clobtypes.SideBuy {
		size, price := result.FilledSize, result.FilledPrice
		if size <= 0 {
			size, price = co.ShareSize, co.Price
		}
		e.observeSlippage(co.Price, price)
		e.adjustBalance(-size * price)
		return e.positions.ApplyBuy(key, co.AssetID, size, price, event.TradeID, event.Timestamp)
	}

	size, price := result.FilledSize, result.FilledPrice
	if size <= 0 {
		size, price = co.ShareSize, co.Price
	}
	rec := e.positions.Get(key)
	e.breaker.AddRealizedPnL((price - rec.AvgPrice) * size)
	e.adjustBalance(size * price)
	return e.positions.ApplySell(key, size, price, event.TradeID, event.Timestamp)
}

// executeAggregate 执行一笔聚合订单
func (e *Engine) executeAggregate(ctx context.Context, agg *domain.PendingAggregate) error {
	price := agg.LastPrice
	if price <= 0 && agg.ShareSize > 0 {
		price = agg.UsdcSize / agg.ShareSize
	}

	co := &domain.CopyOrder{
		OrderID:       execution.NewOrderID(),
		SourceTradeID: agg.LastTradeID(),
		SourceTrades:  agg.TradeIDs,
		Trader:        agg.Trader,
		ConditionID:   agg.ConditionID,
		AssetID:       agg.AssetID,
		Side:          agg.Side,
		Price:         price,
		UsdcSize:      agg.UsdcSize,
		ShareSize:     agg.ShareSize,
		Status:        domain.CopyOrderPending,
		CreatedAt:     time.Now(),
	}

	e.log.WithFields(logrus.Fields{
		"order_id": co.OrderID,
		"usdc":     agg.UsdcSize,
		"trades":   len(agg.TradeIDs),
	}).Info("执行聚合订单")

	if err := e.breaker.AllowCopying(); err != nil {
		e.log.Warn("断路器已打开，丢弃到期聚合订单")
		for _, id := range agg.TradeIDs {
			_ = e.journal.SetOutcome(ctx, id, store.OutcomeDropped)
		}
		return nil
	}

	result, err := e.coordinator.Execute(ctx, co)
	if err != nil {
		e.breaker.OnFailure()
		for _, id := range agg.TradeIDs {
			_ = e.journal.SetOutcome(ctx, id, store.OutcomeFailed)
		}
		return nil
	}

	e.breaker.OnSuccess()
	for _, id := range agg.TradeIDs {
		_ = e.journal.SetOutcome(ctx, id, store.OutcomeCopied)
	}

	key := co.Key()
	size, price := result.FilledSize, result.FilledPrice
	if size <= 0 {
		size, price = co.ShareSize, co.Price
	}
	if co.Side == clobtypes.SideBuy {
		e.observeSlippage(co.Price, price)
		e.adjustBalance(-size * price)
		// 贡献交易的水位线在进入缓冲时已推进，这里只更新持仓
		return e.positions.ApplyBuy(key, co.AssetID, size, price, agg.LastTradeID(), time.Now())
	}
	e.adjustBalance(size * price)
	return e.positions.ApplySell(key, size, price, agg.LastTradeID(), time.Now())
}

// handleExpired 处理到期的聚合缓冲
func (e *Engine) handleExpired(ctx context.Context, now time.Time) {
	for _, expired := range e.aggregator.CollectExpired(now) {
		if expired.Flush {
			metrics.AggregateFlushes.Add(1)
			if err := e.executeAggregate(ctx, expired.Aggregate); err != nil {
				e.log.Warnf("到期聚合执行失败: %v", err)
			}
			continue
		}

		// drop 策略：贡献交易已在进入缓冲时推进水位线，只改流水账结果
		metrics.AggregateDrops.Add(1)
		for _, id := range expired.Aggregate.TradeIDs {
			_ = e.journal.SetOutcome(ctx, id, store.OutcomeDropped)
		}
	}
}
