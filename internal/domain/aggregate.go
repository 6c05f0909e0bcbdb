package domain

import (
	"time"

	"github.com/betbot/copytrader/clob/types"
)

// PendingAggregate 低于最小可成交金额的交易聚合缓冲。
// 同一 (trader, market, asset, side) 的小额交易累积，
// 达到最小金额或窗口到期时统一处理。
type PendingAggregate struct {
	Trader      string     `json:"trader"`
	ConditionID string     `json:"condition_id"`
	AssetID     string     `json:"asset_id"`
	Side        types.Side `json:"side"`
	UsdcSize    float64    `json:"usdc_size"`  // 累计美元金额
	ShareSize   float64    `json:"share_size"` // 累计份额
	TradeIDs    []string   `json:"trade_ids"`  // 贡献交易 ID（按到达顺序）
	LastPrice   float64    `json:"last_price"` // 最近一笔的价格
	FirstAt     time.Time  `json:"first_at"`   // 窗口起点（首笔到达时间）
	LastAt      time.Time  `json:"last_at"`
}

// AggregateKey 聚合缓冲键
type AggregateKey struct {
	Trader      string
	ConditionID string
	AssetID     string
	Side        types.Side
}

func (k AggregateKey) String() string {
	return k.Trader + ":" + k.ConditionID + ":" + k.AssetID + ":" + string(k.Side)
}

// Key 返回聚合键
func (a *PendingAggregate) Key() AggregateKey {
	return AggregateKey{Trader: a.Trader, ConditionID: a.ConditionID, AssetID: a.AssetID, Side: a.Side}
}

// Add 累加一笔交易
func (a *PendingAggregate) Add(t *TradeEvent, sizedUsdc float64) {
	a.UsdcSize += sizedUsdc
	if t.Price > 0 {
		a.ShareSize += sizedUsdc / t.Price
		a.LastPrice = t.Price
	}
	a.TradeIDs = append(a.TradeIDs, t.TradeID)
	if a.FirstAt.IsZero() {
		a.FirstAt = t.ObservedAt
	}
	a.LastAt = t.ObservedAt
}

// Expired 窗口是否到期
func (a *PendingAggregate) Expired(maxHold time.Duration, now time.Time) bool {
	return !a.FirstAt.IsZero() && now.Sub(a.FirstAt) >= maxHold
}

// LastTradeID 返回末笔贡献交易 ID
func (a *PendingAggregate) LastTradeID() string {
	if len(a.TradeIDs) == 0 {
		return ""
	}
	return a.TradeIDs[len(a.TradeIDs)-1]
}
