package domain

import (
	"time"
)

// PositionRecord 操作员在单个 (trader, market) 管道上的持仓镜像。
// LastTradeID 是该管道的处理水位线：重放时小于等于水位线的交易直接跳过。
type PositionRecord struct {
	Trader      string    `json:"trader"`       // 管道所属交易员
	ConditionID string    `json:"condition_id"` // 市场标识
	AssetID     string    `json:"asset_id"`     // 结果代币资产 ID
	Size        float64   `json:"size"`         // 当前份额（永不为负）
	AvgPrice    float64   `json:"avg_price"`    // 成本均价（VWAP）
	TotalBought float64   `json:"total_bought"` // 累计买入美元金额
	RealizedPnl float64   `json:"realized_pnl"` // 已实现盈亏
	LastTradeID string    `json:"last_trade_id"`
	LastTradeAt time.Time `json:"last_trade_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key 返回管道键
func (p *PositionRecord) Key() PipelineKey {
	return PipelineKey{Trader: p.Trader, ConditionID: p.ConditionID}
}

// IsFlat 是否空仓
func (p *PositionRecord) IsFlat() bool {
	return p.Size <= 0
}

// CostBasis 当前持仓成本
func (p *PositionRecord) CostBasis() float64 {
	return p.Size * p.AvgPrice
}

// ApplyBuy 买入成交后更新均价与持仓
func (p *PositionRecord) ApplyBuy(size, price float64, tradeID string, at time.Time) {
	if size <= 0 {
		return
	}
	newSize := p.Size + size
	// VWAP：加权平均成本
	p.AvgPrice = (p.Size*p.AvgPrice + size*price) / newSize
	p.Size = newSize
	p.TotalBought += size * price
	p.touch(tradeID, at)
}

// ApplySell 卖出成交后更新持仓与已实现盈亏。
// 卖出数量超过当前持仓时按持仓封顶（持仓永不为负）。
func (p *PositionRecord) ApplySell(size, price float64, tradeID string, at time.Time) {
	if size <= 0 {
		return
	}
	if size > p.Size {
		size = p.Size
	}
	p.RealizedPnl += size * (price - p.AvgPrice)
	p.Size -= size
	if p.Size <= 0 {
		p.Size = 0
		p.AvgPrice = 0
	}
	p.touch(tradeID, at)
}

// MarkProcessed 仅推进水位线（交易被过滤或丢弃时仍要记为已处理）
func (p *PositionRecord) MarkProcessed(tradeID string, at time.Time) {
	p.touch(tradeID, at)
}

func (p *PositionRecord) touch(tradeID string, at time.Time) {
	p.LastTradeID = tradeID
	p.LastTradeAt = at
	p.UpdatedAt = time.Now()
}
