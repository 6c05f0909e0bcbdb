package domain

import (
	"time"

	"github.com/betbot/copytrader/clob/types"
)

// CopyOrderStatus 复制订单状态
type CopyOrderStatus string

const (
	CopyOrderPending   CopyOrderStatus = "pending"   // 已创建，未提交
	CopyOrderSubmitted CopyOrderStatus = "submitted" // 已提交交易所，等待结果
	CopyOrderRetrying  CopyOrderStatus = "retrying"  // 临时失败，等待退避后重试
	CopyOrderFilled    CopyOrderStatus = "filled"    // 成交（终态）
	CopyOrderFailed    CopyOrderStatus = "failed"    // 失败（终态）
)

// IsTerminal 是否终态
func (s CopyOrderStatus) IsTerminal() bool {
	return s == CopyOrderFilled || s == CopyOrderFailed
}

// 合法状态迁移表
var copyOrderTransitions = map[CopyOrderStatus][]CopyOrderStatus{
	CopyOrderPending:   {CopyOrderSubmitted},
	CopyOrderSubmitted: {CopyOrderRetrying, CopyOrderFilled, CopyOrderFailed},
	CopyOrderRetrying:  {CopyOrderSubmitted, CopyOrderFailed},
}

// CanTransition 判断状态迁移是否合法
func (s CopyOrderStatus) CanTransition(to CopyOrderStatus) bool {
	for _, next := range copyOrderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CopyOrder 一笔复制订单及其执行状态
type CopyOrder struct {
	OrderID       string          `json:"order_id"`       // 本地订单 ID（uuid）
	SourceTradeID string          `json:"source_trade_id"`// 触发此订单的源交易（聚合单为末笔交易）
	SourceTrades  []string        `json:"source_trades"`  // 聚合单包含的全部源交易 ID
	Trader        string          `json:"trader"`
	ConditionID   string          `json:"condition_id"`
	AssetID       string          `json:"asset_id"`
	Side          types.Side      `json:"side"`
	Price         float64         `json:"price"`      // 定价快照
	UsdcSize      float64         `json:"usdc_size"`  // BUY: 美元金额
	ShareSize     float64         `json:"share_size"` // SELL: 份额数量
	Status        CopyOrderStatus `json:"status"`
	Attempts      int             `json:"attempts"`     // 已提交次数
	VenueOrderID  string          `json:"venue_order_id"`
	RelayerTxID   string          `json:"relayer_tx_id"` // Safe 模式：中继交易 ID（重试时复用轮询）
	FailReason    string          `json:"fail_reason"`
	FilledSize    float64         `json:"filled_size"`
	FilledPrice   float64         `json:"filled_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key 返回管道键
func (o *CopyOrder) Key() PipelineKey {
	return PipelineKey{Trader: o.Trader, ConditionID: o.ConditionID}
}

// Transition 执行状态迁移，非法迁移返回 false
func (o *CopyOrder) Transition(to CopyOrderStatus) bool {
	if !o.Status.CanTransition(to) {
		return false
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return true
}

// Amount 返回下单数量（BUY 为美元金额，SELL 为份额）
func (o *CopyOrder) Amount() float64 {
	if o.Side == types.SideBuy {
		return o.UsdcSize
	}
	return o.ShareSize
}
