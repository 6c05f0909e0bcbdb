package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/betbot/copytrader/clob/types"
)

// TradeEvent 被跟踪交易员的一笔已确认链上交易。
// TradeID 在全流程中唯一，是去重与水位线推进的依据。
type TradeEvent struct {
	TradeID      string     // 交易唯一标识（链上 transaction hash）
	TraderAddr   string     // 交易员地址（统一小写）
	ConditionID  string     // 市场标识
	AssetID      string     // 结果代币资产 ID
	Side         types.Side // 交易方向
	Price        float64    // 成交价格 (0,1)
	Size         float64    // 份额数量
	UsdcSize     float64    // 美元金额
	OutcomeIndex int        // 结果下标
	Title        string     // 市场标题（仅用于日志）
	Outcome      string     // 结果名称（仅用于日志）
	Timestamp    time.Time  // 链上成交时间
	ObservedAt   time.Time  // 本地观测时间
}

// Key 返回 (trader, market) 复制管道键
func (t *TradeEvent) Key() PipelineKey {
	return PipelineKey{Trader: t.TraderAddr, ConditionID: t.ConditionID}
}

// IsBuy 是否为买入
func (t *TradeEvent) IsBuy() bool {
	return t.Side == types.SideBuy
}

// Age 返回交易距观测的延迟
func (t *TradeEvent) Age() time.Duration {
	return t.ObservedAt.Sub(t.Timestamp)
}

// PipelineKey 复制管道键。同键交易严格串行处理，不同键并行。
type PipelineKey struct {
	Trader      string
	ConditionID string
}

func (k PipelineKey) String() string {
	return k.Trader + ":" + k.ConditionID
}

// NormalizeAddress 地址统一为小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidateTradeEvent 校验交易事件的完整性
func ValidateTradeEvent(t *TradeEvent) error {
	if t.TradeID == "" {
		return fmt.Errorf("交易缺少 trade ID")
	}
	if t.TraderAddr == "" {
		return fmt.Errorf("交易缺少交易员地址")
	}
	if t.ConditionID == "" || t.AssetID == "" {
		return fmt.Errorf("交易缺少市场标识: trade_id=%s", t.TradeID)
	}
	if t.Side != types.SideBuy && t.Side != types.SideSell {
		return fmt.Errorf("非法的交易方向 %q: trade_id=%s", t.Side, t.TradeID)
	}
	if t.Price <= 0 || t.Price >= 1 {
		return fmt.Errorf("价格超出 (0,1) 区间 %v: trade_id=%s", t.Price, t.TradeID)
	}
	if t.Size <= 0 {
		return fmt.Errorf("数量必须大于 0: trade_id=%s", t.TradeID)
	}
	return nil
}
