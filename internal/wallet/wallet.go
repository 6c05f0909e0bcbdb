package wallet

import (
	"context"
	"errors"
	"strconv"

	"github.com/betbot/copytrader/clob/client"
	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
)

// ErrConfirmationTimeout Safe 链上确认超时。属于临时失败：
// 交易可能仍在打包，重试时凭记住的中继交易 ID 继续轮询而不是重新提交。
var ErrConfirmationTimeout = errors.New("链上确认超时")

// SubmitResult 订单提交结果
type SubmitResult struct {
	VenueOrderID string
	Status       string
	FilledSize   float64
	FilledPrice  float64
	TxHashes     []string
}

// Filled 订单是否已成交
func (r *SubmitResult) Filled() bool {
	switch r.Status {
	case "matched", "mined", "confirmed":
		return true
	}
	return false
}

// Adapter 钱包执行适配器。屏蔽 EOA 与 Safe 的签名/提交差异，
// 上层执行协调器对两种模式使用同一套重试逻辑。
type Adapter interface {
	// Context 返回钱包上下文（只读）
	Context() *domain.WalletContext

	// Submit 签名并提交复制订单。实现可修改 co 上的执行痕迹字段
	// （VenueOrderID、RelayerTxID），供重试时复用。
	Submit(ctx context.Context, co *domain.CopyOrder) (*SubmitResult, error)
}

// parseFill 从订单响应解析成交数量与价格
func parseFill(resp *types.OrderResponse, side types.Side) (size, price float64) {
	making, _ := strconv.ParseFloat(resp.MakingAmount, 64)
	taking, _ := strconv.ParseFloat(resp.TakingAmount, 64)

	// BUY: making 是美元，taking 是份额；SELL 相反
	if side == types.SideBuy {
		size = taking
		if taking > 0 {
			price = making / taking
		}
	} else {
		size = making
		if making > 0 {
			price = taking / making
		}
	}
	return size, price
}

// buildOrder 构建并签名订单（两种适配器共用）
func buildOrder(ctx context.Context, builder *client.OrderBuilder, co *domain.CopyOrder) (*types.SignedOrder, error) {
	return builder.BuildMarketOrder(ctx, &types.MarketOrderArgs{
		TokenID: co.AssetID,
		Price:   co.Price,
		Amount:  co.Amount(),
		Side:    co.Side,
	})
}
