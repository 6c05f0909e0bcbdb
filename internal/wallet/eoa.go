package wallet

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/client"
	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/logger"
)

// EOAAdapter 私钥直签钱包。订单签名后直达交易所，
// 响应即终态，无链上确认环节。
type EOAAdapter struct {
	clob    *client.Client
	builder *client.OrderBuilder
	wctx    *domain.WalletContext
	log     *logrus.Entry
}

// NewEOAAdapter 创建 EOA 适配器
func NewEOAAdapter(clob *client.Client, builder *client.OrderBuilder, wctx *domain.WalletContext) *EOAAdapter {
	return &EOAAdapter{
		clob:    clob,
		builder: builder,
		wctx:    wctx,
		log:     logger.WithField("component", "wallet_eoa"),
	}
}

// Context 返回钱包上下文
func (a *EOAAdapter) Context() *domain.WalletContext {
	return a.wctx
}

// Submit 签名并提交订单
func (a *EOAAdapter) Submit(ctx context.Context, co *domain.CopyOrder) (*SubmitResult, error) {
	signed, err := buildOrder(ctx, a.builder, co)
	if err != nil {
		return nil, err
	}

	resp, err := a.clob.PostOrder(ctx, signed, types.OrderTypeFOK)
	if err != nil {
		return nil, err
	}

	size, price := parseFill(resp, co.Side)
	result := &SubmitResult{
		VenueOrderID: resp.OrderID,
		Status:       resp.Status,
		FilledSize:   size,
		FilledPrice:  price,
		TxHashes:     resp.TransactionHashes,
	}
	co.VenueOrderID = resp.OrderID

	a.log.WithFields(logrus.Fields{
		"order_id": co.OrderID,
		"venue_id": resp.OrderID,
		"status":   resp.Status,
	}).Info("EOA 订单已提交")
	return result, nil
}
