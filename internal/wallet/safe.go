package wallet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/client"
	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
)

// SafeAdapter Gnosis Safe 代理钱包。订单以 GNOSIS_SAFE 签名类型提交，
// 成交结算由中继代为上链，需轮询链上确认。
// 确认轮询有独立于重试退避的超时：超时返回 ErrConfirmationTimeout（临时失败），
// 中继交易 ID 记在订单上，重试时继续轮询而不是重复提交。
type SafeAdapter struct {
	clob    *client.Client
	relayer *client.RelayerClient
	builder *client.OrderBuilder
	wctx    *domain.WalletContext
	cfg     config.SafeConfig
	log     *logrus.Entry
}

// NewSafeAdapter 创建 Safe 适配器
func NewSafeAdapter(clob *client.Client, relayer *client.RelayerClient, builder *client.OrderBuilder, wctx *domain.WalletContext, cfg config.SafeConfig) *SafeAdapter {
	return &SafeAdapter{
		clob:    clob,
		relayer: relayer,
		builder: builder,
		wctx:    wctx,
		cfg:     cfg,
		log:     logger.WithField("component", "wallet_safe"),
	}
}

// Context 返回钱包上下文
func (a *SafeAdapter) Context() *domain.WalletContext {
	return a.wctx
}

// Submit 提交订单并等待链上确认。
// co.RelayerTxID 非空说明上次提交已进入中继，只需继续轮询。
func (a *SafeAdapter) Submit(ctx context.Context, co *domain.CopyOrder) (*SubmitResult, error) {
	if co.RelayerTxID != "" {
		a.log.WithFields(logrus.Fields{
			"order_id":      co.OrderID,
			"relayer_tx_id": co.RelayerTxID,
		}).Info("继续轮询上次提交的中继交易")
		return a.awaitConfirmation(ctx, co, &SubmitResult{VenueOrderID: co.VenueOrderID})
	}

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

	// 交易所返回结算交易哈希后轮询链上确认
	if len(resp.TransactionHashes) > 0 {
		co.RelayerTxID = resp.TransactionHashes[0]
		return a.awaitConfirmation(ctx, co, result)
	}
	return result, nil
}

// awaitConfirmation 轮询中继直到终态或超时
func (a *SafeAdapter) awaitConfirmation(ctx context.Context, co *domain.CopyOrder, result *SubmitResult) (*SubmitResult, error) {
	deadline := time.Now().Add(a.cfg.PollTimeout)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			a.log.WithFields(logrus.Fields{
				"order_id":      co.OrderID,
				"relayer_tx_id": co.RelayerTxID,
			}).Warn("链上确认超时，保留中继交易 ID 等待重试")
			return nil, ErrConfirmationTimeout
		}

		status, err := a.relayer.GetStatus(ctx, co.RelayerTxID)
		if err != nil {
			a.log.Debugf("中继状态查询失败（继续轮询）: %v", err)
			continue
		}

		if !client.IsTerminalState(status.State) {
			continue
		}

		if status.State == client.RelayerStateFailed {
			co.RelayerTxID = "" // 失败的交易不可复用
			// 链上回滚的交易重试不会成功，按永久失败处理
				return nil, &types.OrderError{StatusCode: 400, Message: "中继交易执行失败: " + status.Error}
		}

		result.Status = "confirmed"
		a.log.WithFields(logrus.Fields{
			"order_id": co.OrderID,
			"tx_hash":  status.TransactionHash,
			"state":    status.State,
		}).Info("Safe 订单链上确认完成")
		return result, nil
	}
}
