package client

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/ratelimit"
)

// 中继交易状态
const (
	RelayerStateNew       = "STATE_NEW"
	RelayerStateExecuted  = "STATE_EXECUTED"
	RelayerStateMined     = "STATE_MINED"
	RelayerStateConfirmed = "STATE_CONFIRMED"
	RelayerStateFailed    = "STATE_FAILED"
)

// SafeTransaction Safe 代理交易
type SafeTransaction struct {
	From      string `json:"from"`      // Safe 合约地址
	To        string `json:"to"`        // 目标合约
	Data      string `json:"data"`      // calldata（0x 前缀）
	Value     string `json:"value"`     // wei
	Operation int    `json:"operation"` // 0 = CALL, 1 = DELEGATECALL
	Signature string `json:"signature"` // Safe 所有者签名
}

// RelayerSubmitResponse 中继提交响应
type RelayerSubmitResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
}

// RelayerStatusResponse 中继状态查询响应
type RelayerStatusResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
}

// RelayerClient Polymarket 中继服务客户端（Safe 钱包的交易通道）
type RelayerClient struct {
	http        *resty.Client
	rateLimiter *ratelimit.RateLimitManager
	log         *logrus.Entry
}

// NewRelayerClient 创建中继客户端
func NewRelayerClient(relayerURL string) *RelayerClient {
	return &RelayerClient{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(relayerURL, "/")).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json"),
		rateLimiter: ratelimit.NewRateLimitManager(),
		log:         logger.WithField("component", "relayer_client"),
	}
}

// Submit 提交 Safe 代理交易
func (r *RelayerClient) Submit(ctx context.Context, tx *SafeTransaction) (*RelayerSubmitResponse, error) {
	if err := r.rateLimiter.Wait(ctx, "relayer:submit"); err != nil {
		return nil, errors.Wrap(err, "速率限制等待失败")
	}

	var result RelayerSubmitResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(tx).
		SetResult(&result).
		Post("/submit")
	if err != nil {
		return nil, errors.Wrap(err, "提交中继交易失败")
	}
	if resp.IsError() {
		return nil, errors.Errorf("中继拒绝交易: http %d body=%s", resp.StatusCode(), resp.String())
	}

	r.log.WithFields(map[string]interface{}{
		"transaction_id": result.TransactionID,
		"state":          result.State,
	}).Info("中继交易已提交")
	return &result, nil
}

// GetStatus 查询中继交易状态
func (r *RelayerClient) GetStatus(ctx context.Context, transactionID string) (*RelayerStatusResponse, error) {
	if err := r.rateLimiter.Wait(ctx, "relayer:status"); err != nil {
		return nil, errors.Wrap(err, "速率限制等待失败")
	}

	var result RelayerStatusResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("id", transactionID).
		SetResult(&result).
		Get("/transaction")
	if err != nil {
		return nil, errors.Wrap(err, "查询中继状态失败")
	}
	if resp.IsError() {
		return nil, errors.Errorf("查询中继状态失败: http %d", resp.StatusCode())
	}
	return &result, nil
}

// IsTerminalState 判断中继状态是否为终态
func IsTerminalState(state string) bool {
	switch state {
	case RelayerStateMined, RelayerStateConfirmed, RelayerStateFailed:
		return true
	}
	return false
}
