package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/clob/signing"
	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/pkg/cache"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/ratelimit"
)

// API 端点
const (
	EndpointTime             = "/time"
	EndpointCreateAPIKey     = "/auth/api-key"
	EndpointDeriveAPIKey     = "/auth/derive-api-key"
	EndpointPostOrder        = "/order"
	EndpointCancelOrder      = "/order"
	EndpointGetOrder         = "/data/order/"
	EndpointTickSize         = "/tick-size"
	EndpointNegRisk          = "/neg-risk"
	EndpointBalanceAllowance = "/balance-allowance"

	// data-api 端点
	EndpointDataPositions = "/positions"
	EndpointDataActivity  = "/activity"
)

// AuthConfig 认证配置
type AuthConfig struct {
	PrivateKey *ecdsa.PrivateKey
	ChainID    types.Chain
	Creds      *types.ApiKeyCreds
}

// Client CLOB 客户端。封装 CLOB API 与 data-api 两个 REST 服务，
// 所有请求经过各端点独立的速率限制。
type Client struct {
	host        string
	dataHost    string
	chainID     types.Chain
	authConfig  *AuthConfig
	http        *resty.Client
	dataHTTP    *resty.Client
	rateLimiter *ratelimit.RateLimitManager
	log         *logrus.Entry

	// 市场元数据缓存。多条复制管道并发构建订单，需并发安全
	tickSizes *cache.InMemoryCache[string, types.TickSize]
	negRisk   *cache.InMemoryCache[string, bool]
}

// NewClient 创建 CLOB 客户端
func NewClient(host, dataHost string, chainID types.Chain, privateKey *ecdsa.PrivateKey, creds *types.ApiKeyCreds) *Client {
	newResty := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimSuffix(base, "/")).
			SetTimeout(30 * time.Second).
			SetRetryCount(0). // 重试由上层执行协调器统一控制
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "copytrader/1.0")
	}

	return &Client{
		host:     strings.TrimSuffix(host, "/"),
		dataHost: strings.TrimSuffix(dataHost, "/"),
		chainID:  chainID,
		authConfig: &AuthConfig{
			PrivateKey: privateKey,
			ChainID:    chainID,
			Creds:      creds,
		},
		http:        newResty(host),
		dataHTTP:    newResty(dataHost),
		rateLimiter: ratelimit.NewRateLimitManager(),
		log:         logger.WithField("component", "clob_client"),
		tickSizes:   cache.NewInMemoryCache[string, types.TickSize](time.Hour),
		negRisk:     cache.NewInMemoryCache[string, bool](time.Hour),
	}
}

// GetChainID 获取链 ID
func (c *Client) GetChainID() types.Chain {
	return c.chainID
}

// SignerAddress 返回签名者地址
func (c *Client) SignerAddress() string {
	return signing.AddressFromPrivateKey(c.authConfig.PrivateKey).Hex()
}

// CanL1Auth 检查是否可以进行 L1 认证
func (c *Client) CanL1Auth() error {
	if c.authConfig == nil || c.authConfig.PrivateKey == nil {
		return errors.New("未配置私钥，无法进行 L1 认证")
	}
	return nil
}

// CanL2Auth 检查是否可以进行 L2 认证
func (c *Client) CanL2Auth() error {
	if err := c.CanL1Auth(); err != nil {
		return err
	}
	if c.authConfig.Creds == nil || c.authConfig.Creds.Key == "" {
		return errors.New("未配置 API 密钥，无法进行 L2 认证")
	}
	return nil
}

// SetCreds 设置 API 密钥凭证
func (c *Client) SetCreds(creds *types.ApiKeyCreds) {
	c.authConfig.Creds = creds
}

// CreateOrDeriveAPIKey 创建或派生 API 密钥。
// 先尝试派生已有密钥，不存在时创建新密钥。
func (c *Client) CreateOrDeriveAPIKey(ctx context.Context) (*types.ApiKeyCreds, error) {
	if err := c.CanL1Auth(); err != nil {
		return nil, err
	}

	if creds, err := c.deriveAPIKey(ctx); err == nil {
		return creds, nil
	}
	return c.createAPIKey(ctx)
}

func (c *Client) deriveAPIKey(ctx context.Context) (*types.ApiKeyCreds, error) {
	headers, err := signing.CreateL1Headers(c.authConfig.PrivateKey, c.chainID, 0)
	if err != nil {
		return nil, err
	}

	var raw types.ApiKeyRaw
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers.ToMap()).
		SetResult(&raw).
		Get(EndpointDeriveAPIKey)
	if err != nil {
		return nil, errors.Wrap(err, "派生 API 密钥请求失败")
	}
	if resp.IsError() || raw.ApiKey == "" {
		return nil, fmt.Errorf("派生 API 密钥失败: http %d", resp.StatusCode())
	}

	return &types.ApiKeyCreds{Key: raw.ApiKey, Secret: raw.Secret, Passphrase: raw.Passphrase}, nil
}

func (c *Client) createAPIKey(ctx context.Context) (*types.ApiKeyCreds, error) {
	headers, err := signing.CreateL1Headers(c.authConfig.PrivateKey, c.chainID, 0)
	if err != nil {
		return nil, err
	}

	var raw types.ApiKeyRaw
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers.ToMap()).
		SetResult(&raw).
		Post(EndpointCreateAPIKey)
	if err != nil {
		return nil, errors.Wrap(err, "创建 API 密钥请求失败")
	}
	if resp.IsError() || raw.ApiKey == "" {
		return nil, fmt.Errorf("创建 API 密钥失败: http %d body=%s", resp.StatusCode(), resp.String())
	}

	return &types.ApiKeyCreds{Key: raw.ApiKey, Secret: raw.Secret, Passphrase: raw.Passphrase}, nil
}

// l2Headers 为请求生成 L2 认证头
func (c *Client) l2Headers(method, path string, body interface{}) (map[string]string, string, error) {
	var bodyStr *string
	serialized := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", errors.Wrap(err, "序列化请求体失败")
		}
		serialized = string(b)
		bodyStr = &serialized
	}

	headers, err := signing.CreateL2Headers(c.authConfig.PrivateKey, c.authConfig.Creds, &types.L2HeaderArgs{
		Method:      method,
		RequestPath: path,
		Body:        bodyStr,
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "创建 L2 认证头失败")
	}
	return headers.ToMap(), serialized, nil
}
