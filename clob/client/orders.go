package client

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/betbot/copytrader/clob/types"
)

// PostOrder 提交已签名订单。
// 交易所拒单时返回 *types.OrderError，上层据此区分临时/永久失败。
func (c *Client) PostOrder(ctx context.Context, order *types.SignedOrder, orderType types.OrderType) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:post"); err != nil {
		return nil, errors.Wrap(err, "速率限制等待失败")
	}

	payload := types.NewOrder{
		Order:     *order,
		Owner:     c.authConfig.Creds.Key,
		OrderType: orderType,
	}

	headers, body, err := c.l2Headers("POST", EndpointPostOrder, payload)
	if err != nil {
		return nil, err
	}

	var orderResp types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&orderResp).
		Post(EndpointPostOrder)
	if err != nil {
		return nil, &types.OrderError{StatusCode: 0, Message: err.Error()}
	}

	if resp.IsError() {
		oe := &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
		// 交易所错误体格式不固定：{"error": "..."} 或 {"errorMsg": "..."}
		var errBody struct {
			Error    string `json:"error"`
			ErrorMsg string `json:"errorMsg"`
		}
		if json.Unmarshal(resp.Body(), &errBody) == nil {
			if errBody.ErrorMsg != "" {
				oe.Message = errBody.ErrorMsg
			} else if errBody.Error != "" {
				oe.Message = errBody.Error
			}
		}
		c.log.WithFields(map[string]interface{}{
			"status": resp.StatusCode(),
			"error":  oe.Message,
		}).Warn("订单被交易所拒绝")
		return nil, oe
	}

	if !orderResp.Success && orderResp.ErrorMsg != "" {
		return nil, &types.OrderError{StatusCode: resp.StatusCode(), Message: orderResp.ErrorMsg}
	}

	c.log.WithFields(map[string]interface{}{
		"order_id": orderResp.OrderID,
		"status":   orderResp.Status,
	}).Info("订单提交成功")
	return &orderResp, nil
}

// GetOrder 查询订单状态
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:get"); err != nil {
		return nil, errors.Wrap(err, "速率限制等待失败")
	}

	path := EndpointGetOrder + orderID
	headers, _, err := c.l2Headers("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var order types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&order).
		Get(path)
	if err != nil {
		return nil, errors.Wrap(err, "查询订单失败")
	}
	if resp.IsError() {
		return nil, &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return &order, nil
}

// CancelOrder 取消订单
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.CanL2Auth(); err != nil {
		return err
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:post"); err != nil {
		return errors.Wrap(err, "速率限制等待失败")
	}

	payload := map[string]string{"orderID": orderID}
	headers, body, err := c.l2Headers("DELETE", EndpointCancelOrder, payload)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Delete(EndpointCancelOrder)
	if err != nil {
		return errors.Wrap(err, "取消订单失败")
	}
	if resp.IsError() {
		return &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

// GetBalanceAllowance 查询抵押品余额与授权额度
func (c *Client) GetBalanceAllowance(ctx context.Context, assetType types.AssetType, tokenID string) (*types.BalanceAllowance, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:get"); err != nil {
		return nil, errors.Wrap(err, "速率限制等待失败")
	}

	params := map[string]string{
		"asset_type":     string(assetType),
		"signature_type": strconv.Itoa(int(types.SignatureTypeEOA)),
	}
	if tokenID != "" {
		params["token_id"] = tokenID
	}

	headers, _, err := c.l2Headers("GET", EndpointBalanceAllowance, nil)
	if err != nil {
		return nil, err
	}

	var ba types.BalanceAllowance
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&ba).
		Get(EndpointBalanceAllowance)
	if err != nil {
		return nil, errors.Wrap(err, "查询余额失败")
	}
	if resp.IsError() {
		return nil, &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return &ba, nil
}

// GetTickSize 查询市场 tick size（带缓存）
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	if ts, ok := c.tickSizes.Get(tokenID); ok {
		return ts, nil
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:get"); err != nil {
		return "", errors.Wrap(err, "速率限制等待失败")
	}

	var result types.TickSizeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get(EndpointTickSize)
	if err != nil {
		return "", errors.Wrap(err, "查询 tick size 失败")
	}
	if resp.IsError() {
		return "", &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	ts := types.TickSize(result.MinimumTickSize)
	c.tickSizes.Set(tokenID, ts, 0)
	return ts, nil
}

// GetNegRisk 查询市场是否为 neg risk（带缓存）
func (c *Client) GetNegRisk(ctx context.Context, tokenID string) (bool, error) {
	if nr, ok := c.negRisk.Get(tokenID); ok {
		return nr, nil
	}
	if err := c.rateLimiter.Wait(ctx, "clob:order:get"); err != nil {
		return false, errors.Wrap(err, "速率限制等待失败")
	}

	var result types.NegRiskResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get(EndpointNegRisk)
	if err != nil {
		return false, errors.Wrap(err, "查询 neg risk 失败")
	}
	if resp.IsError() {
		return false, &types.OrderError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	c.negRisk.Set(tokenID, result.NegRisk, 0)
	return result.NegRisk, nil
}
