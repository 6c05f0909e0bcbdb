package client

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/betbot/copytrader/clob/types"
)

const dataPageLimit = 500

// GetPositions 从 data-api 拉取指定地址的全部持仓
func (c *Client) GetPositions(ctx context.Context, user string) ([]types.DataPosition, error) {
	var all []types.DataPosition
	offset := 0

	for {
		if err := c.rateLimiter.Wait(ctx, "data:general"); err != nil {
			return nil, errors.Wrap(err, "速率限制等待失败")
		}

		var page []types.DataPosition
		resp, err := c.dataHTTP.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":   user,
				"limit":  strconv.Itoa(dataPageLimit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get(EndpointDataPositions)
		if err != nil {
			return nil, errors.Wrap(err, "查询持仓失败")
		}
		if resp.IsError() {
			return nil, errors.Errorf("查询持仓失败: http %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < dataPageLimit {
			return all, nil
		}
		offset += dataPageLimit
	}
}

// GetActivity 从 data-api 拉取指定地址 since 时间戳之后的交易活动。
// 用于首次启动的历史标记和断线重连后的对账。
func (c *Client) GetActivity(ctx context.Context, user string, since int64) ([]types.Activity, error) {
	var all []types.Activity
	offset := 0

	for {
		if err := c.rateLimiter.Wait(ctx, "data:activity:get"); err != nil {
			return nil, errors.Wrap(err, "速率限制等待失败")
		}

		params := map[string]string{
			"user":   user,
			"type":   "TRADE",
			"limit":  strconv.Itoa(dataPageLimit),
			"offset": strconv.Itoa(offset),
		}
		if since > 0 {
			params["start"] = strconv.FormatInt(since, 10)
		}

		var page []types.Activity
		resp, err := c.dataHTTP.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&page).
			Get(EndpointDataActivity)
		if err != nil {
			return nil, errors.Wrap(err, "查询活动历史失败")
		}
		if resp.IsError() {
			return nil, errors.Errorf("查询活动历史失败: http %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < dataPageLimit {
			return all, nil
		}
		offset += dataPageLimit
	}
}
