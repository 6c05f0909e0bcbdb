package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OrderError 交易所返回的订单错误
type OrderError struct {
	StatusCode int    // HTTP 状态码（0 表示网络层错误）
	Code       string // 交易所错误码（可能为空）
	Message    string // 错误消息
}

func (e *OrderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("订单错误 [%s]: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("订单错误: %s (http %d)", e.Message, e.StatusCode)
}

// 交易所常见错误码
const (
	ErrCodeInvalidOrder        = "INVALID_ORDER"
	ErrCodeNotEnoughBalance    = "INVALID_ORDER_NOT_ENOUGH_BALANCE"
	ErrCodeMinSize             = "INVALID_ORDER_MIN_SIZE"
	ErrCodeMinTickSize         = "INVALID_ORDER_MIN_TICK_SIZE"
	ErrCodeDuplicated          = "INVALID_ORDER_DUPLICATED"
	ErrCodeExpiration          = "INVALID_ORDER_EXPIRATION"
	ErrCodeMarketNotReady      = "MARKET_NOT_READY"
	ErrCodeFOKNotFilled        = "FOK_ORDER_NOT_FILLED_ERROR"
	ErrCodeDelayingOrder       = "DELAYING_ORDER_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeOrderbookingTimeout = "ORDER_DELAYED"
)

// permanentCodes 重试无意义的错误码集合
var permanentCodes = map[string]bool{
	ErrCodeInvalidOrder:     true,
	ErrCodeNotEnoughBalance: true,
	ErrCodeMinSize:          true,
	ErrCodeMinTickSize:      true,
	ErrCodeDuplicated:       true,
	ErrCodeExpiration:       true,
}

// IsTransient 判断订单错误是否可重试。
// 资金不足、订单非法等确定性失败重试无意义；
// 网络错误、限流、5xx、撮合延迟等是临时状况。
func (e *OrderError) IsTransient() bool {
	if e.Code != "" {
		if permanentCodes[e.Code] {
			return false
		}
		switch e.Code {
		case ErrCodeMarketNotReady, ErrCodeDelayingOrder, ErrCodeOrderbookingTimeout, ErrCodeExecution, ErrCodeFOKNotFilled:
			return true
		}
	}

	// 原版按消息内容兜底判断：余额/授权不足直接放弃
	if IsInsufficientBalanceMessage(e.Message) {
		return false
	}

	switch {
	case e.StatusCode == 0:
		return true // 网络层错误
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode >= 400:
		return false // 其余 4xx 属于请求本身的问题
	}
	return true
}

// IsInsufficientBalanceMessage 判断错误消息是否为余额/授权不足
func IsInsufficientBalanceMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not enough balance") || strings.Contains(lower, "allowance")
}

// IsTransientError 判断任意错误是否可重试。
// 非 OrderError 的错误（网络超时、连接重置等）一律视为临时。
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.IsTransient()
	}
	return true
}
