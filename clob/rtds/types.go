package rtds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WebSocketURL Polymarket 实时数据服务地址
const WebSocketURL = "wss://ws-live-data.polymarket.com"

// Number RTDS 的数值字段可能是 JSON number 也可能是字符串
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*n = Number(num.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = Number(s)
		return nil
	}
	return fmt.Errorf("无法解析 %s 为 Number", string(b))
}

func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

// Float64 解析为 float64，空值返回 0
func (n Number) Float64() (float64, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Message RTDS 下发的消息
type Message struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
	ConnectionID string          `json:"connection_id,omitempty"`
}

// SubscriptionAction 订阅管理动作
type SubscriptionAction string

const (
	ActionSubscribe   SubscriptionAction = "subscribe"
	ActionUnsubscribe SubscriptionAction = "unsubscribe"
)

// Subscription 一条订阅配置
type Subscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters,omitempty"`
}

// SubscriptionRequest 订阅/退订请求
type SubscriptionRequest struct {
	Action        SubscriptionAction `json:"action"`
	Subscriptions []Subscription     `json:"subscriptions"`
}

// TradeActivity activity 主题下的一笔交易。
// 字段与 data-api 的活动记录一致（camelCase）。
type TradeActivity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	Name            string  `json:"name"`
	TransactionHash string  `json:"transactionHash"`
}

// UsdcSize 交易的美元金额
func (t *TradeActivity) UsdcSize() float64 {
	return t.Size * t.Price
}

// MessageHandler 主题消息处理函数
type MessageHandler func(message *Message) error
