package types

// MarketOrderArgs 市价单参数
type MarketOrderArgs struct {
	// TokenID 条件代币资产 ID
	TokenID string

	// Price 限价（市价单取盘口价附近）
	Price float64

	// Amount 数量
	// BUY 订单: 美元金额（USDC）
	// SELL 订单: 份额数量
	Amount float64

	// Side 订单方向
	Side Side

	// FeeRateBps 手续费率（基点）
	FeeRateBps int

	// Nonce 用于链上取消订单的 nonce
	Nonce int64

	// Taker 订单接受者地址，空表示公开订单
	Taker string
}

// SignedOrder 已签名的订单
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          Side   `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// NewOrder 提交订单的请求体
type NewOrder struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse 订单提交响应
type OrderResponse struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	TransactionHashes []string `json:"transactionsHashes"`
	Status            string   `json:"status"`
	TakingAmount      string   `json:"takingAmount"`
	MakingAmount      string   `json:"makingAmount"`
}

// OpenOrder 订单查询响应
type OpenOrder struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Owner           string   `json:"owner"`
	MakerAddress    string   `json:"maker_address"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Price           string   `json:"price"`
	AssociateTrades []string `json:"associate_trades"`
	Outcome         string   `json:"outcome"`
	CreatedAt       int64    `json:"created_at"`
	Expiration      string   `json:"expiration"`
	OrderType       string   `json:"order_type"`
}

// BalanceAllowance 余额与授权额度
type BalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// TickSizeResponse tick size 查询响应
type TickSizeResponse struct {
	MinimumTickSize string `json:"minimum_tick_size"`
}

// NegRiskResponse neg risk 查询响应
type NegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}
