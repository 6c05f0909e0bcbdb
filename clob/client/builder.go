package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/copytrader/clob/signing"
	"github.com/betbot/copytrader/clob/types"
)

// CollateralTokenDecimals USDC 精度
const CollateralTokenDecimals = 6

// RoundConfig 各 tick size 下的舍入位数
type RoundConfig struct {
	Price  int32 // 价格小数位数
	Size   int32 // 数量小数位数
	Amount int32 // 金额小数位数
}

var roundingConfig = map[types.TickSize]RoundConfig{
	types.TickSize01:    {Price: 1, Size: 2, Amount: 3},
	types.TickSize001:   {Price: 2, Size: 2, Amount: 4},
	types.TickSize0001:  {Price: 3, Size: 2, Amount: 5},
	types.TickSize00001: {Price: 4, Size: 2, Amount: 6},
}

// OrderBuilder 订单构建器。
// signatureType 决定签名模式：EOA 直接签名，GnosisSafe 下 maker 为 Safe 合约地址。
type OrderBuilder struct {
	client        *Client
	signatureType types.SignatureType
	funderAddress string
	exchangeAddr  string
}

// NewOrderBuilder 创建订单构建器
func NewOrderBuilder(client *Client, signatureType types.SignatureType, funderAddress, exchangeAddr string) *OrderBuilder {
	return &OrderBuilder{
		client:        client,
		signatureType: signatureType,
		funderAddress: funderAddress,
		exchangeAddr:  exchangeAddr,
	}
}

// BuildMarketOrder 构建并签名市价单。
// BUY 时 Amount 为美元金额，SELL 时 Amount 为份额数量。
func (ob *OrderBuilder) BuildMarketOrder(ctx context.Context, args *types.MarketOrderArgs) (*types.SignedOrder, error) {
	if args.Price <= 0 {
		return nil, errors.New("订单价格必须大于 0")
	}
	if args.Amount <= 0 {
		return nil, errors.New("订单数量必须大于 0")
	}

	tickSize, err := ob.client.GetTickSize(ctx, args.TokenID)
	if err != nil {
		return nil, errors.Wrap(err, "获取 tick size 失败")
	}
	round, ok := roundingConfig[tickSize]
	if !ok {
		return nil, fmt.Errorf("不支持的 tick size: %s", tickSize)
	}

	signer := ob.client.SignerAddress()
	maker := signer
	if ob.funderAddress != "" {
		maker = ob.funderAddress
	}

	price := decimal.NewFromFloat(args.Price).Round(round.Price)
	makerAmt, takerAmt, err := rawOrderAmounts(args.Side, decimal.NewFromFloat(args.Amount), price, round)
	if err != nil {
		return nil, err
	}

	// 转换为 USDC 最小单位（1e6）
	scale := decimal.New(1, CollateralTokenDecimals)
	makerUnits := makerAmt.Mul(scale).Truncate(0).BigInt()
	takerUnits := takerAmt.Mul(scale).Truncate(0).BigInt()

	tokenID, ok := new(big.Int).SetString(args.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("非法的 token ID: %s", args.TokenID)
	}

	taker := types.ZeroAddress
	if args.Taker != "" {
		taker = args.Taker
	}

	salt, err := randomSalt()
	if err != nil {
		return nil, errors.Wrap(err, "生成 salt 失败")
	}

	orderData := &signing.OrderData{
		Salt:          salt,
		Maker:         maker,
		Signer:        signer,
		Taker:         taker,
		TokenID:       tokenID,
		MakerAmount:   makerUnits,
		TakerAmount:   takerUnits,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(args.Nonce),
		FeeRateBps:    big.NewInt(int64(args.FeeRateBps)),
		Side:          args.Side,
		SignatureType: ob.signatureType,
	}

	sig, err := signing.BuildOrderSignature(
		ob.client.authConfig.PrivateKey,
		ob.client.GetChainID(),
		ob.exchangeAddr,
		orderData,
	)
	if err != nil {
		return nil, errors.Wrap(err, "订单签名失败")
	}

	return &types.SignedOrder{
		Salt:          salt,
		Maker:         maker,
		Signer:        signer,
		Taker:         taker,
		TokenID:       args.TokenID,
		MakerAmount:   makerUnits.String(),
		TakerAmount:   takerUnits.String(),
		Expiration:    "0",
		Nonce:         fmt.Sprintf("%d", args.Nonce),
		FeeRateBps:    fmt.Sprintf("%d", args.FeeRateBps),
		Side:          args.Side,
		SignatureType: int(ob.signatureType),
		Signature:     sig,
	}, nil
}

// rawOrderAmounts 计算 maker/taker 金额。
// BUY: maker 出美元（amount），taker 收份额（amount/price）
// SELL: maker 出份额（amount），taker 收美元（amount*price）
func rawOrderAmounts(side types.Side, amount, price decimal.Decimal, round RoundConfig) (decimal.Decimal, decimal.Decimal, error) {
	switch side {
	case types.SideBuy:
		makerAmt := amount.Round(round.Amount)
		takerAmt := makerAmt.DivRound(price, round.Size)
		return makerAmt, takerAmt, nil
	case types.SideSell:
		makerAmt := amount.Round(round.Size)
		takerAmt := makerAmt.Mul(price).RoundDown(round.Amount)
		return makerAmt, takerAmt, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("未知的订单方向: %s", side)
	}
}

// randomSalt 生成随机 salt（非负 int64）
func randomSalt() (int64, error) {
	max := new(big.Int).SetInt64(1<<62 - 1)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
