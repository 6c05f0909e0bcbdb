package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/betbot/copytrader/clob/types"
)

// OrderData 用于签名的订单数据
type OrderData struct {
	Salt          int64
	Maker         string
	Signer        string
	Taker         string
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          types.Side
	SignatureType types.SignatureType
}

// BuildOrderSignature 构建订单的 EIP712 签名。
// domain name 固定为 "Polymarket CTF Exchange"，verifyingContract 为交易所合约地址。
func BuildOrderSignature(
	privateKey *ecdsa.PrivateKey,
	chainID types.Chain,
	exchangeAddress string,
	orderData *OrderData,
) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: exchangeAddress,
	}

	typeDefs := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Order": {
			{Name: "salt", Type: "uint256"},
			{Name: "maker", Type: "address"},
			{Name: "signer", Type: "address"},
			{Name: "taker", Type: "address"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "makerAmount", Type: "uint256"},
			{Name: "takerAmount", Type: "uint256"},
			{Name: "expiration", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "feeRateBps", Type: "uint256"},
			{Name: "side", Type: "uint8"},
			{Name: "signatureType", Type: "uint8"},
		},
	}

	// 合约枚举：BUY = 0, SELL = 1
	sideUint8 := int64(1)
	if orderData.Side == types.SideBuy {
		sideUint8 = 0
	}

	message := map[string]interface{}{
		"salt":          big.NewInt(orderData.Salt),
		"maker":         common.HexToAddress(orderData.Maker).Hex(),
		"signer":        common.HexToAddress(orderData.Signer).Hex(),
		"taker":         common.HexToAddress(orderData.Taker).Hex(),
		"tokenId":       orderData.TokenID,
		"makerAmount":   orderData.MakerAmount,
		"takerAmount":   orderData.TakerAmount,
		"expiration":    orderData.Expiration,
		"nonce":         orderData.Nonce,
		"feeRateBps":    orderData.FeeRateBps,
		"side":          big.NewInt(sideUint8),
		"signatureType": big.NewInt(int64(orderData.SignatureType)),
	}

	typedData := apitypes.TypedData{
		Types:       typeDefs,
		PrimaryType: "Order",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("计算 EIP712 哈希失败: %w", err)
	}

	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}

	return "0x" + common.Bytes2Hex(signature), nil
}

// SignDigest 对已经哈希过的 digest 直接签名，v 值调整为 {27,28}。
// Safe 中继的交易哈希签名使用此方法。
func SignDigest(privateKey *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) == 0 {
		return nil, fmt.Errorf("digest 为空")
	}
	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, err
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
