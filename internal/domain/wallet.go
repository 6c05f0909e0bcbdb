package domain

import (
	"github.com/betbot/copytrader/clob/types"
)

// WalletKind 钱包执行模式
type WalletKind string

const (
	WalletEOA  WalletKind = "EOA"  // 私钥直接签名，订单直达交易所
	WalletSafe WalletKind = "SAFE" // Safe 代理钱包，经中继执行并轮询链上确认
)

// WalletContext 操作员钱包上下文。启动时构建一次，全程只读。
type WalletContext struct {
	Kind          WalletKind
	SignerAddress string // 签名者（EOA）地址
	FunderAddress string // 资金地址（Safe 模式下为 Safe 合约地址）
	SignatureType types.SignatureType
}

// MakerAddress 订单的 maker 地址
func (w *WalletContext) MakerAddress() string {
	if w.FunderAddress != "" {
		return w.FunderAddress
	}
	return w.SignerAddress
}

// NewWalletContext 根据钱包类型构建上下文
func NewWalletContext(kind WalletKind, signerAddr, funderAddr string) *WalletContext {
	sigType := types.SignatureTypeEOA
	if kind == WalletSafe {
		sigType = types.SignatureTypeGnosisSafe
	}
	return &WalletContext{
		Kind:          kind,
		SignerAddress: NormalizeAddress(signerAddr),
		FunderAddress: NormalizeAddress(funderAddr),
		SignatureType: sigType,
	}
}
