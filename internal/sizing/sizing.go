package sizing

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/logger"
)

// Inputs 计算订单金额所需的账户快照
type Inputs struct {
	AvailableBalance   float64 // 可用 USDC 余额
	CurrentPositionUSD float64 // 当前市场已持仓金额（成本）
	DeployedCapitalUSD float64 // 全账户已部署资金（Adaptive 用）
	RecentSlippage     float64 // 近期平均滑点（比例，Adaptive 用）
}

// Result 金额计算结果
type Result struct {
	BaseUsdc         float64 // 策略基础金额
	FinalUsdc        float64 // 封顶后的最终金额
	BelowMinimum     bool    // 低于最小可成交金额（进聚合缓冲）
	CappedByMax      bool    // 触发单笔上限
	ReducedByBalance bool    // 被余额压缩
	PositionLimited  bool    // 触发持仓上限
	Reasoning        string  // 计算过程说明（仅用于日志）
}

// Engine 订单金额计算引擎。
// 策略是封闭集合：新增策略需要在 computeBase 的 switch 中穷举。
type Engine struct {
	cfg      config.StrategyConfig
	minOrder float64
	log      *logrus.Entry
}

// NewEngine 创建金额计算引擎
func NewEngine(cfg config.StrategyConfig, minTradableSize float64) *Engine {
	return &Engine{
		cfg:      cfg,
		minOrder: minTradableSize,
		log:      logger.WithField("component", "sizing"),
	}
}

// ComputeBuy 计算买入复制金额。
// 先按策略算基础金额，再依次应用乘数、单笔上限、持仓上限、余额保留。
func (e *Engine) ComputeBuy(trade *domain.TradeEvent, in Inputs) (Result, error) {
	base, reasoning, err := e.computeBase(trade, in)
	if err != nil {
		return Result{}, err
	}

	final := base * e.multiplier()
	if e.multiplier() != 1.0 {
		reasoning += fmt.Sprintf(" → %gx 乘数 = $%.2f", e.multiplier(), final)
	}

	res := Result{BaseUsdc: base}

	if e.cfg.MaxOrderSize > 0 && final > e.cfg.MaxOrderSize {
		final = e.cfg.MaxOrderSize
		res.CappedByMax = true
		reasoning += fmt.Sprintf(" → 单笔上限 $%g", e.cfg.MaxOrderSize)
	}

	if e.cfg.MaxPositionUSD > 0 {
		if allowed := e.cfg.MaxPositionUSD - in.CurrentPositionUSD; final > allowed {
			if allowed < e.minOrder {
				final = 0
				res.PositionLimited = true
				reasoning += " → 持仓已达上限"
			} else {
				final = allowed
				res.PositionLimited = true
				reasoning += fmt.Sprintf(" → 压缩至持仓上限剩余额度 $%.2f", allowed)
			}
		}
	}

	// 保留 1% 余额，避免手续费导致余额穿底
	maxAffordable := in.AvailableBalance * 0.99
	if final > maxAffordable {
		final = maxAffordable
		res.ReducedByBalance = true
		reasoning += fmt.Sprintf(" → 按余额压缩至 $%.2f", maxAffordable)
	}

	if final < e.minOrder {
		res.BelowMinimum = true
		reasoning += fmt.Sprintf(" → 低于最小可成交金额 $%g", e.minOrder)
	}

	res.FinalUsdc = final
	res.Reasoning = reasoning

	e.log.WithFields(logrus.Fields{
		"trade_id": trade.TradeID,
		"base":     base,
		"final":    final,
	}).Debug(reasoning)
	return res, nil
}

// ComputeSellShares 计算卖出份额：按交易员卖出占其持仓的比例，
// 等比例缩减操作员持仓。交易员持仓未知时全部卖出。
func (e *Engine) ComputeSellShares(operatorShares, traderSellSize, traderPosition float64) float64 {
	if operatorShares <= 0 {
		return 0
	}
	if traderPosition <= 0 {
		return operatorShares
	}
	ratio := traderSellSize / traderPosition
	if ratio >= 1 {
		return operatorShares
	}
	return operatorShares * ratio
}

// computeBase 按策略计算基础金额（策略变体在此穷举）
func (e *Engine) computeBase(trade *domain.TradeEvent, in Inputs) (float64, string, error) {
	switch e.cfg.Kind {
	case config.StrategyPercentage:
		base := trade.UsdcSize * e.cfg.Ratio
		return base, fmt.Sprintf("%.0f%% × 源交易 $%.2f = $%.2f", e.cfg.Ratio*100, trade.UsdcSize, base), nil

	case config.StrategyFixed:
		// 固定金额被源交易金额封顶：源交易比固定额还小时不放大
		base := math.Min(e.cfg.FixedSize, trade.UsdcSize)
		return base, fmt.Sprintf("固定 $%g（源交易 $%.2f 封顶后 $%.2f）", e.cfg.FixedSize, trade.UsdcSize, base), nil

	case config.StrategyAdaptive:
		factor := e.adaptiveFactor(in)
		base := e.cfg.AdaptiveBase * factor
		return base, fmt.Sprintf("自适应 $%g × %.3f = $%.2f", e.cfg.AdaptiveBase, factor, base), nil

	default:
		return 0, "", fmt.Errorf("未知的复制策略: %s", e.cfg.Kind)
	}
}

// adaptiveFactor 资金利用率与近期滑点的联合衰减因子，范围 (0,1]。
// 资金占用越高、滑点越大，复制金额越小。
func (e *Engine) adaptiveFactor(in Inputs) float64 {
	utilization := 0.0
	if e.cfg.CapitalCeiling > 0 {
		utilization = clamp(in.DeployedCapitalUSD/e.cfg.CapitalCeiling, 0, 1)
	}
	slippage := clamp(in.RecentSlippage, 0, 1)

	factor := (1 - utilization*e.cfg.UtilizationWeight) * (1 - slippage*e.cfg.SlippageWeight)
	return clamp(factor, 0, 1)
}

func (e *Engine) multiplier() float64 {
	if e.cfg.Multiplier <= 0 {
		return 1.0
	}
	return e.cfg.Multiplier
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
