package sizing

import (
	"math"
	"testing"
	"testing/quick"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/config"
)

func buyEvent(usdc float64) *domain.TradeEvent {
	return &domain.TradeEvent{
		TradeID:     "0xabc",
		TraderAddr:  "0x1111111111111111111111111111111111111111",
		ConditionID: "0xcond",
		AssetID:     "1234",
		Side:        "BUY",
		Price:       0.5,
		Size:        usdc / 0.5,
		UsdcSize:    usdc,
	}
}

func richInputs() Inputs {
	return Inputs{AvailableBalance: 100000}
}

func TestComputeBuy_Percentage(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyPercentage, Ratio: 0.1, Multiplier: 1}, 1.0)

	res, err := e.ComputeBuy(buyEvent(500), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 50 {
		t.Fatalf("FinalUsdc got=%v want=50", res.FinalUsdc)
	}
	if res.BelowMinimum || res.CappedByMax || res.ReducedByBalance {
		t.Fatalf("unexpected flags: %+v", res)
	}
}

func TestComputeBuy_FixedCappedBySource(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyFixed, FixedSize: 20, Multiplier: 1}, 1.0)

	// 源交易比固定额大：用固定额
	res, err := e.ComputeBuy(buyEvent(500), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 20 {
		t.Fatalf("FinalUsdc got=%v want=20", res.FinalUsdc)
	}

	// 源交易比固定额小：不放大，跟随源交易
	res, err = e.ComputeBuy(buyEvent(5), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 5 {
		t.Fatalf("FinalUsdc got=%v want=5", res.FinalUsdc)
	}
}

func TestComputeBuy_AdaptiveFactor(t *testing.T) {
	e := NewEngine(config.StrategyConfig{
		Kind:              config.StrategyAdaptive,
		AdaptiveBase:      100,
		CapitalCeiling:    1000,
		UtilizationWeight: 1.0,
		SlippageWeight:    1.0,
		Multiplier:        1,
	}, 1.0)

	// 无占用无滑点：足额
	res, err := e.ComputeBuy(buyEvent(500), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 100 {
		t.Fatalf("FinalUsdc got=%v want=100", res.FinalUsdc)
	}

	// 50% 资金占用 + 10% 滑点：100 × 0.5 × 0.9 = 45
	in := richInputs()
	in.DeployedCapitalUSD = 500
	in.RecentSlippage = 0.1
	res, err = e.ComputeBuy(buyEvent(500), in)
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if math.Abs(res.FinalUsdc-45) > 1e-9 {
		t.Fatalf("FinalUsdc got=%v want=45", res.FinalUsdc)
	}

	// 资金占满：降到 0 并标记低于最小金额
	in.DeployedCapitalUSD = 1000
	in.RecentSlippage = 0
	res, err = e.ComputeBuy(buyEvent(500), in)
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 0 || !res.BelowMinimum {
		t.Fatalf("expected zero and BelowMinimum, got %+v", res)
	}
}

func TestComputeBuy_UnknownStrategy(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyKind("MARTINGALE")}, 1.0)
	if _, err := e.ComputeBuy(buyEvent(100), richInputs()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestComputeBuy_MultiplierAndMaxOrder(t *testing.T) {
	e := NewEngine(config.StrategyConfig{
		Kind:         config.StrategyPercentage,
		Ratio:        0.5,
		Multiplier:   2.0,
		MaxOrderSize: 60,
	}, 1.0)

	// 100 × 0.5 × 2 = 100 → 单笔上限 60
	res, err := e.ComputeBuy(buyEvent(100), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 60 || !res.CappedByMax {
		t.Fatalf("expected capped 60, got %+v", res)
	}
}

func TestComputeBuy_PositionLimit(t *testing.T) {
	e := NewEngine(config.StrategyConfig{
		Kind:           config.StrategyPercentage,
		Ratio:          1.0,
		Multiplier:     1,
		MaxPositionUSD: 100,
	}, 1.0)

	// 剩余额度 30：压缩
	in := richInputs()
	in.CurrentPositionUSD = 70
	res, err := e.ComputeBuy(buyEvent(50), in)
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 30 || !res.PositionLimited {
		t.Fatalf("expected squeezed to 30, got %+v", res)
	}

	// 剩余额度低于最小可成交金额：直接归零
	in.CurrentPositionUSD = 99.5
	res, err = e.ComputeBuy(buyEvent(50), in)
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if res.FinalUsdc != 0 || !res.PositionLimited {
		t.Fatalf("expected zero when remaining below min order, got %+v", res)
	}
}

func TestComputeBuy_BalanceReserve(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyPercentage, Ratio: 1.0, Multiplier: 1}, 1.0)

	res, err := e.ComputeBuy(buyEvent(100), Inputs{AvailableBalance: 50})
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	// 保留 1%：50 × 0.99 = 49.5
	if math.Abs(res.FinalUsdc-49.5) > 1e-9 || !res.ReducedByBalance {
		t.Fatalf("expected 49.5 reduced by balance, got %+v", res)
	}
}

func TestComputeBuy_BelowMinimum(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyPercentage, Ratio: 0.1, Multiplier: 1}, 1.0)

	res, err := e.ComputeBuy(buyEvent(3), richInputs())
	if err != nil {
		t.Fatalf("ComputeBuy error: %v", err)
	}
	if !res.BelowMinimum {
		t.Fatalf("expected BelowMinimum for $0.30 order, got %+v", res)
	}
	if res.FinalUsdc != 0.3 {
		t.Fatalf("FinalUsdc got=%v want=0.3", res.FinalUsdc)
	}
}

func TestComputeSellShares(t *testing.T) {
	e := NewEngine(config.StrategyConfig{Kind: config.StrategyPercentage, Ratio: 0.1}, 1.0)

	// 交易员卖出一半：操作员也卖一半
	if got := e.ComputeSellShares(40, 50, 100); got != 20 {
		t.Fatalf("got=%v want=20", got)
	}
	// 交易员清仓：操作员清仓
	if got := e.ComputeSellShares(40, 100, 100); got != 40 {
		t.Fatalf("got=%v want=40", got)
	}
	// 交易员持仓未知：全部卖出
	if got := e.ComputeSellShares(40, 50, 0); got != 40 {
		t.Fatalf("got=%v want=40", got)
	}
	// 操作员空仓
	if got := e.ComputeSellShares(0, 50, 100); got != 0 {
		t.Fatalf("got=%v want=0", got)
	}
}

// 属性：无论输入如何，最终金额永远非负，且不超过余额保留线和单笔上限
func TestProperty_ComputeBuyCapsAlwaysHold(t *testing.T) {
	e := NewEngine(config.StrategyConfig{
		Kind:         config.StrategyPercentage,
		Ratio:        0.25,
		Multiplier:   1.5,
		MaxOrderSize: 200,
	}, 1.0)

	property := func(usdcCents uint32, balanceCents uint32) bool {
		usdc := float64(usdcCents%1_000_000) / 100
		balance := float64(balanceCents%10_000_000) / 100
		if usdc <= 0 {
			return true
		}

		res, err := e.ComputeBuy(buyEvent(usdc), Inputs{AvailableBalance: balance})
		if err != nil {
			return false
		}
		if res.FinalUsdc < 0 {
			return false
		}
		if res.FinalUsdc > balance*0.99+1e-9 {
			return false
		}
		return res.FinalUsdc <= 200+1e-9
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatalf("property violated: %v", err)
	}
}
