package client

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betbot/copytrader/clob/types"
)

func TestRawOrderAmountsBuy(t *testing.T) {
	round := roundingConfig[types.TickSize001]

	// BUY $10 @ 0.50 → maker 出 $10，taker 收 20 份
	maker, taker, err := rawOrderAmounts(types.SideBuy, decimal.NewFromFloat(10), decimal.NewFromFloat(0.5), round)
	if err != nil {
		t.Fatalf("rawOrderAmounts error: %v", err)
	}
	if !maker.Equal(decimal.NewFromFloat(10)) {
		t.Fatalf("maker got=%s want=10", maker)
	}
	if !taker.Equal(decimal.NewFromFloat(20)) {
		t.Fatalf("taker got=%s want=20", taker)
	}
}

func TestRawOrderAmountsSell(t *testing.T) {
	round := roundingConfig[types.TickSize001]

	// SELL 20 份 @ 0.55 → maker 出 20 份，taker 收 $11
	maker, taker, err := rawOrderAmounts(types.SideSell, decimal.NewFromFloat(20), decimal.NewFromFloat(0.55), round)
	if err != nil {
		t.Fatalf("rawOrderAmounts error: %v", err)
	}
	if !maker.Equal(decimal.NewFromFloat(20)) {
		t.Fatalf("maker got=%s want=20", maker)
	}
	if !taker.Equal(decimal.NewFromFloat(11)) {
		t.Fatalf("taker got=%s want=11", taker)
	}
}

func TestRawOrderAmountsRounding(t *testing.T) {
	round := roundingConfig[types.TickSize001]

	// 份额保留 2 位小数：10 / 0.33 = 30.3030... → 30.30
	_, taker, err := rawOrderAmounts(types.SideBuy, decimal.NewFromFloat(10), decimal.NewFromFloat(0.33), round)
	if err != nil {
		t.Fatalf("rawOrderAmounts error: %v", err)
	}
	if !taker.Equal(decimal.NewFromFloat(30.30)) {
		t.Fatalf("taker got=%s want=30.30", taker)
	}

	// SELL 金额向下舍入，避免多收
	_, taker, err = rawOrderAmounts(types.SideSell, decimal.NewFromFloat(33.33), decimal.NewFromFloat(0.0333), round)
	if err != nil {
		t.Fatalf("rawOrderAmounts error: %v", err)
	}
	// 33.33 × 0.0333 = 1.109889 → RoundDown(4) = 1.1098
	if !taker.Equal(decimal.NewFromFloat(1.1098)) {
		t.Fatalf("taker got=%s want=1.1098", taker)
	}
}

func TestRawOrderAmountsUnknownSide(t *testing.T) {
	round := roundingConfig[types.TickSize001]
	if _, _, err := rawOrderAmounts(types.Side("HOLD"), decimal.NewFromFloat(1), decimal.NewFromFloat(0.5), round); err == nil {
		t.Fatal("expected error for unknown side")
	}
}

func TestRandomSalt(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		salt, err := randomSalt()
		if err != nil {
			t.Fatalf("randomSalt error: %v", err)
		}
		if salt < 0 {
			t.Fatalf("negative salt: %d", salt)
		}
		seen[salt] = true
	}
	if len(seen) < 100 {
		t.Fatalf("salts not unique: %d distinct of 100", len(seen))
	}
}
