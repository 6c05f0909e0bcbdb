package domain

import (
	"math"
	"testing"
	"time"
)

func TestApplyBuyVWAP(t *testing.T) {
	p := &PositionRecord{Trader: "0xa", ConditionID: "0xc"}
	now := time.Now()

	p.ApplyBuy(100, 0.40, "t1", now)
	if p.Size != 100 || p.AvgPrice != 0.40 {
		t.Fatalf("after first buy: size=%v avg=%v", p.Size, p.AvgPrice)
	}

	// 100@0.40 + 100@0.60 → 均价 0.50
	p.ApplyBuy(100, 0.60, "t2", now)
	if p.Size != 200 || math.Abs(p.AvgPrice-0.50) > 1e-9 {
		t.Fatalf("after second buy: size=%v avg=%v", p.Size, p.AvgPrice)
	}
	if p.LastTradeID != "t2" {
		t.Fatalf("watermark got=%s want=t2", p.LastTradeID)
	}
}

func TestApplySellRealizedPnl(t *testing.T) {
	p := &PositionRecord{}
	now := time.Now()
	p.ApplyBuy(100, 0.50, "t1", now)

	// 50 份 @0.70，成本 0.50：盈利 50×0.20 = 10
	p.ApplySell(50, 0.70, "t2", now)
	if p.Size != 50 {
		t.Fatalf("size got=%v want=50", p.Size)
	}
	if math.Abs(p.RealizedPnl-10) > 1e-9 {
		t.Fatalf("pnl got=%v want=10", p.RealizedPnl)
	}
	// 均价不因卖出改变
	if p.AvgPrice != 0.50 {
		t.Fatalf("avg price changed on sell: %v", p.AvgPrice)
	}
}

func TestApplySellCappedAtHolding(t *testing.T) {
	p := &PositionRecord{}
	now := time.Now()
	p.ApplyBuy(30, 0.50, "t1", now)

	// 卖出超过持仓：按持仓封顶，持仓永不为负
	p.ApplySell(100, 0.60, "t2", now)
	if p.Size != 0 {
		t.Fatalf("size got=%v want=0", p.Size)
	}
	if p.AvgPrice != 0 {
		t.Fatalf("avg price not reset on flat: %v", p.AvgPrice)
	}
	if math.Abs(p.RealizedPnl-3) > 1e-9 {
		t.Fatalf("pnl got=%v want=3", p.RealizedPnl)
	}
}

func TestApplySellIgnoresNonPositive(t *testing.T) {
	p := &PositionRecord{Size: 10, AvgPrice: 0.5}
	p.ApplySell(0, 0.6, "t1", time.Now())
	p.ApplySell(-5, 0.6, "t2", time.Now())
	if p.Size != 10 || p.LastTradeID != "" {
		t.Fatalf("non-positive sell mutated record: %+v", p)
	}
}

func TestMarkProcessedAdvancesWatermark(t *testing.T) {
	p := &PositionRecord{}
	at := time.Now()
	p.MarkProcessed("t9", at)
	if p.LastTradeID != "t9" || !p.LastTradeAt.Equal(at) {
		t.Fatalf("watermark not advanced: %+v", p)
	}
	if p.Size != 0 {
		t.Fatalf("MarkProcessed must not touch position: size=%v", p.Size)
	}
}

func TestValidateTradeEvent(t *testing.T) {
	valid := func() *TradeEvent {
		return &TradeEvent{
			TradeID:     "0xhash",
			TraderAddr:  "0xabc",
			ConditionID: "0xcond",
			AssetID:     "123",
			Side:        "BUY",
			Price:       0.5,
			Size:        10,
		}
	}

	if err := ValidateTradeEvent(valid()); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	mutations := []struct {
		name string
		mut  func(*TradeEvent)
	}{
		{"missing trade id", func(e *TradeEvent) { e.TradeID = "" }},
		{"missing trader", func(e *TradeEvent) { e.TraderAddr = "" }},
		{"missing market", func(e *TradeEvent) { e.ConditionID = "" }},
		{"missing asset", func(e *TradeEvent) { e.AssetID = "" }},
		{"bad side", func(e *TradeEvent) { e.Side = "HOLD" }},
		{"zero price", func(e *TradeEvent) { e.Price = 0 }},
		{"price at one", func(e *TradeEvent) { e.Price = 1 }},
		{"zero size", func(e *TradeEvent) { e.Size = 0 }},
	}
	for _, m := range mutations {
		e := valid()
		m.mut(e)
		if err := ValidateTradeEvent(e); err == nil {
			t.Errorf("%s: expected error", m.name)
		}
	}
}

func TestPendingAggregateAdd(t *testing.T) {
	agg := &PendingAggregate{Trader: "0xa", ConditionID: "0xc", AssetID: "1", Side: "BUY"}
	base := time.Now()

	t1 := &TradeEvent{TradeID: "t1", Price: 0.5, ObservedAt: base}
	t2 := &TradeEvent{TradeID: "t2", Price: 0.4, ObservedAt: base.Add(10 * time.Second)}
	agg.Add(t1, 0.50)
	agg.Add(t2, 0.40)

	if math.Abs(agg.UsdcSize-0.90) > 1e-9 {
		t.Fatalf("usdc got=%v want=0.90", agg.UsdcSize)
	}
	if agg.LastTradeID() != "t2" {
		t.Fatalf("last trade got=%s want=t2", agg.LastTradeID())
	}
	if !agg.FirstAt.Equal(base) {
		t.Fatalf("window start moved: %v", agg.FirstAt)
	}
	if agg.LastPrice != 0.4 {
		t.Fatalf("last price got=%v want=0.4", agg.LastPrice)
	}

	if agg.Expired(time.Minute, base.Add(30*time.Second)) {
		t.Fatal("expired before window elapsed")
	}
	if !agg.Expired(time.Minute, base.Add(time.Minute)) {
		t.Fatal("not expired after window elapsed")
	}
}
