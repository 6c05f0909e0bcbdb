package engine

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/betbot/copytrader/clob/client"
	clobtypes "github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/aggregate"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/execution"
	"github.com/betbot/copytrader/internal/position"
	"github.com/betbot/copytrader/internal/risk"
	"github.com/betbot/copytrader/internal/sizing"
	"github.com/betbot/copytrader/internal/store"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/persistence"
)

type memService struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemService() *memService {
	return &memService{data: make(map[string][]byte)}
}

func (s *memService) NewStore(prefix, id, tag string) persistence.Store {
	return &memStore{svc: s, key: prefix + ":" + id + ":" + tag}
}

func (s *memService) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			if err := fn(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type memStore struct {
	svc *memService
	key string
}

func (s *memStore) Save(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.svc.mu.Lock()
	s.svc.data[s.key] = b
	s.svc.mu.Unlock()
	return nil
}

func (s *memStore) Load(data interface{}) error {
	s.svc.mu.Lock()
	b, ok := s.svc.data[s.key]
	s.svc.mu.Unlock()
	if !ok {
		return persistence.ErrNotExists
	}
	return json.Unmarshal(b, data)
}

func (s *memStore) Delete() error {
	s.svc.mu.Lock()
	delete(s.svc.data, s.key)
	s.svc.mu.Unlock()
	return nil
}

const testTrader = "0x1111111111111111111111111111111111111111"

func testEngineConfig() *config.Config {
	cfg := config.Default()
	cfg.Traders = []string{testTrader}
	cfg.DryRun = true
	cfg.Strategy = config.StrategyConfig{
		Kind:              config.StrategyPercentage,
		Ratio:             0.1,
		Multiplier:        1.0,
		UtilizationWeight: 1.0,
		SlippageWeight:    1.0,
	}
	cfg.MinTradableSize = 1.0
	return cfg
}

// newTestEngine 构造一个纸交易模式的引擎。dataHost 为空时持仓查询打到
// 一个不存在的地址，卖出逻辑退化为全量清仓。
func newTestEngine(t *testing.T, cfg *config.Config, dataHost string) *Engine {
	t.Helper()

	journal, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("打开流水账失败: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	svc := newMemService()
	bus := events.NewBus()
	if dataHost == "" {
		dataHost = "http://127.0.0.1:1"
	}

	return New(cfg, Deps{
		Positions:   position.NewStore(svc),
		Sizer:       sizing.NewEngine(cfg.Strategy, cfg.MinTradableSize),
		Aggregator:  aggregate.New(cfg.Aggregation, cfg.MinTradableSize, svc),
		Coordinator: execution.NewCoordinator(nil, cfg.Retry, cfg.MaxOutstanding, bus, svc, cfg.DryRun),
		Journal:     journal,
		Clob:        client.NewClient(dataHost, dataHost, clobtypes.ChainPolygon, nil, nil),
		Bus:         bus,
	})
}

func buyEvent(id string, usdc, price float64) *domain.TradeEvent {
	now := time.Now()
	return &domain.TradeEvent{
		TradeID:     id,
		TraderAddr:  testTrader,
		ConditionID: "0xcond",
		AssetID:     "asset-1",
		Side:        clobtypes.SideBuy,
		Price:       price,
		Size:        usdc / price,
		UsdcSize:    usdc,
		Timestamp:   now,
		ObservedAt:  now,
	}
}

func sellEvent(id string, shares, price float64) *domain.TradeEvent {
	e := buyEvent(id, shares*price, price)
	e.Side = clobtypes.SideSell
	e.Size = shares
	return e
}

func TestProcessBuyCopiesAndAdvancesWatermark(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	ctx := context.Background()

	ev := buyEvent("t1", 200, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 10% 跟单：$20 @ 0.5 = 40 份
	rec := e.positions.Get(ev.Key())
	if math.Abs(rec.Size-40) > 1e-9 {
		t.Fatalf("复制后持仓 = %v, want 40", rec.Size)
	}
	if math.Abs(rec.AvgPrice-0.5) > 1e-9 {
		t.Fatalf("均价 = %v, want 0.5", rec.AvgPrice)
	}
	if !e.positions.IsProcessed(ev.Key(), ev.TradeID, ev.Timestamp) {
		t.Fatal("水位线未推进")
	}
	seen, err := e.journal.Seen(ctx, "t1")
	if err != nil || !seen {
		t.Fatalf("流水账缺少记录: seen=%v err=%v", seen, err)
	}
}

func TestProcessDuplicateTradeIDIgnored(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	ctx := context.Background()

	ev := buyEvent("t1", 200, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("首次 process: %v", err)
	}
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("重复 process: %v", err)
	}

	rec := e.positions.Get(ev.Key())
	if math.Abs(rec.Size-40) > 1e-9 {
		t.Fatalf("重复事件改变了持仓: %v", rec.Size)
	}
}

func TestProcessBuyBelowMinimumAggregatesThenFlushes(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	ctx := context.Background()

	// $5 × 10% = $0.5 < $1 最小单，进聚合缓冲
	if err := e.process(ctx, buyEvent("t1", 5, 0.5)); err != nil {
		t.Fatalf("process t1: %v", err)
	}
	if rec := e.positions.Get(buyEvent("t1", 5, 0.5).Key()); !rec.IsFlat() {
		t.Fatalf("缓冲中的交易不应产生持仓: %+v", rec)
	}

	// 累计 $0.5 + $0.6 = $1.1 ≥ $1，触发聚合下单
	ev2 := buyEvent("t2", 6, 0.5)
	if err := e.process(ctx, ev2); err != nil {
		t.Fatalf("process t2: %v", err)
	}
	rec := e.positions.Get(ev2.Key())
	if math.Abs(rec.Size-2.2) > 1e-9 {
		t.Fatalf("聚合成交后持仓 = %v, want 2.2", rec.Size)
	}
}

func TestProcessSellWithoutPositionDropped(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	ctx := context.Background()

	ev := sellEvent("t1", 30, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec := e.positions.Get(ev.Key()); !rec.IsFlat() {
		t.Fatalf("无持仓卖出不应产生持仓: %+v", rec)
	}
	if !e.positions.IsProcessed(ev.Key(), ev.TradeID, ev.Timestamp) {
		t.Fatal("丢弃的卖出也应推进水位线")
	}
}

func TestProcessSellProportional(t *testing.T) {
	// data-api 桩：交易员卖出后仍持有 60 份
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != client.EndpointDataPositions {
			http.NotFound(w, r)
			return
		}
		positions := []clobtypes.DataPosition{}
		if r.URL.Query().Get("offset") == "0" {
			positions = append(positions, clobtypes.DataPosition{Asset: "asset-1", Size: 60})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(positions)
	}))
	defer srv.Close()

	e := newTestEngine(t, testEngineConfig(), srv.URL)
	ctx := context.Background()

	if err := e.process(ctx, buyEvent("t1", 200, 0.5)); err != nil {
		t.Fatalf("建仓: %v", err)
	}

	// 交易员卖 30 份，卖前持仓 60+30=90，比例 1/3：操作员 40 份卖出 40/3
	ev := sellEvent("t2", 30, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("卖出: %v", err)
	}
	rec := e.positions.Get(ev.Key())
	want := 40.0 - 40.0/3.0
	if math.Abs(rec.Size-want) > 1e-6 {
		t.Fatalf("等比卖出后持仓 = %v, want %v", rec.Size, want)
	}
}

func TestProcessSellFullWhenTraderQueryFails(t *testing.T) {
	// data-api 不可达时退化为全量清仓
	e := newTestEngine(t, testEngineConfig(), "")
	ctx := context.Background()

	if err := e.process(ctx, buyEvent("t1", 200, 0.5)); err != nil {
		t.Fatalf("建仓: %v", err)
	}
	ev := sellEvent("t2", 30, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("卖出: %v", err)
	}
	// 卖前持仓视为本次卖出量，比例 = 1，全部卖出
	if rec := e.positions.Get(ev.Key()); !rec.IsFlat() {
		t.Fatalf("查询失败时应全量清仓，剩余 %v", rec.Size)
	}
}

func TestHandleExpiredFlushPolicy(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Aggregation.ExpiryPolicy = config.ExpiryFlush
	cfg.Aggregation.MaxHold = 50 * time.Millisecond
	e := newTestEngine(t, cfg, "")
	ctx := context.Background()

	ev := buyEvent("t1", 5, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	e.handleExpired(ctx, time.Now().Add(time.Second))

	// flush 策略：到期后按缓冲金额下单（$0.5 @ 0.5 = 1 份）
	rec := e.positions.Get(ev.Key())
	if math.Abs(rec.Size-1.0) > 1e-9 {
		t.Fatalf("到期冲洗后持仓 = %v, want 1", rec.Size)
	}
}

func TestHandleExpiredDropPolicy(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Aggregation.MaxHold = 50 * time.Millisecond
	e := newTestEngine(t, cfg, "")
	ctx := context.Background()

	ev := buyEvent("t1", 5, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	e.handleExpired(ctx, time.Now().Add(time.Second))

	if rec := e.positions.Get(ev.Key()); !rec.IsFlat() {
		t.Fatalf("drop 策略到期不应下单，持仓 %v", rec.Size)
	}
	// 水位线在进缓冲时已推进，到期丢弃不回退
	if !e.positions.IsProcessed(ev.Key(), ev.TradeID, ev.Timestamp) {
		t.Fatal("水位线被回退")
	}
}

func TestBreakerOpenSkipsCopy(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	e.breaker = risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveFailures: 1})
	e.breaker.Halt()
	ctx := context.Background()

	ev := buyEvent("t1", 200, 0.5)
	if err := e.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec := e.positions.Get(ev.Key()); !rec.IsFlat() {
		t.Fatalf("熔断期间不应建仓: %+v", rec)
	}
	if !e.positions.IsProcessed(ev.Key(), ev.TradeID, ev.Timestamp) {
		t.Fatal("熔断跳过的交易也应推进水位线")
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), "")
	e.Pause()
	if !e.IsPaused() {
		t.Fatal("Pause 后状态未变")
	}
	e.Resume()
	if e.IsPaused() {
		t.Fatal("Resume 后仍处于暂停")
	}
}
