package execution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/betbot/copytrader/clob/types"
	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/events"
	"github.com/betbot/copytrader/internal/wallet"
	"github.com/betbot/copytrader/pkg/config"
	"github.com/betbot/copytrader/pkg/persistence"
)

// memService 测试用内存持久化
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

func (s *memService) keysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
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

// fakeAdapter 按脚本返回结果的钱包适配器
type fakeAdapter struct {
	mu      sync.Mutex
	script  []func(co *domain.CopyOrder) (*wallet.SubmitResult, error)
	calls   int
	blockCh chan struct{} // 非 nil 时 Submit 阻塞直到关闭
}

func (f *fakeAdapter) Context() *domain.WalletContext {
	return &domain.WalletContext{Kind: domain.WalletEOA}
}

func (f *fakeAdapter) Submit(ctx context.Context, co *domain.CopyOrder) (*wallet.SubmitResult, error) {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	return f.script[idx](co)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fill() func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
	return func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
		return &wallet.SubmitResult{Status: "matched", FilledSize: 10, FilledPrice: 0.5}, nil
	}
}

func transientErr() func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
	return func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
		return nil, &types.OrderError{StatusCode: 503, Message: "service unavailable"}
	}
}

func permanentErr(msg string) func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
	return func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
		return nil, &types.OrderError{StatusCode: 400, Code: "INVALID_ORDER", Message: msg}
	}
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func newOrder() *domain.CopyOrder {
	return &domain.CopyOrder{
		SourceTradeID: "t1",
		Trader:        "0xtrader",
		ConditionID:   "0xcond",
		AssetID:       "1",
		Side:          types.SideBuy,
		Price:         0.5,
		UsdcSize:      5,
	}
}

func TestExecuteFillsFirstAttempt(t *testing.T) {
	svc := newMemService()
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){fill()}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), svc, false)

	co := newOrder()
	res, err := c.Execute(context.Background(), co)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("expected filled, got %+v", res)
	}
	if co.Status != domain.CopyOrderFilled {
		t.Fatalf("status got=%s want=filled", co.Status)
	}
	if co.Attempts != 1 {
		t.Fatalf("attempts got=%d want=1", co.Attempts)
	}
	// 终态后在途存储应清空
	if keys := svc.keysWithPrefix("order"); len(keys) != 0 {
		t.Fatalf("terminal order left in store: %v", keys)
	}
}

func TestExecuteRetriesTransientThenFills(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){
		transientErr(), transientErr(), fill(),
	}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	co := newOrder()
	res, err := c.Execute(context.Background(), co)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("expected filled after retries, got %+v", res)
	}
	if co.Attempts != 3 {
		t.Fatalf("attempts got=%d want=3", co.Attempts)
	}
}

func TestExecutePermanentFailsImmediately(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){
		permanentErr("not enough balance / allowance"),
	}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	co := newOrder()
	if _, err := c.Execute(context.Background(), co); err == nil {
		t.Fatal("expected error")
	}
	if co.Status != domain.CopyOrderFailed {
		t.Fatalf("status got=%s want=failed", co.Status)
	}
	if ad.callCount() != 1 {
		t.Fatalf("permanent error must not retry: calls=%d", ad.callCount())
	}
	if co.FailReason == "" {
		t.Fatal("fail reason not recorded")
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){transientErr()}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	co := newOrder()
	if _, err := c.Execute(context.Background(), co); err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if co.Status != domain.CopyOrderFailed {
		t.Fatalf("status got=%s want=failed", co.Status)
	}
	if ad.callCount() != 3 {
		t.Fatalf("calls got=%d want=3 (MaxAttempts)", ad.callCount())
	}
}

func TestExecuteConfirmationTimeoutIsTransient(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){
		func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
			return nil, wallet.ErrConfirmationTimeout
		},
		fill(),
	}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	co := newOrder()
	res, err := c.Execute(context.Background(), co)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !res.Filled() || co.Attempts != 2 {
		t.Fatalf("confirmation timeout must retry: attempts=%d", co.Attempts)
	}
}

func TestExecuteUnfilledFOKRetries(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){
		func(co *domain.CopyOrder) (*wallet.SubmitResult, error) {
			// 下单成功但未成交（FOK 吃不满）
			return &wallet.SubmitResult{Status: "live"}, nil
		},
		fill(),
	}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	co := newOrder()
	res, err := c.Execute(context.Background(), co)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !res.Filled() || ad.callCount() != 2 {
		t.Fatalf("unfilled order must be retried: calls=%d", ad.callCount())
	}
}

func TestExecuteDryRun(t *testing.T) {
	ad := &fakeAdapter{script: []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){fill()}}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), true)

	co := newOrder()
	res, err := c.Execute(context.Background(), co)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("dry run must report filled, got %+v", res)
	}
	if ad.callCount() != 0 {
		t.Fatal("dry run must not touch the wallet")
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	block := make(chan struct{})
	ad := &fakeAdapter{
		script:  []func(co *domain.CopyOrder) (*wallet.SubmitResult, error){transientErr()},
		blockCh: block,
	}
	c := NewCoordinator(ad, fastRetry(), 4, events.NewBus(), newMemService(), false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(ctx, newOrder())
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err got=%v want=context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	close(block)
}

func TestBackoffBounds(t *testing.T) {
	c := NewCoordinator(nil, config.RetryConfig{
		MaxAttempts: 10,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	}, 1, events.NewBus(), newMemService(), false)

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := c.backoff(attempt)
			// 指数退避封顶 BackoffMax，抖动范围 ±25%
			if d < time.Duration(float64(100*time.Millisecond)*0.75) {
				t.Fatalf("attempt=%d delay=%v below jitter floor", attempt, d)
			}
			if d > time.Duration(float64(time.Second)*1.25) {
				t.Fatalf("attempt=%d delay=%v above jittered cap", attempt, d)
			}
		}
	}
}

func TestFifoGateOrdering(t *testing.T) {
	g := newFifoGate(1)
	if !g.acquire(context.Background()) {
		t.Fatal("first acquire must succeed")
	}

	const waiters = 5
	order := make(chan int, waiters)
	var done sync.WaitGroup

	// 依次启动等待者，间隔足够长保证入队顺序与启动顺序一致
	for i := 0; i < waiters; i++ {
		done.Add(1)
		go func(id int) {
			defer done.Done()
			if !g.acquire(context.Background()) {
				t.Errorf("waiter %d canceled", id)
				return
			}
			order <- id
			g.release()
		}(i)
		time.Sleep(20 * time.Millisecond)
	}

	g.release()
	done.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("wake order got=%d want=%d (FIFO violated)", got, want)
		}
		want++
	}
}

func TestFifoGateCancelWhileWaiting(t *testing.T) {
	g := newFifoGate(1)
	g.acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan bool, 1)
	go func() { res <- g.acquire(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-res:
		if ok {
			t.Fatal("canceled waiter must not acquire")
		}
	case <-time.After(time.Second):
		t.Fatal("canceled waiter stuck")
	}

	// 取消后名额仍可正常流转
	g.release()
	if !g.acquire(context.Background()) {
		t.Fatal("acquire after cancel failed")
	}
	if g.inUse() != 1 {
		t.Fatalf("inUse got=%d want=1", g.inUse())
	}
}
