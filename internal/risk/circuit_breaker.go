package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，复制交易被暂停。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures 连续复制失败上限（下单被拒/重试耗尽等）。
	MaxConsecutiveFailures int64

	// DailyLossLimitUSD 当日已实现亏损上限（USDC）。达到或超过时熔断。
	DailyLossLimitUSD float64
}

// CircuitBreaker 复制引擎的熔断开关。
//
// 热路径（每笔复制前的 AllowCopying 检查）只读原子变量；
// PnL 以“分”为单位存整数，避免浮点累计误差。
// 当日亏损统计只覆盖已实现盈亏（卖出成交），未实现浮亏不计入。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveFailures atomic.Int64
	dailyPnlCents       atomic.Int64
	dayKey              atomic.Int64 // YYYYMMDD

	maxConsecutiveFailures atomic.Int64
	dailyLossLimitCents    atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveFailures.Store(cfg.MaxConsecutiveFailures)
	cb.dailyLossLimitCents.Store(int64(cfg.DailyLossLimitUSD * 100))
}

// Halt 手动熔断（人工介入或控制面触发）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复，同时清空连续失败计数。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveFailures.Store(0)
}

// AllowCopying 检查当前是否允许继续复制。
// 越限时自动置为熔断态并返回 ErrCircuitBreakerOpen。
func (cb *CircuitBreaker) AllowCopying() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	maxFail := cb.maxConsecutiveFailures.Load()
	if maxFail > 0 && cb.consecutiveFailures.Load() >= maxFail {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}

	limit := cb.dailyLossLimitCents.Load()
	if limit > 0 {
		cb.rollDayIfNeeded()
		pnl := cb.dailyPnlCents.Load()
		if pnl <= -limit {
			cb.halted.Store(true)
			return ErrCircuitBreakerOpen
		}
	}

	return nil
}

// OnSuccess 一笔复制订单终态成交后调用，清空连续失败计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
}

// OnFailure 一笔复制订单永久失败后调用，累计连续失败计数。
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Add(1)
}

// AddRealizedPnL 增量更新当日已实现盈亏（USDC，负数为亏损）。
func (cb *CircuitBreaker) AddRealizedPnL(usd float64) {
	if cb == nil {
		return
	}
	cb.rollDayIfNeeded()
	cb.dailyPnlCents.Add(int64(usd * 100))
}

// State 断路器状态快照（控制面查询用）
type State struct {
	Halted              bool    `json:"halted"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	DailyPnlUSD         float64 `json:"daily_pnl_usd"`
}

func (cb *CircuitBreaker) Snapshot() State {
	if cb == nil {
		return State{}
	}
	return State{
		Halted:              cb.halted.Load(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
		DailyPnlUSD:         float64(cb.dailyPnlCents.Load()) / 100,
	}
}

func (cb *CircuitBreaker) rollDayIfNeeded() {
	// YYYYMMDD，本地时间即可，风控用途不要求跨时区精确
	now := time.Now()
	key := int64(now.Year()*10000 + int(now.Month())*100 + now.Day())
	prev := cb.dayKey.Load()
	if prev == key {
		return
	}
	// 切换 dayKey 成功者负责清零当日 PnL
	if cb.dayKey.CompareAndSwap(prev, key) {
		cb.dailyPnlCents.Store(0)
	}
}
