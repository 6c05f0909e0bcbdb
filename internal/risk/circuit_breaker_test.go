package risk

import (
	"errors"
	"testing"
)

func TestConsecutiveFailuresTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveFailures: 3})

	for i := 0; i < 2; i++ {
		cb.OnFailure()
	}
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("2 次失败不应熔断: %v", err)
	}

	cb.OnFailure()
	if err := cb.AllowCopying(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("3 次连续失败应熔断, got %v", err)
	}
	// 熔断是粘性的：后续成功不会自动恢复
	cb.OnSuccess()
	if err := cb.AllowCopying(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatal("熔断后应保持打开直到人工恢复")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveFailures: 3})

	cb.OnFailure()
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	cb.OnFailure()
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("成功应清空连续失败计数: %v", err)
	}
}

func TestDailyLossLimit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{DailyLossLimitUSD: 100})

	cb.AddRealizedPnL(-60)
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("亏损未达上限不应熔断: %v", err)
	}

	cb.AddRealizedPnL(-40)
	if err := cb.AllowCopying(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("当日亏损达上限应熔断, got %v", err)
	}
}

func TestProfitOffsetsLoss(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{DailyLossLimitUSD: 100})

	cb.AddRealizedPnL(-90)
	cb.AddRealizedPnL(50)
	cb.AddRealizedPnL(-50)
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("净亏损 90 未达上限: %v", err)
	}
	if got := cb.Snapshot().DailyPnlUSD; got != -90 {
		t.Fatalf("DailyPnlUSD = %v, want -90", got)
	}
}

func TestHaltAndResume(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveFailures: 2})

	cb.Halt()
	if err := cb.AllowCopying(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatal("手动熔断未生效")
	}

	cb.OnFailure()
	cb.OnFailure()
	cb.Resume()
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("Resume 应清空计数并恢复: %v", err)
	}
	if got := cb.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("Resume 后计数 = %d, want 0", got)
	}
}

func TestZeroThresholdsDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	for i := 0; i < 100; i++ {
		cb.OnFailure()
	}
	cb.AddRealizedPnL(-1e6)
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("阈值为零时不应熔断: %v", err)
	}
}

func TestNilBreakerIsNoop(t *testing.T) {
	var cb *CircuitBreaker
	cb.OnFailure()
	cb.OnSuccess()
	cb.AddRealizedPnL(-10)
	cb.Halt()
	if err := cb.AllowCopying(); err != nil {
		t.Fatalf("nil 断路器应始终放行: %v", err)
	}
	if s := cb.Snapshot(); s.Halted {
		t.Fatal("nil 断路器快照应为零值")
	}
}
