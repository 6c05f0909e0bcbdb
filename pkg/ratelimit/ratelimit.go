package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 单个端点的限速器。
type Limiter interface {
	// Allow 尝试占用一个配额，失败时返回建议的重试等待。
	Allow() (ok bool, retryAfter time.Duration)
}

// Wait 反复尝试直到拿到配额或 ctx 结束。
func Wait(ctx context.Context, l Limiter) error {
	for {
		ok, retryAfter := l.Allow()
		if ok {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = 50 * time.Millisecond
		}
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// bucket 令牌桶。按经过时间连续补充，令牌用 float 避免小步长取整丢失。
type bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
}

// NewBucket capacity 为桶容量，perSec 为每秒补充速率。
func NewBucket(capacity int, perSec float64) Limiter {
	return &bucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		perSec:   perSec,
		last:     time.Now(),
	}
}

func (b *bucket) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	need := (1 - b.tokens) / b.perSec
	return false, time.Duration(need * float64(time.Second))
}

// window 滑动窗口。记录窗口内的请求时刻，超限时等到最老一笔滑出。
type window struct {
	mu    sync.Mutex
	limit int
	size  time.Duration
	hits  []time.Time
}

// NewWindow size 时间窗内最多 limit 个请求。
func NewWindow(limit int, size time.Duration) Limiter {
	return &window{limit: limit, size: size}
}

func (w *window) Allow() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]

	if len(w.hits) < w.limit {
		w.hits = append(w.hits, now)
		return true, 0
	}
	return false, w.hits[0].Add(w.size).Sub(now)
}

// RateLimitManager 按端点名分发限速器。
// 阈值对应交易所公布的 10 秒窗口配额。
type RateLimitManager struct {
	mu       sync.Mutex
	limiters map[string]Limiter
}

func NewRateLimitManager() *RateLimitManager {
	return &RateLimitManager{limiters: map[string]Limiter{
		"clob:order:post": NewBucket(2400, 240),
		"clob:order:get":  NewWindow(150, 10*time.Second),
		"clob:trades:get": NewWindow(150, 10*time.Second),

		"data:general":      NewWindow(200, 10*time.Second),
		"data:activity:get": NewWindow(75, 10*time.Second),

		"relayer:submit": NewWindow(60, 10*time.Second),
		"relayer:status": NewWindow(150, 10*time.Second),
	}}
}

func (m *RateLimitManager) limiter(endpoint string) Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[endpoint]
	if !ok {
		// 未登记的端点给一个宽松的兜底配额，并缓存下来让它真正生效
		l = NewWindow(5000, 10*time.Second)
		m.limiters[endpoint] = l
	}
	return l
}

// Wait 阻塞到 endpoint 拿到配额或 ctx 结束。
func (m *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	return Wait(ctx, m.limiter(endpoint))
}

// Allow 非阻塞尝试。
func (m *RateLimitManager) Allow(endpoint string) bool {
	ok, _ := m.limiter(endpoint).Allow()
	return ok
}
