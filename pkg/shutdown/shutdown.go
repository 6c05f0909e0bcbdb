package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/copytrader/pkg/logger"
)

// Hook 具名关闭步骤。返回错误只做记录，不中断后续步骤。
type Hook func(ctx context.Context) error

type step struct {
	name string
	fn   Hook
}

// Manager 按注册逆序执行关闭步骤（后启动的先关）。
type Manager struct {
	mu    sync.Mutex
	steps []step
	done  bool
}

func NewManager() *Manager {
	return &Manager{}
}

// Register 注册一个关闭步骤。name 用于日志定位卡住的步骤。
func (m *Manager) Register(name string, fn Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Shutdown 逆序执行所有步骤，整体受 ctx 截止时间约束。
// 重复调用只执行一次。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	m.mu.Unlock()

	log := logger.WithField("component", "shutdown")
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			log.Warnf("关闭超时，跳过剩余 %d 个步骤", i+1)
			return
		}
		start := time.Now()
		if err := runStep(ctx, s.fn); err != nil {
			log.Warnf("关闭步骤 %s 失败: %v", s.name, err)
			continue
		}
		log.Debugf("关闭步骤 %s 完成，耗时 %s", s.name, time.Since(start))
	}
	log.Infof("关闭完成，共 %d 个步骤", len(steps))
}

// runStep 在独立 goroutine 中执行步骤，步骤卡死时随 ctx 放弃等待。
func runStep(ctx context.Context, fn Hook) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
