package execution

import (
	"container/list"
	"context"
	"sync"

	"github.com/betbot/copytrader/internal/metrics"
)

// fifoGate 在途订单准入闸门。容量耗尽时等待者按到达顺序排队，
// 有名额释放时唤醒队首。普通带缓冲 channel 不保证多等待者的唤醒顺序，
// 所以这里显式维护等待队列。
type fifoGate struct {
	mu       sync.Mutex
	capacity int
	used     int
	waiters  *list.List // 元素为 chan struct{}
}

func newFifoGate(capacity int) *fifoGate {
	if capacity < 1 {
		capacity = 1
	}
	return &fifoGate{
		capacity: capacity,
		waiters:  list.New(),
	}
}

// acquire 获取一个名额，容量耗尽时排队等待。
// ctx 取消时返回 false。
func (g *fifoGate) acquire(ctx context.Context) bool {
	g.mu.Lock()
	if g.used < g.capacity && g.waiters.Len() == 0 {
		g.used++
		g.mu.Unlock()
		return true
	}

	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()
	metrics.OrdersDeferred.Add(1)

	select {
	case <-ready:
		return true
	case <-ctx.Done():
		g.mu.Lock()
		// 可能在取消的同时已被唤醒：此时名额已计入 used，需要归还
		select {
		case <-ready:
			g.used--
			g.wakeNextLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		return false
	}
}

func (g *fifoGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used--
	g.wakeNextLocked()
}

func (g *fifoGate) wakeNextLocked() {
	if g.used >= g.capacity || g.waiters.Len() == 0 {
		return
	}
	front := g.waiters.Front()
	g.waiters.Remove(front)
	g.used++
	close(front.Value.(chan struct{}))
}

func (g *fifoGate) inUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}
