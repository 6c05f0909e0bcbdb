package syncgroup

import "sync"

// SyncGroup 包装 sync.WaitGroup 管理一组 goroutine 的生命周期：
// 先 Add 注册函数，Run 统一启动，Add/Done 配对由包内保证。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	fns     []func()
	running int
}

// NewSyncGroup 创建空组
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 注册一个函数，需在 Run 之前调用
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.fns = append(g.fns, fn)
	g.mu.Unlock()
}

// Run 启动所有已注册函数并清空列表，避免重复启动
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.fns
	g.fns = nil
	g.running += len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(do func()) {
			defer func() {
				g.wg.Done()
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
			}()
			do()
		}(fn)
	}
}

// Running 当前在跑的 goroutine 数量
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待全部 goroutine 退出
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
