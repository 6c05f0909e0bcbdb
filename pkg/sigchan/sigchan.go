package sigchan

// Chan 非阻塞信号 channel：只通知事件发生，不携带数据。
// 缓冲写满时信号被合并（多次 Emit 等价一次），适合"有活干了"类唤醒。
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel
func New(bufferSize int) *Chan {
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号，缓冲已满时丢弃（不阻塞发送方）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部 channel 供 select 使用
func (c *Chan) C() <-chan struct{} {
	return c.c
}
