package sigchan

// Chan 是一个非阻塞、可合并的信号 channel：
// 消费方处理前的多次 Emit 只保留 bufferSize 个（例如连续 SIGHUP 只轮转一次日志）。
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞），返回是否入队
func (c *Chan) Emit() bool {
	select {
	case c.c <- struct{}{}:
		return true
	default:
		// 已有未处理的信号，合并
		return false
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
