package sigchan

import "sync/atomic"

// Chan 合并式唤醒信号：接收方处理之前的多次 Emit 只唤醒一次，不传递数据。
type Chan struct {
	c         chan struct{}
	emitted   atomic.Uint64
	coalesced atomic.Uint64
}

func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号，从不阻塞；缓冲已满时与尚未处理的信号合并
func (c *Chan) Emit() {
	c.emitted.Add(1)
	select {
	case c.c <- struct{}{}:
	default:
		c.coalesced.Add(1)
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain 丢弃已经到达但还没处理的信号，返回丢弃数量。
// 接收方即将做一次完整处理时调用，避免紧接着再被旧信号唤醒。
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}

// Stats 累计的 Emit 次数与被合并的次数
func (c *Chan) Stats() (emitted, coalesced uint64) {
	return c.emitted.Load(), c.coalesced.Load()
}
