package common

import (
	"sync"
	"time"
)

// Debouncer 时间闸门：距离上次 Mark 不足 interval 时不放行。
// 并发安全。
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

func (d *Debouncer) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Ready 是否可以立即执行；不能执行时返回还需等待的时长。不修改内部状态。
func (d *Debouncer) Ready(now time.Time) (ready bool, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyLocked(now)
}

func (d *Debouncer) readyLocked(now time.Time) (bool, time.Duration) {
	if d.interval <= 0 || d.last.IsZero() {
		return true, 0
	}
	since := now.Sub(d.last)
	if since >= d.interval {
		return true, 0
	}
	return false, d.interval - since
}

// TryMark 放行时同时记录本次执行时间
func (d *Debouncer) TryMark(now time.Time) (ok bool, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok, wait = d.readyLocked(now)
	if ok {
		d.last = now
	}
	return ok, wait
}

func (d *Debouncer) Mark(now time.Time) {
	d.mu.Lock()
	d.last = now
	d.mu.Unlock()
}

func (d *Debouncer) Last() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Reset 清空上次执行时间，下一次 Ready 必然放行
func (d *Debouncer) Reset() {
	d.mu.Lock()
	d.last = time.Time{}
	d.mu.Unlock()
}
