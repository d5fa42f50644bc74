package common

import (
	"context"
	"time"
)

// RunLoop 在当前 goroutine 中运行 run，负责 ticker 的创建与释放。
// tick <= 0 时传入的 tickC 为 nil（永不触发）。
func RunLoop(ctx context.Context, tick time.Duration, run func(ctx context.Context, tickC <-chan time.Time)) {
	var tickC <-chan time.Time
	if tick > 0 {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		tickC = ticker.C
	}
	run(ctx, tickC)
}

// Backoff 在 ctx 结束前等待 d；ctx 结束返回 false
func Backoff(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
