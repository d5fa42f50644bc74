package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶速率限制器（允许突发到 capacity）
type TokenBucket struct {
	capacity   int           // 桶容量
	tokens     float64       // 当前令牌数
	refillRate float64       // 每秒补充的令牌数
	lastRefill time.Time     // 上次补充时间
	now        func() time.Time
	mu         sync.Mutex
}

func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到拿到一个令牌
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		tb.mu.Lock()
		wait := time.Second
		if tb.refillRate > 0 {
			wait = time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
		}
		tb.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// GetResetTime 桶被填满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	now := tb.now()
	if tb.refillRate <= 0 || tb.tokens >= float64(tb.capacity) {
		return now
	}
	needed := float64(tb.capacity) - tb.tokens
	return now.Add(time.Duration(needed / tb.refillRate * float64(time.Second)))
}

// SlidingWindow 滑动窗口速率限制器
type SlidingWindow struct {
	limit      int           // 限制数量
	windowSize time.Duration // 窗口大小
	requests   []time.Time   // 窗口内的请求时间戳（升序）
	now        func() time.Time
	mu         sync.Mutex
}

func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// evict 移除窗口外的请求
func (sw *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := sw.now()
	sw.evict(now)
	if len(sw.requests) >= sw.limit {
		return false
	}
	sw.requests = append(sw.requests, now)
	return true
}

func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}
		sw.mu.Lock()
		wait := 100 * time.Millisecond
		if len(sw.requests) > 0 {
			if w := sw.requests[0].Add(sw.windowSize).Sub(sw.now()); w > 0 {
				wait = w
			}
		}
		sw.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.evict(sw.now())
	return max(0, sw.limit-len(sw.requests))
}

func (sw *SlidingWindow) GetResetTime() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.requests) == 0 {
		return sw.now()
	}
	return sw.requests[0].Add(sw.windowSize)
}

// 端点分组
const (
	EndpointExchange = "hl:exchange" // 下单/撤单/改单
	EndpointInfo     = "hl:info"     // 查询
)

// RateLimitManager 按端点分组管理限速器
type RateLimitManager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

// NewRateLimitManager perMinute 为交易类请求的每分钟上限；查询类共享同一配额的一半
func NewRateLimitManager(perMinute int) *RateLimitManager {
	if perMinute <= 0 {
		perMinute = 1200
	}
	rlm := &RateLimitManager{
		limiters: make(map[string]RateLimiter),
		fallback: NewSlidingWindow(perMinute, time.Minute),
	}
	// 交易：允许短时突发，长期不超过 perMinute
	rlm.limiters[EndpointExchange] = NewTokenBucket(max(1, perMinute/10), float64(perMinute)/60)
	rlm.limiters[EndpointInfo] = NewSlidingWindow(max(1, perMinute/2), time.Minute)
	return rlm
}

// Set 替换某个端点的限速器
func (rlm *RateLimitManager) Set(endpoint string, l RateLimiter) {
	rlm.mu.Lock()
	defer rlm.mu.Unlock()
	rlm.limiters[endpoint] = l
}

func (rlm *RateLimitManager) GetLimiter(endpoint string) RateLimiter {
	rlm.mu.RLock()
	defer rlm.mu.RUnlock()
	if limiter, ok := rlm.limiters[endpoint]; ok {
		return limiter
	}
	return rlm.fallback
}

func (rlm *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	return rlm.GetLimiter(endpoint).Wait(ctx)
}

func (rlm *RateLimitManager) Allow(endpoint string) bool {
	return rlm.GetLimiter(endpoint).Allow()
}

func (rlm *RateLimitManager) GetRemaining(endpoint string) int {
	return rlm.GetLimiter(endpoint).GetRemaining()
}
