package risk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续错误上限（网关调用重试耗尽、业务拒单等）。
	MaxConsecutiveErrors int64

	// MaxRealizedLoss 已实现亏损上限（报价币），达到或超过时熔断。
	MaxRealizedLoss decimal.Decimal
}

// CircuitBreaker 熔断开关：一旦打开只能通过 Resume 人工恢复。
// 高频快路径使用原子变量。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors atomic.Int64

	maxConsecutiveErrors atomic.Int64

	mu        sync.RWMutex
	maxLoss   decimal.Decimal
	reason    string
	lastError string
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.mu.Lock()
	cb.maxLoss = cfg.MaxRealizedLoss
	cb.mu.Unlock()
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt(reason string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	if !cb.halted.Load() {
		cb.reason = reason
	}
	cb.mu.Unlock()
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.reason = ""
	cb.mu.Unlock()
	cb.consecutiveErrors.Store(0)
	cb.halted.Store(false)
}

// Check 检查是否允许继续交易；返回非空字符串表示已熔断及原因。
func (cb *CircuitBreaker) Check(realizedPnL decimal.Decimal) string {
	if cb == nil {
		return ""
	}
	if cb.halted.Load() {
		return cb.Reason()
	}

	// 连续错误熔断
	maxErr := cb.maxConsecutiveErrors.Load()
	if n := cb.consecutiveErrors.Load(); maxErr > 0 && n >= maxErr {
		cb.mu.RLock()
		last := cb.lastError
		cb.mu.RUnlock()
		cb.Halt(fmt.Sprintf("consecutive errors reached %d: %s", n, last))
		return cb.Reason()
	}

	// 已实现亏损熔断
	cb.mu.RLock()
	limit := cb.maxLoss
	cb.mu.RUnlock()
	if limit.IsPositive() && realizedPnL.LessThanOrEqual(limit.Neg()) {
		cb.Halt(fmt.Sprintf("realized loss %s breached limit %s", realizedPnL, limit))
		return cb.Reason()
	}
	return ""
}

func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

func (cb *CircuitBreaker) Reason() string {
	if cb == nil {
		return ""
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// OnSuccess 在一次网关调用成功后调用，用于清空连续错误计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 在一次网关调用最终失败后调用，用于累计连续错误计数。
func (cb *CircuitBreaker) OnError(err error) {
	if cb == nil {
		return
	}
	if err != nil {
		cb.mu.Lock()
		cb.lastError = err.Error()
		cb.mu.Unlock()
	}
	cb.consecutiveErrors.Add(1)
}

func (cb *CircuitBreaker) ConsecutiveErrors() int64 {
	if cb == nil {
		return 0
	}
	return cb.consecutiveErrors.Load()
}
