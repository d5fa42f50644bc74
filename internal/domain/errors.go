package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ConfigurationError 配置非法：启动前致命，不会下任何单
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// PriceOutOfRange 参考价落在配置的网格价格区间之外；零值边界表示该侧不限制
type PriceOutOfRange struct {
	Price decimal.Decimal
	Lower decimal.Decimal
	Upper decimal.Decimal
}

func (e *PriceOutOfRange) Error() string {
	return fmt.Sprintf("price %s out of grid range [%s, %s]", e.Price, e.Lower, e.Upper)
}

// StaleDataError 行情序号跳号，需要 REST 全量快照后才能继续
type StaleDataError struct {
	Symbol   string
	Expected uint64
	Got      uint64
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale market data for %s: expected seq %d, got %d", e.Symbol, e.Expected, e.Got)
}

// DispatchFailure 单个动作在重试耗尽后仍失败；本周期丢弃，下个周期重新评估
type DispatchFailure struct {
	Action   Action
	Attempts int
	Err      error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// RiskHalt 风控熔断：停止新下单并撤掉所有挂单，需要外部手动解除
type RiskHalt struct {
	Reason string
}

func (e *RiskHalt) Error() string {
	return "risk halt: " + e.Reason
}

// UnrecognizedEvent 无法识别或无法应用的回报；记录后丢弃
type UnrecognizedEvent struct {
	Event  ExecutionEvent
	Reason string
}

func (e *UnrecognizedEvent) Error() string {
	return fmt.Sprintf("unrecognized event %s cloid=%s seq=%d: %s", e.Event.Kind, e.Event.ClientOrderID, e.Event.Seq, e.Reason)
}
