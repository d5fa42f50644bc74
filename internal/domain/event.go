package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind 执行回报类型
type EventKind string

const (
	EventPlaceSubmitted  EventKind = "place_submitted" // 本地：dispatcher 即将发出下单请求
	EventPlaceAck        EventKind = "place_ack"
	EventFill            EventKind = "fill"
	EventCancelAck       EventKind = "cancel_ack" // 撤单请求已被受理
	EventCancelled       EventKind = "cancelled"  // 撤单最终确认
	EventCancelReject    EventKind = "cancel_reject"
	EventAmendAck        EventKind = "amend_ack"
	EventAmendReject     EventKind = "amend_reject"
	EventReject          EventKind = "reject"
	EventExpire          EventKind = "expire"
	EventDispatchTimeout EventKind = "dispatch_timeout" // 本地：请求超时，结果未知
)

// ExecutionEvent 交易所执行回报（或 dispatcher 的本地结果）
//
// Seq 为单个订单内单调递增的序号，用于丢弃重复/过期投递；
// Seq == 0 表示本地产生的事件（REST 响应、超时等），只在状态迁移合法时生效。
type ExecutionEvent struct {
	Kind            EventKind
	ClientOrderID   string
	ExchangeOrderID string
	Seq             uint64

	// 成交：增量数量与价格
	FillSize  decimal.Decimal
	FillPrice decimal.Decimal

	// 改单：新的价格/数量（为空表示不变）
	NewPrice *decimal.Decimal
	NewSize  *decimal.Decimal

	// 下单提交：新订单的静态属性
	Order *ManagedOrder

	Reason string
	Time   time.Time
}

// OrderReport 交易所视角的单个订单状态（快照/查询结果）
type OrderReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	FilledSize      decimal.Decimal
	Status          OrderStatus
}

// AccountSnapshot 交易所的挂单 + 仓位全量快照
type AccountSnapshot struct {
	Orders   []OrderReport
	Position Position
	Time     time.Time
}
