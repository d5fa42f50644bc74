package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign 买入为 +1，卖出为 -1（用于仓位增量计算）
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"          // 已提交，等待交易所确认
	OrderStatusOpen            OrderStatus = "open"             // 挂单中
	OrderStatusPartiallyFilled OrderStatus = "partially_filled" // 部分成交
	OrderStatusFilled          OrderStatus = "filled"           // 全部成交
	OrderStatusCancelling      OrderStatus = "cancelling"       // 撤单已确认受理，等待最终结果
	OrderStatusCancelled       OrderStatus = "cancelled"        // 已撤销
	OrderStatusRejected        OrderStatus = "rejected"         // 被拒绝
	OrderStatusExpired         OrderStatus = "expired"          // 已过期
)

// IsTerminal 终态不会再被任何事件迁移（迟到的成交除外，见 tracker）
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// ManagedOrder 本地管理的网格订单
//
// ClientOrderID 由本地生成，在单个网格实例内全局唯一，同时作为交易所侧的幂等键。
// LevelIndex 只是对网格层级的反向引用，不代表所有权。
type ManagedOrder struct {
	ClientOrderID   string
	ExchangeOrderID string // 交易所确认后才有
	LevelIndex      int
	Epoch           uint64 // 下单时所属的网格纪元（recenter 后递增）
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	FilledSize      decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// 撤单被拒时需要恢复到撤单前的状态
	StatusBeforeCancel OrderStatus
	LastError          string

	// 按 clientOrderId 查询时交易所连续回复"不存在"的次数
	LookupMisses int
}

// Remaining 剩余未成交数量
func (o *ManagedOrder) Remaining() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (o *ManagedOrder) IsTerminal() bool {
	return o != nil && o.Status.IsTerminal()
}

func (o *ManagedOrder) HasFill() bool {
	return o != nil && o.FilledSize.IsPositive()
}

// Clone 返回值拷贝（decimal 本身不可变，浅拷贝即可）
func (o *ManagedOrder) Clone() *ManagedOrder {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
