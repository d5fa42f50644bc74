package domain

import (
	"github.com/shopspring/decimal"
)

// Position 净仓位（正数为多，负数为空）
type Position struct {
	NetSize           decimal.Decimal
	AverageEntryPrice decimal.Decimal
	RealizedPnL       decimal.Decimal
}

// ApplyFill 按成交更新仓位与已实现盈亏
//
// 同向成交按数量加权平均开仓价；反向成交先平掉已有仓位（记录已实现盈亏），
// 剩余部分以成交价反向开仓。
func (p Position) ApplyFill(side Side, size, price decimal.Decimal) Position {
	if !size.IsPositive() {
		return p
	}
	delta := size.Mul(side.Sign())
	net := p.NetSize

	// 空仓或同向加仓
	if net.IsZero() || net.Sign() == delta.Sign() {
		newNet := net.Add(delta)
		cost := p.AverageEntryPrice.Mul(net.Abs()).Add(price.Mul(size))
		p.AverageEntryPrice = cost.Div(newNet.Abs())
		p.NetSize = newNet
		return p
	}

	closing := decimal.Min(size, net.Abs())
	// 多头平仓: (price - avg) * qty；空头平仓: (avg - price) * qty
	pnl := price.Sub(p.AverageEntryPrice).Mul(closing)
	if net.IsNegative() {
		pnl = pnl.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)

	newNet := net.Add(delta)
	switch {
	case newNet.IsZero():
		p.AverageEntryPrice = decimal.Zero
	case newNet.Sign() != net.Sign():
		// 反手
		p.AverageEntryPrice = price
	}
	p.NetSize = newNet
	return p
}
