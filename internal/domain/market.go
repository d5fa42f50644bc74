package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketTick 行情流中的一条 top-of-book 更新
//
// Seq 在同一个 symbol 的流内严格 +1 递增；跳号即视为丢包。
type MarketTick struct {
	Symbol    string
	Seq       uint64
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	LastTrade decimal.Decimal
	Time      time.Time
}

// BookSnapshot 行情缓存的只读视图
type BookSnapshot struct {
	Symbol    string
	Seq       uint64
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	LastTrade decimal.Decimal
	UpdatedAt time.Time
}

// Mid 中间价；一侧缺失时退化为另一侧，都缺失时用最新成交价
func (b BookSnapshot) Mid() decimal.Decimal {
	bid, ask := b.BestBid, b.BestAsk
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	case bid.IsPositive():
		return bid
	case ask.IsPositive():
		return ask
	}
	return b.LastTrade
}

func (b BookSnapshot) IsZero() bool {
	return b.UpdatedAt.IsZero() && b.Seq == 0
}
