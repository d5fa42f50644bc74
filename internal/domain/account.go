package domain

import (
	"github.com/shopspring/decimal"
)

// Precision 交易所对某个合约的价格/数量精度要求
type Precision struct {
	PriceDecimals int32
	SizeDecimals  int32
	MaxSigFigs    int32 // 价格最多有效数字，0 表示不限制
}

// MarginSummary 账户保证金概况
type MarginSummary struct {
	AccountValue decimal.Decimal
	MarginUsed   decimal.Decimal
}

// Ratio 已用保证金 / 账户权益；权益非正时返回 0
func (m MarginSummary) Ratio() decimal.Decimal {
	if !m.AccountValue.IsPositive() {
		return decimal.Zero
	}
	return m.MarginUsed.Div(m.AccountValue)
}
