package grid

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// RoundTrips 已完成的买卖配对
type RoundTrips struct {
	Count  uint64          `json:"count"`
	Profit decimal.Decimal `json:"profit"` // 未扣手续费
}

type lot struct {
	size  decimal.Decimal
	price decimal.Decimal
}

// roundTrips 把成交配成一买一卖：新成交先与反方向最近的未配对成交相抵（后进先出），
// 网格里相邻两层的一买一卖即一次完整的来回
type roundTrips struct {
	mu    sync.Mutex
	buys  []lot
	sells []lot
	stats RoundTrips
}

// record 计入一笔成交，返回本次完成的配对数与对应利润
func (r *roundTrips) record(side domain.Side, size, price decimal.Decimal) (int, decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	opposite, same := &r.sells, &r.buys
	if side == domain.SideSell {
		opposite, same = &r.buys, &r.sells
	}
	closed := 0
	profit := decimal.Zero
	left := size
	for left.IsPositive() && len(*opposite) > 0 {
		last := &(*opposite)[len(*opposite)-1]
		qty := decimal.Min(left, last.size)
		buy, sell := last.price, price
		if side == domain.SideBuy {
			buy, sell = price, last.price
		}
		profit = profit.Add(sell.Sub(buy).Mul(qty))
		left = left.Sub(qty)
		last.size = last.size.Sub(qty)
		if !last.size.IsPositive() {
			*opposite = (*opposite)[:len(*opposite)-1]
			closed++
		}
	}
	if left.IsPositive() {
		*same = append(*same, lot{size: left, price: price})
	}
	r.stats.Count += uint64(closed)
	r.stats.Profit = r.stats.Profit.Add(profit)
	return closed, profit
}

func (r *roundTrips) snapshot() RoundTrips {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
