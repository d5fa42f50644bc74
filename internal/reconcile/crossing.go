package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// DropCrossing 去掉会立即成交的 Place/Amend：买价 >= 卖一，或卖价 <= 买一。
//
// 网格只挂 post-only 单，这类请求必然被交易所拒绝；留给价格回到层级另一侧后的周期处理。
// 盘口某一侧缺失（<= 0）时不做判断。Cancel 原样保留。
func DropCrossing(plan domain.ActionPlan, book domain.BookSnapshot) (domain.ActionPlan, int) {
	out := domain.ActionPlan{Cycle: plan.Cycle, Actions: make([]domain.Action, 0, len(plan.Actions))}
	dropped := 0
	for _, a := range plan.Actions {
		var (
			side  domain.Side
			price = a.Level.Price
		)
		switch a.Kind {
		case domain.ActionPlace:
			side = a.Level.Side
		case domain.ActionAmend:
			if a.NewPrice == nil {
				out.Actions = append(out.Actions, a)
				continue
			}
			side, price = a.Order.Side, *a.NewPrice
		default:
			out.Actions = append(out.Actions, a)
			continue
		}
		if crosses(side, price, book) {
			dropped++
			log.Debugf("跳过 %s: 价格 %s 会穿过盘口 bid=%s ask=%s", a, price, book.BestBid, book.BestAsk)
			continue
		}
		out.Actions = append(out.Actions, a)
	}
	return out, dropped
}

func crosses(side domain.Side, price decimal.Decimal, book domain.BookSnapshot) bool {
	if side == domain.SideBuy {
		return book.BestAsk.IsPositive() && price.GreaterThanOrEqual(book.BestAsk)
	}
	return book.BestBid.IsPositive() && price.LessThanOrEqual(book.BestBid)
}
