package risk

import (
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "risk")

// Config 风控参数；<= 0 表示关闭对应限制
type Config struct {
	MaxNetPosition       decimal.Decimal
	MaxOpenOrders        int
	MaxRealizedLoss      decimal.Decimal
	MaxConsecutiveErrors int
	AllowShrink          bool            // 超限时把下单数量缩到剩余额度，而不是直接丢弃
	MinOrderSize         decimal.Decimal // 缩量后低于此值则丢弃
	MaxMarginRatio       decimal.Decimal // 保证金率高位线；告警线为其 80%，熔断线为其 110%
}

// MarginLevel 保证金率所处的风险等级
type MarginLevel int

const (
	MarginNormal MarginLevel = iota
	MarginWarning
	MarginHigh     // 不再新增挂单
	MarginCritical // 熔断并撤掉全部挂单
)

func (l MarginLevel) String() string {
	switch l {
	case MarginWarning:
		return "warning"
	case MarginHigh:
		return "high"
	case MarginCritical:
		return "critical"
	}
	return "normal"
}

// Guard 在计划发往执行器之前做否决/缩量
type Guard struct {
	cfg     Config
	breaker *CircuitBreaker
	margin  atomic.Int32
}

func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg: cfg,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxConsecutiveErrors: int64(cfg.MaxConsecutiveErrors),
			MaxRealizedLoss:      cfg.MaxRealizedLoss,
		}),
	}
}

// Breaker 供执行器上报调用结果
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Halt 手动熔断
func (g *Guard) Halt(reason string) { g.breaker.Halt(reason) }

// Clear 人工解除熔断
func (g *Guard) Clear() {
	if g.breaker.Halted() {
		log.Warnf("风控熔断已人工解除（原因: %s）", g.breaker.Reason())
	}
	g.breaker.Resume()
}

func (g *Guard) Halted() (bool, string) {
	return g.breaker.Halted(), g.breaker.Reason()
}

// ObserveMargin 记录最新的保证金率并返回对应等级。
// 达到熔断线时直接触发熔断；高位期间 Filter 丢弃全部 Place。
func (g *Guard) ObserveMargin(ratio decimal.Decimal) MarginLevel {
	level := MarginNormal
	if high := g.cfg.MaxMarginRatio; high.IsPositive() {
		switch {
		case ratio.GreaterThanOrEqual(high.Mul(decimal.RequireFromString("1.1"))):
			level = MarginCritical
		case ratio.GreaterThanOrEqual(high):
			level = MarginHigh
		case ratio.GreaterThanOrEqual(high.Mul(decimal.RequireFromString("0.8"))):
			level = MarginWarning
		}
	}
	prev := MarginLevel(g.margin.Swap(int32(level)))
	if level != prev {
		switch level {
		case MarginNormal:
			log.Infof("保证金率恢复正常: %s", ratio.StringFixed(4))
		case MarginWarning:
			log.Warnf("保证金率偏高: %s", ratio.StringFixed(4))
		default:
			log.Errorf("保证金率 %s 达到 %s 等级", ratio.StringFixed(4), level)
		}
	}
	if level == MarginCritical {
		g.breaker.Halt("margin ratio critical: " + ratio.StringFixed(4))
	}
	return level
}

// Margin 最近一次观测到的保证金等级
func (g *Guard) Margin() MarginLevel { return MarginLevel(g.margin.Load()) }

// Filter 过滤一份计划。
//
// 熔断条件成立时丢弃整份计划并返回 *domain.RiskHalt，由上层撤掉所有挂单。
// 否则按最坏情况估算每一侧的敞口：某一侧挂单全部成交后 |净仓位| 不得超过上限；
// 本计划中将被撤销的订单不计入，改单按新数量计入。超出的 Place 被丢弃（或缩量），其余保留。
func (g *Guard) Filter(plan domain.ActionPlan, orders []*domain.ManagedOrder, position domain.Position) (domain.ActionPlan, error) {
	if reason := g.breaker.Check(position.RealizedPnL); reason != "" {
		return domain.ActionPlan{Cycle: plan.Cycle}, &domain.RiskHalt{Reason: reason}
	}

	cancelled := make(map[string]struct{})
	amended := make(map[string]domain.Action)
	for _, a := range plan.Actions {
		switch a.Kind {
		case domain.ActionCancel:
			cancelled[a.Order.ClientOrderID] = struct{}{}
		case domain.ActionAmend:
			amended[a.Order.ClientOrderID] = a
		}
	}

	var restingBuy, restingSell decimal.Decimal
	open := 0
	for _, o := range orders {
		if o.IsTerminal() {
			continue
		}
		open++
		if _, ok := cancelled[o.ClientOrderID]; ok {
			continue
		}
		remaining := o.Remaining()
		if a, ok := amended[o.ClientOrderID]; ok && a.NewSize != nil {
			remaining = decimal.Max(a.NewSize.Sub(o.FilledSize), decimal.Zero)
		}
		if o.Side == domain.SideBuy {
			restingBuy = restingBuy.Add(remaining)
		} else {
			restingSell = restingSell.Add(remaining)
		}
	}

	limit := g.cfg.MaxNetPosition
	net := position.NetSize
	// 剩余额度：多头方向 limit - (net + 买单)，空头方向 limit + (net - 卖单)
	buyRoom := limit.Sub(net.Add(restingBuy))
	sellRoom := limit.Add(net.Sub(restingSell))

	capped := g.cfg.MaxOpenOrders > 0
	slots := g.cfg.MaxOpenOrders - (open - len(cancelled))

	out := domain.ActionPlan{Cycle: plan.Cycle, Actions: make([]domain.Action, 0, len(plan.Actions))}
	var places []domain.Action
	for _, a := range plan.Actions {
		if a.Kind == domain.ActionPlace {
			places = append(places, a)
		} else {
			out.Actions = append(out.Actions, a)
		}
	}

	if g.Margin() >= MarginHigh && len(places) > 0 {
		log.Infof("保证金率过高，丢弃 %d 个新挂单", len(places))
		places = nil
	}

	kept := make(map[int]domain.Action, len(places))
	for _, a := range nearestFirst(places) {
		if capped && slots <= 0 {
			log.Debugf("丢弃 %s: 挂单数量已达上限 %d", a, g.cfg.MaxOpenOrders)
			continue
		}
		size := a.Level.TargetSize
		if limit.IsPositive() {
			room := buyRoom
			if a.Level.Side == domain.SideSell {
				room = sellRoom
			}
			if size.GreaterThan(room) {
				if !g.cfg.AllowShrink || room.LessThan(g.cfg.MinOrderSize) || !room.IsPositive() {
					log.Infof("丢弃 %s: 最坏情况净仓位将超过上限 %s (net=%s)", a, limit, net)
					continue
				}
				log.Infof("缩量 %s -> %s: 净仓位额度不足", a, room)
				size = room
				a.Level.TargetSize = size
			}
			if a.Level.Side == domain.SideBuy {
				buyRoom = buyRoom.Sub(size)
			} else {
				sellRoom = sellRoom.Sub(size)
			}
		}
		slots--
		kept[a.Level.LevelIndex] = a
	}

	// 保持原计划中的顺序
	for _, a := range places {
		if k, ok := kept[a.Level.LevelIndex]; ok {
			out.Actions = append(out.Actions, k)
		}
	}
	return out, nil
}

// nearestFirst 买卖两侧按距离参考价由近到远交替排列，额度先分给最近的层级
func nearestFirst(places []domain.Action) []domain.Action {
	var buys, sells []domain.Action
	for _, a := range places {
		if a.Level.Side == domain.SideBuy {
			buys = append(buys, a)
		} else {
			sells = append(sells, a)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Level.Price.GreaterThan(buys[j].Level.Price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Level.Price.LessThan(sells[j].Level.Price) })

	out := make([]domain.Action, 0, len(places))
	for i := 0; i < len(buys) || i < len(sells); i++ {
		if i < len(buys) {
			out = append(out, buys[i])
		}
		if i < len(sells) {
			out = append(out, sells[i])
		}
	}
	return out
}
