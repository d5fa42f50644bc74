package reconcile

import (
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "reconcile")

// Config 对账容差
type Config struct {
	PriceTolerance decimal.Decimal // 相对容差，0.0005 = 5bp
	SizeTolerance  decimal.Decimal // 相对容差
	DisableAmend   bool            // 交易所不支持改单时强制撤单重挂
}

const (
	ReasonStaleLevel = "stale_level" // 层级已不在当前网格（recenter）
	ReasonSideFlip   = "side_mismatch"
	ReasonDrift      = "drift"
	ReasonDuplicate  = "duplicate_on_level"
)

// Engine 为每次对账分配递增的周期号
type Engine struct {
	cfg   Config
	cycle atomic.Uint64
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Reconcile 计算一次对账，返回带周期号的计划
func (e *Engine) Reconcile(ladder *domain.Ladder, orders []*domain.ManagedOrder) domain.ActionPlan {
	plan := Reconcile(ladder, orders, e.cfg)
	plan.Cycle = e.cycle.Add(1)
	if !plan.IsEmpty() {
		log.Debugf("cycle=%d place=%d cancel=%d amend=%d", plan.Cycle,
			plan.Count(domain.ActionPlace), plan.Count(domain.ActionCancel), plan.Count(domain.ActionAmend))
	}
	return plan
}

// Reconcile 比较目标网格与当前订单，输出让两者收敛的最小动作集合。
//
//   - 层级上没有非终态订单：Place
//   - 订单所属层级已不在网格中（recenter）：Cancel，从不跨纪元改单
//   - 同一层级内价格/数量超出容差且没有成交：Amend（DisableAmend 时 Cancel）
//   - 同一层级内超出容差但已有成交：Cancel，保留已成交部分的记账
//   - 容差以内不做任何动作，部分成交的订单同样保留
//
// 所有 Cancel/Amend 排在 Place 之前。没有交易所订单号的 Pending 订单无法撤改，只能等待 ack。
// 对已收敛的状态调用返回空计划。
func Reconcile(ladder *domain.Ladder, orders []*domain.ManagedOrder, cfg Config) domain.ActionPlan {
	levels := make(map[int]domain.GridLevel)
	if ladder != nil {
		for _, lv := range ladder.Levels {
			levels[lv.LevelIndex] = lv
		}
	}

	byLevel := make(map[int][]*domain.ManagedOrder)
	for _, o := range orders {
		if o == nil || o.IsTerminal() {
			continue
		}
		byLevel[o.LevelIndex] = append(byLevel[o.LevelIndex], o)
	}

	var cancels, amends, places []domain.Action
	cancel := func(o *domain.ManagedOrder, reason string) {
		if o.Status == domain.OrderStatusCancelling || o.ExchangeOrderID == "" {
			return
		}
		cancels = append(cancels, domain.Action{Kind: domain.ActionCancel, Order: o, Reason: reason})
	}

	for idx, group := range byLevel {
		lv, exists := levels[idx]
		if !exists {
			for _, o := range group {
				cancel(o, ReasonStaleLevel)
			}
			continue
		}

		keep, extras := pickKeeper(group)
		for _, o := range extras {
			cancel(o, ReasonDuplicate)
		}

		if keep.Side != lv.Side {
			cancel(keep, ReasonSideFlip)
			continue
		}
		priceDrift := drifted(keep.Price, lv.Price, cfg.PriceTolerance)
		sizeDrift := drifted(keep.Size, lv.TargetSize, cfg.SizeTolerance)
		if !priceDrift && !sizeDrift {
			continue
		}
		if keep.Status == domain.OrderStatusCancelling || keep.ExchangeOrderID == "" {
			continue
		}
		if keep.HasFill() || cfg.DisableAmend {
			cancel(keep, ReasonDrift)
			continue
		}
		a := domain.Action{Kind: domain.ActionAmend, Order: keep, Reason: ReasonDrift}
		if priceDrift {
			p := lv.Price
			a.NewPrice = &p
		}
		if sizeDrift {
			s := lv.TargetSize
			a.NewSize = &s
		}
		amends = append(amends, a)
	}

	if ladder != nil {
		for _, lv := range ladder.Levels {
			if len(byLevel[lv.LevelIndex]) > 0 {
				continue
			}
			places = append(places, domain.Action{Kind: domain.ActionPlace, Level: lv})
		}
	}

	sortByLevel(cancels)
	sortByLevel(amends)
	sortByLevel(places)

	actions := make([]domain.Action, 0, len(cancels)+len(amends)+len(places))
	actions = append(actions, cancels...)
	actions = append(actions, amends...)
	actions = append(actions, places...)
	return domain.ActionPlan{Actions: actions}
}

// pickKeeper 同一层级出现多个订单时（例如重启后接管），保留有成交的、其次最早创建的
func pickKeeper(group []*domain.ManagedOrder) (*domain.ManagedOrder, []*domain.ManagedOrder) {
	if len(group) == 1 {
		return group[0], nil
	}
	sorted := append([]*domain.ManagedOrder(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.HasFill() != b.HasFill() {
			return a.HasFill()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ClientOrderID < b.ClientOrderID
	})
	return sorted[0], sorted[1:]
}

// drifted |actual-target|/target > tol
func drifted(actual, target, tol decimal.Decimal) bool {
	if !target.IsPositive() {
		return !actual.Equal(target)
	}
	return actual.Sub(target).Abs().Div(target).GreaterThan(tol)
}

func sortByLevel(actions []domain.Action) {
	key := func(a domain.Action) (int, string) {
		if a.Order != nil {
			return a.Order.LevelIndex, a.Order.ClientOrderID
		}
		return a.Level.LevelIndex, ""
	}
	sort.SliceStable(actions, func(i, j int) bool {
		li, ci := key(actions[i])
		lj, cj := key(actions[j])
		if li != lj {
			return li < lj
		}
		return ci < cj
	})
}
