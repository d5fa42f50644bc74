package grid

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/common"
	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/metrics"
	"github.com/betbot/hlgrid/internal/ports"
	"github.com/betbot/hlgrid/internal/reconcile"
)

// runLoop 对账循环：定时触发，或在状态发生实质变化时提前触发（防抖）
func (g *RunningGrid) runLoop(ctx context.Context) {
	common.RunLoop(ctx, g.set.interval, func(ctx context.Context, tickC <-chan time.Time) {
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
				g.cycle(ctx)
			case <-timerC:
				timerC = nil
				g.cycle(ctx)
			case <-g.kick.C():
				ok, wait := g.debouncer.Ready(time.Now())
				if ok {
					g.cycle(ctx)
					continue
				}
				if timerC == nil {
					timer = time.NewTimer(wait)
					timerC = timer.C
				}
			}
		}
	})
}

// cycle 一次完整的对账：处理超时 pending、算网格、对账、风控、提交
func (g *RunningGrid) cycle(ctx context.Context) {
	now := time.Now()
	g.kick.Drain()
	g.debouncer.Mark(now)
	g.cycles.Add(1)
	metrics.ReconcileCycles.Inc()

	if stale := g.tracker.StalePending(now, g.set.pendingTimeout); len(stale) > 0 {
		g.resolveOrders(ctx, stale)
	}

	snap := g.tracker.Snapshot()
	defer g.publish()

	if halted, reason := g.guard.Halted(); halted {
		g.liquidate(ctx, snap.Orders, reason)
		return
	}
	if g.halted {
		g.halted = false
		metrics.SetHalted(false)
		log.Warn("熔断已解除，恢复挂单")
	}

	ref, ok := g.referencePrice(now)
	if !ok {
		log.Debug("没有可用的参考价，跳过本轮对账")
		return
	}
	lad, changed, err := g.ladder.Update(ref)
	var outside *domain.PriceOutOfRange
	switch {
	case errors.As(err, &outside):
		// 越界只告警，已有网格照常维护
		if !g.outOfRange {
			g.outOfRange = true
			log.Warnf("%v，保持当前网格", outside)
		}
		if lad == nil {
			return
		}
	case err != nil:
		log.WithError(err).Warn("计算网格失败，跳过本轮对账")
		return
	case g.outOfRange:
		g.outOfRange = false
		log.Infof("参考价 %s 回到网格区间内", ref)
	}
	if changed {
		metrics.LadderEpoch.Set(float64(lad.Epoch))
	}

	plan := g.engine.Reconcile(lad, snap.Orders)
	if book, ok := g.cache.Snapshot(); ok {
		plan, _ = reconcile.DropCrossing(plan, book)
	}
	filtered, err := g.guard.Filter(plan, snap.Orders, snap.Position)
	var halt *domain.RiskHalt
	if errors.As(err, &halt) {
		g.liquidate(ctx, snap.Orders, halt.Reason)
		return
	}
	if dropped := plan.Count(domain.ActionPlace) - filtered.Count(domain.ActionPlace); dropped > 0 {
		metrics.RiskDropped.Add(float64(dropped))
	}
	metrics.ObservePlan(filtered)
	if !filtered.IsEmpty() {
		log.Debugf("提交计划 cycle=%d: %v", filtered.Cycle, filtered.Actions)
		g.dispatcher.Submit(filtered)
	}
	g.saveResume(g.tracker.Snapshot().Orders)
}

// liquidate 熔断期间每轮撤掉剩余挂单；第一次进入熔断时记录
func (g *RunningGrid) liquidate(ctx context.Context, orders []*domain.ManagedOrder, reason string) {
	if !g.halted {
		g.halted = true
		metrics.RiskHalts.Inc()
		metrics.SetHalted(true)
		log.Errorf("风控熔断: %s，撤销全部挂单并停止下单，等待人工解除", reason)
	}
	var open []*domain.ManagedOrder
	for _, o := range orders {
		if !o.IsTerminal() && o.Status != domain.OrderStatusCancelling && o.ExchangeOrderID != "" {
			open = append(open, o)
		}
	}
	if len(open) == 0 {
		return
	}
	if failed := g.dispatcher.CancelAll(ctx, open); len(failed) > 0 {
		log.Warnf("熔断撤单: %d/%d 个订单未确认撤销，下一轮重试", len(failed), len(open))
	}
}

// referencePrice fixed 模式返回配置的中心价；mid 模式要求行情新鲜
func (g *RunningGrid) referencePrice(now time.Time) (decimal.Decimal, bool) {
	if g.set.fixedCenter.IsPositive() {
		return g.set.fixedCenter, true
	}
	if !g.cache.Fresh(now, g.set.maxBookAge) {
		return decimal.Zero, false
	}
	book, _ := g.cache.Snapshot()
	mid := book.Mid()
	return mid, mid.IsPositive()
}

// resolveOrders 按 clientOrderId 向交易所查询结果未知的订单。
// 交易所没有记录的订单要连续两次查询不到（间隔至少一个 pendingTimeout）才置为过期、释放层级；
// 之后若迟到的 ack 或快照证明它已落地，tracker 会把它恢复。
func (g *RunningGrid) resolveOrders(ctx context.Context, orders []*domain.ManagedOrder) {
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, g.set.dispatch.CallTimeout)
		r, err := g.gw.LookupOrder(callCtx, o.ClientOrderID)
		cancel()
		switch {
		case errors.Is(err, ports.ErrOrderNotFound):
			if g.tracker.NoteLookupMiss(o.ClientOrderID, "not found at exchange") {
				log.Infof("订单 %s 再次查询仍不存在，本地置为过期", o.ClientOrderID)
			} else {
				log.Infof("订单 %s 暂未在交易所找到，保留层级等待再次查询", o.ClientOrderID)
			}
		case err != nil:
			log.WithError(err).Warnf("查询订单 %s 失败，稍后重试", o.ClientOrderID)
		default:
			if r.ClientOrderID == "" {
				r.ClientOrderID = o.ClientOrderID
			}
			g.tracker.ApplyReport(r)
		}
	}
}

func (g *RunningGrid) publish() {
	snap := g.tracker.Snapshot()
	metrics.SetPosition(snap.Position)
	metrics.OpenOrders.Set(float64(len(snap.Orders)))
	st := g.tracker.Stats()
	metrics.SetTrackerStats(st.Applied, st.Duplicates, st.Dropped, st.Revived)
}
