package grid

import (
	"context"
	"errors"
	"time"

	"github.com/betbot/hlgrid/internal/common"
	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ladder"
	"github.com/betbot/hlgrid/internal/metrics"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// retry 以指数退避重复 fn 直到成功或 ctx 结束
func retry(ctx context.Context, what string, fn func() error) bool {
	delay := minReconnectDelay
	for {
		err := fn()
		if err == nil {
			return true
		}
		log.WithError(err).Warnf("%s 失败，%s 后重试", what, delay)
		if !common.Backoff(ctx, delay) {
			return false
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// consumeMarket 消费行情流。跳号时用 REST 快照重建缓存；流关闭时重连并重建。
func (g *RunningGrid) consumeMarket(ctx context.Context, ch <-chan domain.MarketTick) {
	for {
		for tick := range ch {
			err := g.cache.Apply(tick)
			var stale *domain.StaleDataError
			if errors.As(err, &stale) {
				log.WithError(err).Warn("行情跳号，重新拉取快照")
				if !g.resyncMarket(ctx, "market_gap") {
					return
				}
				continue
			}
			g.onPrice()
		}
		if ctx.Err() != nil {
			return
		}

		metrics.StreamReconnects.WithLabelValues("market").Inc()
		g.cache.MarkStale()
		log.Warn("行情流已断开，重连中")
		ok := retry(ctx, "重连行情流", func() error {
			c, err := g.gw.StreamMarketData(ctx, g.set.symbol)
			ch = c
			return err
		})
		if !ok || !g.resyncMarket(ctx, "market_reconnect") {
			return
		}
	}
}

func (g *RunningGrid) resyncMarket(ctx context.Context, source string) bool {
	ok := retry(ctx, "拉取行情快照", func() error {
		tick, err := g.gw.FetchMarketSnapshot(ctx, g.set.symbol)
		if err != nil {
			return err
		}
		g.cache.Reset(tick)
		return nil
	})
	if ok {
		metrics.Resyncs.WithLabelValues(source).Inc()
		g.kick.Emit()
	}
	return ok
}

// onPrice mid 模式下参考价越过 recenter 阈值时提前触发对账
func (g *RunningGrid) onPrice() {
	if g.set.fixedCenter.IsPositive() {
		return
	}
	book, ok := g.cache.Snapshot()
	if !ok {
		return
	}
	cur := g.ladder.Current()
	if cur == nil || ladder.NeedsRecenter(cur.ReferencePrice, book.Mid(), g.set.ladder.RecenterThreshold) {
		g.kick.Emit()
	}
}

// consumeExecutions 消费执行回报流；流关闭时重连，并用账户快照补齐断线期间的变化
func (g *RunningGrid) consumeExecutions(ctx context.Context, ch <-chan domain.ExecutionEvent) {
	for {
		for ev := range ch {
			g.tracker.Apply(ev)
		}
		if ctx.Err() != nil {
			return
		}

		metrics.StreamReconnects.WithLabelValues("execution").Inc()
		log.Warn("回报流已断开，重连中")
		ok := retry(ctx, "重连回报流", func() error {
			c, err := g.gw.StreamExecutionReports(ctx)
			ch = c
			return err
		})
		if !ok || !g.resyncAccount(ctx, "execution_reconnect") {
			return
		}
	}
}

// resyncAccount 用账户快照对齐 tracker：不认识的挂单接管为无层级订单（下一轮撤掉），
// 本地有而快照里没有的订单逐个查询
func (g *RunningGrid) resyncAccount(ctx context.Context, source string) bool {
	var snap domain.AccountSnapshot
	ok := retry(ctx, "拉取账户快照", func() error {
		s, err := g.gw.FetchOpenOrdersSnapshot(ctx)
		snap = s
		return err
	})
	if !ok {
		return false
	}
	res := g.tracker.Resync(snap, g.set.pendingTimeout)
	for _, r := range res.Orphans {
		g.tracker.Adopt(r, -1, 0)
	}
	if len(res.Missing) > 0 {
		var missing []*domain.ManagedOrder
		for _, cloid := range res.Missing {
			if o, found := g.tracker.Lookup(cloid); found {
				missing = append(missing, o)
			}
		}
		g.resolveOrders(ctx, missing)
	}
	metrics.Resyncs.WithLabelValues(source).Inc()
	return true
}
