package grid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/common"
	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/execution"
	"github.com/betbot/hlgrid/internal/ladder"
	"github.com/betbot/hlgrid/internal/marketstate"
	"github.com/betbot/hlgrid/internal/metrics"
	"github.com/betbot/hlgrid/internal/ports"
	"github.com/betbot/hlgrid/internal/reconcile"
	"github.com/betbot/hlgrid/internal/risk"
	"github.com/betbot/hlgrid/internal/tracker"
	"github.com/betbot/hlgrid/pkg/config"
	"github.com/betbot/hlgrid/pkg/persistence"
	"github.com/betbot/hlgrid/pkg/sigchan"
	"github.com/betbot/hlgrid/pkg/syncgroup"
)

var log = logrus.WithField("component", "grid")

// stopRounds 停机撤单的最大轮数
const stopRounds = 3

// Options 由进程入口注入的可选依赖
type Options struct {
	Persistence persistence.Service // 恢复状态；nil 表示不持久化
	History     tracker.HistorySink // 终态订单流水；nil 表示不记录
}

// Status 运行状态的只读视图
type Status struct {
	Symbol           string                 `json:"symbol"`
	Halted           bool                   `json:"halted"`
	HaltReason       string                 `json:"halt_reason,omitempty"`
	Book             domain.BookSnapshot    `json:"book"`
	BookStale        bool                   `json:"book_stale"`
	Ladder           *domain.Ladder         `json:"ladder,omitempty"`
	Position         domain.Position        `json:"position"`
	Orders           []*domain.ManagedOrder `json:"orders"`
	Tracker          tracker.Stats          `json:"tracker"`
	RoundTrips       RoundTrips             `json:"round_trips"`
	MarginLevel      string                 `json:"margin_level"`
	Cycles           uint64                 `json:"cycles"`
	DispatchFailures uint64                 `json:"dispatch_failures"`
	StartedAt        time.Time              `json:"started_at"`
}

// RunningGrid 一个运行中的网格实例
//
// 后台 goroutine：执行器、行情流消费、回报流消费、对账循环。
// 对账循环是唯一调用 Submit 的地方。
type RunningGrid struct {
	set     settings
	gw      ports.Gateway
	persist persistence.Service

	tracker    *tracker.Tracker
	cache      *marketstate.BookCache
	ladder     *ladder.Model
	engine     *reconcile.Engine
	guard      *risk.Guard
	dispatcher *execution.Dispatcher

	kick      *sigchan.Chan
	debouncer *common.Debouncer

	cancel     context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	sg         *syncgroup.SyncGroup
	stopOnce   sync.Once
	stopErr    error

	// 只在对账循环（以及循环退出后的 Stop）中访问
	saved      *resumeState
	halted     bool
	outOfRange bool

	trips roundTrips

	cycles    atomic.Uint64
	startedAt time.Time
}

// Start 校验配置、恢复状态、与交易所全量对齐，然后启动后台循环。
// 配置非法时返回 *domain.ConfigurationError，不会发出任何订单。
func Start(ctx context.Context, cfg *config.Config, gw ports.Gateway, opts Options) (*RunningGrid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, &domain.ConfigurationError{Field: "exchange", Reason: "gateway is required"}
	}

	set := newSettings(cfg)
	if err := prepareAccount(ctx, gw, &set); err != nil {
		return nil, err
	}
	g := &RunningGrid{
		set:       set,
		gw:        gw,
		persist:   opts.Persistence,
		cache:     marketstate.NewBookCache(set.symbol),
		ladder:    ladder.NewModel(set.ladder),
		engine:    reconcile.NewEngine(set.reconcile),
		guard:     risk.NewGuard(set.risk),
		kick:      sigchan.New(1),
		debouncer: common.NewDebouncer(set.debounce),
		loopDone:  make(chan struct{}),
		sg:        syncgroup.NewSyncGroup(),
		startedAt: time.Now(),
	}
	g.tracker = tracker.New(tracker.Options{Sink: opts.History, OnChange: g.onTrackerChange, OnFill: g.onFill})
	g.dispatcher = execution.NewDispatcher(gw, g.tracker, set.dispatch, execution.Options{
		Reporter:  g.guard.Breaker(),
		Observer:  metrics.Dispatch{},
		OnFailure: g.onDispatchFailure,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, loopCancel := context.WithCancel(runCtx)
	g.cancel, g.loopCancel = cancel, loopCancel

	// 先订阅再拉快照，两者之间的事件不会丢
	execC, err := gw.StreamExecutionReports(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe execution reports: %w", err)
	}
	marketC, err := gw.StreamMarketData(runCtx, set.symbol)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe market data: %w", err)
	}
	if err := g.bootstrap(ctx); err != nil {
		cancel()
		return nil, err
	}

	g.sg.Add(func() { g.dispatcher.Run(runCtx) })
	g.sg.Add(func() { g.consumeExecutions(runCtx, execC) })
	g.sg.Add(func() { g.consumeMarket(runCtx, marketC) })
	g.sg.Add(func() {
		defer close(g.loopDone)
		g.runLoop(loopCtx)
	})
	if mf, ok := gw.(ports.MarginFetcher); ok && set.marginInterval > 0 {
		g.sg.Add(func() { g.watchMargin(runCtx, mf) })
	}
	g.sg.Run()
	g.kick.Emit()

	log.Infof("网格已启动: symbol=%s levels=%d spacing=%s step=%s", set.symbol, set.ladder.Levels, set.ladder.Spacing, set.ladder.Step)
	return g, nil
}

// prepareAccount 下单前的账户准备：按交易所元数据修正精度、设置杠杆。
// 网关不支持的步骤直接跳过。
func prepareAccount(ctx context.Context, gw ports.Gateway, set *settings) error {
	if ps, ok := gw.(ports.PrecisionSource); ok && set.exchangeMeta {
		p, err := ps.FetchPrecision(ctx, set.symbol)
		if err != nil {
			return fmt.Errorf("fetch precision: %w", err)
		}
		log.Infof("使用交易所精度: price_decimals=%d size_decimals=%d max_sig_figs=%d", p.PriceDecimals, p.SizeDecimals, p.MaxSigFigs)
		set.ladder.PriceDecimals = p.PriceDecimals
		set.ladder.SizeDecimals = p.SizeDecimals
		set.ladder.MaxSigFigs = p.MaxSigFigs
	}
	if ls, ok := gw.(ports.LeverageSetter); ok && set.leverage > 0 {
		if err := ls.UpdateLeverage(ctx, set.leverage, set.crossMargin); err != nil {
			return fmt.Errorf("update leverage: %w", err)
		}
	}
	return nil
}

// bootstrap 恢复上次的网格，拉取行情与账户快照，接管交易所上已有的挂单
func (g *RunningGrid) bootstrap(ctx context.Context) error {
	st := g.loadResume()
	if st.valid() {
		if err := g.ladder.Restore(st.Ladder); err != nil {
			log.WithError(err).Warn("恢复网格失败，按新网格启动")
			st.Bindings = map[string]binding{}
		} else {
			log.Infof("恢复网格: epoch=%d base=%d ref=%s bindings=%d",
				st.Ladder.Epoch, st.Ladder.Base, st.Ladder.ReferencePrice, len(st.Bindings))
			metrics.LadderEpoch.Set(float64(st.Ladder.Epoch))
		}
	}

	tick, err := g.gw.FetchMarketSnapshot(ctx, g.set.symbol)
	if err != nil {
		return fmt.Errorf("fetch market snapshot: %w", err)
	}
	g.cache.Reset(tick)

	// 参考价已知时先试算一次网格，形状问题在下单前暴露
	ref := g.set.fixedCenter
	if !ref.IsPositive() {
		book, _ := g.cache.Snapshot()
		ref = book.Mid()
	}
	if ref.IsPositive() {
		if !ladder.InRange(g.set.ladder, ref) {
			return &domain.PriceOutOfRange{Price: ref, Lower: g.set.ladder.LowerPrice, Upper: g.set.ladder.UpperPrice}
		}
		if _, err := ladder.ComputeTargetLevels(g.set.ladder, ref, 0, 0); err != nil {
			return err
		}
	}

	acct, err := g.gw.FetchOpenOrdersSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	res := g.tracker.Resync(acct, g.set.pendingTimeout)
	for _, r := range res.Orphans {
		if b, ok := st.Bindings[r.ClientOrderID]; ok && r.ClientOrderID != "" {
			g.tracker.Adopt(r, b.Level, b.Epoch)
			continue
		}
		// 不属于本网格的挂单，下一次对账撤掉
		g.tracker.Adopt(r, -1, 0)
	}
	metrics.Resyncs.WithLabelValues("startup").Inc()
	metrics.SetPosition(res.Position)
	return nil
}

// Stop 停止对账，等待执行中的计划结束，然后撤销全部挂单（有限轮重试）。
// 仍未撤掉的订单逐个记录日志，并以 error 返回数量。重复调用返回同一结果。
func (g *RunningGrid) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() { g.stopErr = g.stop(ctx) })
	return g.stopErr
}

func (g *RunningGrid) stop(ctx context.Context) error {
	log.Info("停止网格：停止对账并撤销全部挂单")
	g.loopCancel()
	<-g.loopDone

	if err := g.dispatcher.Wait(ctx); err != nil {
		log.WithError(err).Warn("等待执行中的计划超时")
	}

	var left []*domain.ManagedOrder
	for round := 1; round <= stopRounds; round++ {
		g.sweepAccount(ctx)
		if pending := pendingOrders(g.tracker.Snapshot().Orders); len(pending) > 0 {
			g.resolveOrders(ctx, pending)
		}
		left = g.dispatcher.CancelAll(ctx, g.tracker.Snapshot().Orders)
		if len(left) == 0 || round == stopRounds || !common.Backoff(ctx, time.Duration(round)*500*time.Millisecond) {
			break
		}
		log.Warnf("第 %d 轮撤单后仍有 %d 个订单未撤销，重试", round, len(left))
	}
	for _, o := range left {
		log.Errorf("停机时未能撤销订单: cloid=%s oid=%s level=%d %s %s@%s status=%s",
			o.ClientOrderID, o.ExchangeOrderID, o.LevelIndex, o.Side, o.Remaining(), o.Price, o.Status)
	}

	g.saveResume(g.tracker.Snapshot().Orders)
	g.cancel()
	g.sg.Wait()

	if len(left) > 0 {
		return fmt.Errorf("%d orders could not be cancelled", len(left))
	}
	log.Info("网格已停止")
	return nil
}

// sweepAccount 停机时拉一次账户快照（不重试）：迟到落地、本地已当作过期的订单
// 由 Resync 恢复，不认识的挂单接管为无层级订单，随后一并撤掉
func (g *RunningGrid) sweepAccount(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, g.set.dispatch.CallTimeout)
	snap, err := g.gw.FetchOpenOrdersSnapshot(callCtx)
	cancel()
	if err != nil {
		log.WithError(err).Warn("停机前拉取账户快照失败，只撤本地已知的订单")
		return
	}
	res := g.tracker.Resync(snap, g.set.pendingTimeout)
	for _, r := range res.Orphans {
		g.tracker.Adopt(r, -1, 0)
	}
	metrics.Resyncs.WithLabelValues("stop").Inc()
}

// Halt 人工熔断：停止下单并撤掉全部挂单
func (g *RunningGrid) Halt(reason string) {
	if reason == "" {
		reason = "manual halt"
	}
	g.guard.Halt(reason)
	g.kick.Emit()
}

// ClearHalt 人工解除熔断，下一次对账恢复挂单
func (g *RunningGrid) ClearHalt() {
	g.guard.Clear()
	g.kick.Emit()
}

// Status 当前运行状态
func (g *RunningGrid) Status() Status {
	snap := g.tracker.Snapshot()
	book, fresh := g.cache.Snapshot()
	halted, reason := g.guard.Halted()
	return Status{
		Symbol:           g.set.symbol,
		Halted:           halted,
		HaltReason:       reason,
		Book:             book,
		BookStale:        !fresh,
		Ladder:           g.ladder.Current(),
		Position:         snap.Position,
		Orders:           snap.Orders,
		Tracker:          g.tracker.Stats(),
		RoundTrips:       g.trips.snapshot(),
		MarginLevel:      g.guard.Margin().String(),
		Cycles:           g.cycles.Load(),
		DispatchFailures: g.dispatcher.Failures(),
		StartedAt:        g.startedAt,
	}
}

// Recent 最近进入终态的订单（内存中保留的部分）
func (g *RunningGrid) Recent(n int) []*domain.ManagedOrder {
	return g.tracker.Recent(n)
}

func (g *RunningGrid) onTrackerChange(kind domain.EventKind) {
	switch kind {
	case domain.EventFill, domain.EventReject, domain.EventCancelled, domain.EventExpire,
		domain.EventCancelReject, domain.EventAmendReject, "":
		g.kick.Emit()
	}
}

// onFill 每笔计入的成交：配对统计来回利润；整单成交时通知网格翻转该价位
func (g *RunningGrid) onFill(f tracker.Fill) {
	o := f.Order
	if o == nil {
		return
	}
	if closed, profit := g.trips.record(o.Side, f.Size, f.Price); closed > 0 || !profit.IsZero() {
		st := g.trips.snapshot()
		metrics.ObserveRoundTrips(closed, st.Profit)
		if closed > 0 {
			log.Infof("完成 %d 次买卖来回: profit=%s total=%s (%d)", closed, profit, st.Profit, st.Count)
		}
	}
	if o.Status == domain.OrderStatusFilled && o.LevelIndex >= 0 && g.ladder.OnFill(o.LevelIndex, o.Epoch, o.Side) {
		g.kick.Emit()
	}
}

// watchMargin 定期检查保证金率；达到危险线时风控熔断，下一轮对账撤掉全部挂单
func (g *RunningGrid) watchMargin(ctx context.Context, mf ports.MarginFetcher) {
	common.RunLoop(ctx, g.set.marginInterval, func(ctx context.Context, tickC <-chan time.Time) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
				g.checkMargin(ctx, mf)
			}
		}
	})
}

func (g *RunningGrid) checkMargin(ctx context.Context, mf ports.MarginFetcher) {
	callCtx, cancel := context.WithTimeout(ctx, g.set.dispatch.CallTimeout)
	m, err := mf.FetchMargin(callCtx)
	cancel()
	if err != nil {
		log.WithError(err).Warn("查询保证金失败")
		return
	}
	ratio := m.Ratio()
	prev := g.guard.Margin()
	level := g.guard.ObserveMargin(ratio)
	metrics.SetMargin(ratio, int(level))
	if level != prev {
		g.kick.Emit()
	}
}

func (g *RunningGrid) onDispatchFailure(f *domain.DispatchFailure) {
	g.kick.Emit()
}

func pendingOrders(orders []*domain.ManagedOrder) []*domain.ManagedOrder {
	var out []*domain.ManagedOrder
	for _, o := range orders {
		if o.Status == domain.OrderStatusPending {
			out = append(out, o)
		}
	}
	return out
}
