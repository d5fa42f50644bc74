package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ports"
	"github.com/betbot/hlgrid/pkg/sigchan"
)

var log = logrus.WithField("component", "dispatcher")

// errSuperseded 新计划已提交，旧计划中尚未完成的动作不再重试
var errSuperseded = errors.New("superseded by a newer plan")

const (
	OutcomeAck        = "ack"
	OutcomeReject     = "reject"
	OutcomeRetry      = "retry"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
	OutcomeDuplicate  = "duplicate"
)

// Config 执行器参数
type Config struct {
	MaxInFlight int           // 同时进行的网关调用上限 K
	MaxAttempts int           // 单个动作的最大尝试次数（含首次）
	BaseBackoff time.Duration // 指数退避基数
	MaxBackoff  time.Duration
	CallTimeout time.Duration // 单次网关调用超时
}

// Gateway 执行器用到的网关能力
type Gateway interface {
	ports.OrderPlacer
	ports.OrderCanceler
	ports.OrderAmender
}

// EventApplier 接收执行结果（由 tracker 实现）
type EventApplier interface {
	Apply(ev domain.ExecutionEvent)
}

// ResultReporter 上报调用结果（由风控断路器实现）
type ResultReporter interface {
	OnSuccess()
	OnError(err error)
}

// Observer 记录调用指标
type Observer interface {
	ObserveDispatch(kind domain.ActionKind, outcome string, elapsed time.Duration)
}

type Options struct {
	Reporter  ResultReporter
	Observer  Observer
	OnFailure func(f *domain.DispatchFailure)
	NewID     func() string
}

type placeJob struct {
	action domain.Action
	cloid  string
}

type batch struct {
	gen    uint64
	cycle  uint64
	modify []domain.Action
	place  []placeJob
}

// Dispatcher 把计划发往网关。
//
// Submit 立即把计划中的 Place 以 Pending 状态登记到 tracker（占住层级），然后异步执行：
// 先并发执行全部 Cancel/Amend，再并发执行 Place，每个阶段最多 K 个调用同时进行。
// 新计划提交后，旧计划中排队未发出的 Place 直接作废，正在重试的动作停止重试。
type Dispatcher struct {
	gw      Gateway
	tracker EventApplier
	cfg     Config
	opts    Options
	dedup   *InFlightDeduper

	gen atomic.Uint64

	mu      sync.Mutex
	batches []*batch
	signal  *sigchan.Chan
	idle    *sync.Cond
	busy    int // 排队 + 执行中的批次数量

	failures atomic.Uint64
}

func NewDispatcher(gw Gateway, tracker EventApplier, cfg Config, opts Options) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = NewClientOrderID
	}
	ttl := cfg.CallTimeout*time.Duration(cfg.MaxAttempts) + cfg.MaxBackoff*time.Duration(cfg.MaxAttempts)
	d := &Dispatcher{
		gw:      gw,
		tracker: tracker,
		cfg:     cfg,
		opts:    opts,
		dedup:   NewInFlightDeduper(ttl, 16),
		signal:  sigchan.New(1),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Submit 提交一份计划，返回它的代号。空计划同样会让旧计划失效。
func (d *Dispatcher) Submit(plan domain.ActionPlan) uint64 {
	gen := d.gen.Add(1)
	modify, place := plan.Split()
	b := &batch{gen: gen, cycle: plan.Cycle, modify: modify}

	now := time.Now()
	for _, a := range place {
		cloid := d.opts.NewID()
		lv := a.Level
		d.tracker.Apply(domain.ExecutionEvent{
			Kind:          domain.EventPlaceSubmitted,
			ClientOrderID: cloid,
			Order: &domain.ManagedOrder{
				ClientOrderID: cloid,
				LevelIndex:    lv.LevelIndex,
				Epoch:         lv.Epoch,
				Side:          lv.Side,
				Price:         lv.Price,
				Size:          lv.TargetSize,
			},
			Time: now,
		})
		b.place = append(b.place, placeJob{action: a, cloid: cloid})
	}

	d.mu.Lock()
	d.batches = append(d.batches, b)
	d.busy++
	d.mu.Unlock()
	d.signal.Emit()
	return gen
}

// Run 执行循环，直到 ctx 结束。未执行的批次会被作废。
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.signal.C():
		}
		for {
			b := d.next()
			if b == nil {
				break
			}
			d.execute(ctx, b)
			d.done()
		}
	}
}

func (d *Dispatcher) next() *batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return nil
	}
	b := d.batches[0]
	d.batches = d.batches[1:]
	return b
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	d.busy--
	if d.busy == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drain() {
	for {
		b := d.next()
		if b == nil {
			return
		}
		d.abandon(b.place, "dispatcher stopped")
		d.done()
	}
}

// Wait 阻塞直到所有已提交的计划执行完毕（测试与停机时使用）
func (d *Dispatcher) Wait(ctx context.Context) error {
	doneC := make(chan struct{})
	go func() {
		d.mu.Lock()
		for d.busy > 0 && ctx.Err() == nil {
			d.idle.Wait()
		}
		d.mu.Unlock()
		close(doneC)
	}()
	select {
	case <-doneC:
		return nil
	case <-ctx.Done():
		// 唤醒等待中的 goroutine 让它退出
		d.mu.Lock()
		d.idle.Broadcast()
		d.mu.Unlock()
		return ctx.Err()
	}
}

func (d *Dispatcher) superseded(gen uint64) bool {
	return d.gen.Load() != gen
}

// Generation 最近一次提交的计划代号
func (d *Dispatcher) Generation() uint64 { return d.gen.Load() }

// Failures 重试耗尽的动作数量
func (d *Dispatcher) Failures() uint64 { return d.failures.Load() }

func (d *Dispatcher) execute(ctx context.Context, b *batch) {
	if d.superseded(b.gen) {
		d.abandon(b.place, "superseded before send")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxInFlight)
	for _, a := range b.modify {
		a := a
		g.Go(func() error {
			_, _ = d.runAction(gctx, b.gen, a, "")
			return nil
		})
	}
	_ = g.Wait()

	// 撤改阶段执行期间有新计划到达：下单阶段整体作废，由新计划重新决定
	if d.superseded(b.gen) || ctx.Err() != nil {
		d.abandon(b.place, "superseded before send")
		return
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxInFlight)
	for _, j := range b.place {
		j := j
		g.Go(func() error {
			if d.superseded(b.gen) {
				d.abandon([]placeJob{j}, "superseded before send")
				return nil
			}
			_, _ = d.runAction(gctx, b.gen, j.action, j.cloid)
			return nil
		})
	}
	_ = g.Wait()
}

// abandon 作废从未发出的下单：本地直接过期，释放层级
func (d *Dispatcher) abandon(jobs []placeJob, reason string) {
	for _, j := range jobs {
		d.tracker.Apply(domain.ExecutionEvent{
			Kind:          domain.EventExpire,
			ClientOrderID: j.cloid,
			Reason:        reason,
		})
		d.observe(domain.ActionPlace, OutcomeSuperseded, 0)
	}
}

func (d *Dispatcher) runAction(ctx context.Context, gen uint64, a domain.Action, cloid string) (ports.Ack, error) {
	var key string
	switch a.Kind {
	case domain.ActionCancel:
		key = "cancel:" + a.Order.ClientOrderID
	case domain.ActionAmend:
		key = "amend:" + a.Order.ClientOrderID
	}
	if key != "" {
		if err := d.dedup.TryAcquire(key); err != nil {
			d.observe(a.Kind, OutcomeDuplicate, 0)
			return ports.Ack{}, err
		}
		defer d.dedup.Release(key)
	}

	ack, attempts, err := d.withRetry(ctx, gen, a, cloid)
	if err == nil {
		return ack, nil
	}
	if errors.Is(err, errSuperseded) || ctx.Err() != nil {
		if a.Kind == domain.ActionPlace {
			// 已经至少发出过一次，结果未知：保持 Pending，等待迟到的 ack 或按 cloid 查询
			d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventDispatchTimeout, ClientOrderID: cloid, Reason: err.Error()})
		}
		d.observe(a.Kind, OutcomeSuperseded, 0)
		return ack, err
	}

	failure := &domain.DispatchFailure{Action: a, Attempts: attempts, Err: err}
	d.failures.Add(1)
	if a.Kind == domain.ActionPlace {
		failure.Action.Order = &domain.ManagedOrder{ClientOrderID: cloid, LevelIndex: a.Level.LevelIndex}
		d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventDispatchTimeout, ClientOrderID: cloid, Reason: err.Error()})
	}
	if d.opts.Reporter != nil {
		d.opts.Reporter.OnError(err)
	}
	log.WithError(err).Warnf("动作失败（已尝试 %d 次）: %s", attempts, a)
	if d.opts.OnFailure != nil {
		d.opts.OnFailure(failure)
	}
	return ack, failure
}

// withRetry 对传输错误做指数退避重试；业务拒绝不重试
func (d *Dispatcher) withRetry(ctx context.Context, gen uint64, a domain.Action, cloid string) (ports.Ack, int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && d.superseded(gen) {
			return ports.Ack{}, attempt - 1, errSuperseded
		}
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		ack, err := d.call(callCtx, a, cloid)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			d.feed(a, cloid, ack)
			if ack.Rejected {
				d.observe(a.Kind, OutcomeReject, elapsed)
				if d.opts.Reporter != nil {
					d.opts.Reporter.OnError(errors.New(ack.Reason))
				}
			} else {
				d.observe(a.Kind, OutcomeAck, elapsed)
				if d.opts.Reporter != nil {
					d.opts.Reporter.OnSuccess()
				}
			}
			return ack, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ports.Ack{}, attempt, ctx.Err()
		}
		if attempt == d.cfg.MaxAttempts {
			d.observe(a.Kind, OutcomeFailed, elapsed)
			break
		}
		d.observe(a.Kind, OutcomeRetry, elapsed)
		log.WithError(err).Debugf("第 %d 次调用失败，稍后重试: %s", attempt, a)

		timer := time.NewTimer(retryDelay(d.cfg.BaseBackoff, d.cfg.MaxBackoff, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.Ack{}, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return ports.Ack{}, d.cfg.MaxAttempts, lastErr
}

// CancelAll 停机或熔断时撤掉给定的全部订单。
//
// 先让所有排队中的计划失效，再以 K 并发逐个撤单（每个订单有限次重试）。
// 返回未能确认撤销的订单（包括还没有交易所订单号的 Pending 订单）。
// 调用期间不应再 Submit，否则新计划会打断这里的重试。
func (d *Dispatcher) CancelAll(ctx context.Context, orders []*domain.ManagedOrder) []*domain.ManagedOrder {
	gen := d.gen.Add(1)

	var (
		mu     sync.Mutex
		failed []*domain.ManagedOrder
	)
	fail := func(o *domain.ManagedOrder) {
		mu.Lock()
		failed = append(failed, o)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxInFlight)
	for _, o := range orders {
		o := o
		if o.IsTerminal() || o.Status == domain.OrderStatusCancelling {
			continue
		}
		if o.ExchangeOrderID == "" {
			fail(o)
			continue
		}
		g.Go(func() error {
			a := domain.Action{Kind: domain.ActionCancel, Order: o, Reason: "cancel_all"}
			ack, err := d.runAction(gctx, gen, a, "")
			if err != nil || ack.Rejected {
				fail(o)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (d *Dispatcher) call(ctx context.Context, a domain.Action, cloid string) (ports.Ack, error) {
	switch a.Kind {
	case domain.ActionPlace:
		lv := a.Level
		return d.gw.PlaceOrder(ctx, ports.PlaceRequest{
			ClientOrderID: cloid,
			Side:          lv.Side,
			Price:         lv.Price,
			Size:          lv.TargetSize,
			PostOnly:      true,
		})
	case domain.ActionCancel:
		return d.gw.CancelOrder(ctx, a.Order.ExchangeOrderID)
	case domain.ActionAmend:
		o := a.Order
		req := ports.AmendRequest{ClientOrderID: o.ClientOrderID, Side: o.Side, Price: o.Price, Size: o.Size}
		if a.NewPrice != nil {
			req.Price = *a.NewPrice
		}
		if a.NewSize != nil {
			req.Size = *a.NewSize
		}
		return d.gw.AmendOrder(ctx, o.ExchangeOrderID, req)
	}
	return ports.Ack{}, errors.New("unknown action kind " + string(a.Kind))
}

// feed 把网关的同步响应转成执行回报交给 tracker（Seq=0 的本地事件）
func (d *Dispatcher) feed(a domain.Action, cloid string, ack ports.Ack) {
	switch a.Kind {
	case domain.ActionPlace:
		if ack.Rejected {
			d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventReject, ClientOrderID: cloid, Reason: ack.Reason})
			return
		}
		d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventPlaceAck, ClientOrderID: cloid, ExchangeOrderID: ack.ExchangeOrderID})
	case domain.ActionCancel:
		cloid := a.Order.ClientOrderID
		if ack.Rejected {
			d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventCancelReject, ClientOrderID: cloid, Reason: ack.Reason})
			return
		}
		d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventCancelAck, ClientOrderID: cloid})
		if ack.Status == domain.OrderStatusCancelled {
			d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventCancelled, ClientOrderID: cloid})
		}
	case domain.ActionAmend:
		cloid := a.Order.ClientOrderID
		if ack.Rejected {
			d.tracker.Apply(domain.ExecutionEvent{Kind: domain.EventAmendReject, ClientOrderID: cloid, Reason: ack.Reason})
			return
		}
		d.tracker.Apply(domain.ExecutionEvent{
			Kind:            domain.EventAmendAck,
			ClientOrderID:   cloid,
			ExchangeOrderID: ack.ExchangeOrderID,
			NewPrice:        a.NewPrice,
			NewSize:         a.NewSize,
		})
	}
}

func (d *Dispatcher) observe(kind domain.ActionKind, outcome string, elapsed time.Duration) {
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveDispatch(kind, outcome, elapsed)
	}
}
