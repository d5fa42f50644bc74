package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ports"
)

var log = logrus.WithField("component", "paper")

const streamBuffer = 1024

type order struct {
	report domain.OrderReport
	seq    uint64
}

// Exchange 内存撮合的模拟交易所，实现 ports.Gateway。
//
// 价格只通过 SetPrice/Run 移动：新的中间价穿过挂单价格时该挂单全部成交。
// 下单按 clientOrderId 幂等；所有挂单都是 post-only，会立即成交的下单被拒绝。
// 支持故障注入：传输错误、业务拒绝、调用延迟、行情跳号与断流。
type Exchange struct {
	symbol string
	spread decimal.Decimal // 买卖价差的一半

	mu       sync.Mutex
	mid      decimal.Decimal
	tickSeq  uint64
	nextOID  int64
	orders   map[string]*order // oid -> order
	byCloid  map[string]string // cloid -> oid
	position domain.Position
	balance  decimal.Decimal
	leverage int
	cross    bool

	execSubs   []chan domain.ExecutionEvent
	marketSubs []chan domain.MarketTick

	failures map[string][]error // op -> 待注入的错误
	rejects  map[string][]string
	latency  time.Duration
	calls    map[string]int
}

func New(symbol string, startPrice decimal.Decimal) *Exchange {
	return &Exchange{
		symbol:   symbol,
		spread:   decimal.RequireFromString("0.01"),
		mid:      startPrice,
		balance:  decimal.NewFromInt(10000),
		leverage: 1,
		cross:    true,
		orders:   make(map[string]*order),
		byCloid:  make(map[string]string),
		failures: make(map[string][]error),
		rejects:  make(map[string][]string),
		calls:    make(map[string]int),
	}
}

// FailNext 让接下来 n 次 op（place/cancel/amend/lookup/snapshot）调用返回 err
func (x *Exchange) FailNext(op string, n int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := 0; i < n; i++ {
		x.failures[op] = append(x.failures[op], err)
	}
}

// RejectNext 让下一次 op 调用返回业务拒绝
func (x *Exchange) RejectNext(op, reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rejects[op] = append(x.rejects[op], reason)
}

func (x *Exchange) SetLatency(d time.Duration) {
	x.mu.Lock()
	x.latency = d
	x.mu.Unlock()
}

// Calls 某个 op 的累计调用次数（含失败）
func (x *Exchange) Calls(op string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[op]
}

// begin 记录调用、模拟延迟并取出注入的故障
func (x *Exchange) begin(ctx context.Context, op string) (reject string, err error) {
	x.mu.Lock()
	x.calls[op]++
	latency := x.latency
	if q := x.failures[op]; len(q) > 0 {
		err = q[0]
		x.failures[op] = q[1:]
	}
	if err == nil {
		if q := x.rejects[op]; len(q) > 0 {
			reject = q[0]
			x.rejects[op] = q[1:]
		}
	}
	x.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return reject, err
}

func (x *Exchange) bestBidAsk() (decimal.Decimal, decimal.Decimal) {
	return x.mid.Sub(x.spread), x.mid.Add(x.spread)
}

func (x *Exchange) PlaceOrder(ctx context.Context, req ports.PlaceRequest) (ports.Ack, error) {
	reject, err := x.begin(ctx, "place")
	if err != nil {
		return ports.Ack{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	// 幂等：同一个 cloid 返回同一个订单
	if oid, ok := x.byCloid[req.ClientOrderID]; ok {
		return ports.Ack{ExchangeOrderID: oid, Status: x.orders[oid].report.Status}, nil
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	if !req.Price.IsPositive() || !req.Size.IsPositive() {
		return ports.Ack{Rejected: true, Reason: "invalid price or size"}, nil
	}
	bid, ask := x.bestBidAsk()
	if req.PostOnly && ((req.Side == domain.SideBuy && req.Price.GreaterThanOrEqual(ask)) ||
		(req.Side == domain.SideSell && req.Price.LessThanOrEqual(bid))) {
		return ports.Ack{Rejected: true, Reason: "post only order would have immediately matched"}, nil
	}

	x.nextOID++
	oid := strconv.FormatInt(x.nextOID, 10)
	o := &order{report: domain.OrderReport{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: oid,
		Side:            req.Side,
		Price:           req.Price,
		Size:            req.Size,
		FilledSize:      decimal.Zero,
		Status:          domain.OrderStatusOpen,
	}}
	x.orders[oid] = o
	x.byCloid[req.ClientOrderID] = oid
	x.emitOrderLocked(o, domain.EventPlaceAck, nil)
	return ports.Ack{ExchangeOrderID: oid, Status: domain.OrderStatusOpen}, nil
}

func (x *Exchange) CancelOrder(ctx context.Context, exchangeOrderID string) (ports.Ack, error) {
	reject, err := x.begin(ctx, "cancel")
	if err != nil {
		return ports.Ack{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[exchangeOrderID]
	if !ok || o.report.Status.IsTerminal() {
		return ports.Ack{Rejected: true, Reason: "order was never placed, already canceled, or filled"}, nil
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	o.report.Status = domain.OrderStatusCancelled
	x.emitOrderLocked(o, domain.EventCancelled, nil)
	return ports.Ack{ExchangeOrderID: exchangeOrderID, Status: domain.OrderStatusCancelled}, nil
}

func (x *Exchange) AmendOrder(ctx context.Context, exchangeOrderID string, req ports.AmendRequest) (ports.Ack, error) {
	reject, err := x.begin(ctx, "amend")
	if err != nil {
		return ports.Ack{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[exchangeOrderID]
	if !ok || o.report.Status.IsTerminal() {
		return ports.Ack{Rejected: true, Reason: "cannot modify canceled or filled order"}, nil
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	if req.Size.LessThan(o.report.FilledSize) {
		return ports.Ack{Rejected: true, Reason: "size below filled size"}, nil
	}
	o.report.Price = req.Price
	o.report.Size = req.Size
	p, s := req.Price, req.Size
	x.emitOrderLocked(o, domain.EventAmendAck, func(ev *domain.ExecutionEvent) {
		ev.NewPrice, ev.NewSize = &p, &s
	})
	return ports.Ack{ExchangeOrderID: exchangeOrderID, Status: o.report.Status}, nil
}

func (x *Exchange) LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderReport, error) {
	if _, err := x.begin(ctx, "lookup"); err != nil {
		return domain.OrderReport{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	oid, ok := x.byCloid[clientOrderID]
	if !ok {
		return domain.OrderReport{}, ports.ErrOrderNotFound
	}
	return x.orders[oid].report, nil
}

func (x *Exchange) FetchOpenOrdersSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	if _, err := x.begin(ctx, "snapshot"); err != nil {
		return domain.AccountSnapshot{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	snap := domain.AccountSnapshot{Position: x.position, Time: time.Now()}
	for _, o := range x.orders {
		if !o.report.Status.IsTerminal() {
			snap.Orders = append(snap.Orders, o.report)
		}
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ExchangeOrderID < snap.Orders[j].ExchangeOrderID })
	return snap, nil
}

func (x *Exchange) FetchMarketSnapshot(ctx context.Context, symbol string) (domain.MarketTick, error) {
	if _, err := x.begin(ctx, "market"); err != nil {
		return domain.MarketTick{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if symbol != x.symbol {
		return domain.MarketTick{}, fmt.Errorf("unknown symbol %q", symbol)
	}
	return x.tickLocked(), nil
}

// SetBalance 设置账户初始权益（不含仓位盈亏）
func (x *Exchange) SetBalance(v decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.balance = v
}

// Leverage 当前杠杆与保证金模式
func (x *Exchange) Leverage() (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leverage, x.cross
}

func (x *Exchange) UpdateLeverage(ctx context.Context, leverage int, cross bool) error {
	reject, err := x.begin(ctx, "leverage")
	if err != nil {
		return err
	}
	if reject != "" {
		return fmt.Errorf("update leverage rejected: %s", reject)
	}
	if leverage <= 0 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leverage, x.cross = leverage, cross
	log.Infof("设置杠杆: %dx cross=%v", leverage, cross)
	return nil
}

// FetchMargin 权益 = 初始权益 + 已实现盈亏 + 按中间价计的浮动盈亏；占用保证金 = 仓位名义价值 / 杠杆
func (x *Exchange) FetchMargin(ctx context.Context) (domain.MarginSummary, error) {
	if _, err := x.begin(ctx, "margin"); err != nil {
		return domain.MarginSummary{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	p := x.position
	unrealized := x.mid.Sub(p.AverageEntryPrice).Mul(p.NetSize)
	return domain.MarginSummary{
		AccountValue: x.balance.Add(p.RealizedPnL).Add(unrealized),
		MarginUsed:   p.NetSize.Abs().Mul(x.mid).Div(decimal.NewFromInt(int64(x.leverage))),
	}, nil
}

func (x *Exchange) tickLocked() domain.MarketTick {
	bid, ask := x.bestBidAsk()
	return domain.MarketTick{Symbol: x.symbol, Seq: x.tickSeq, BestBid: bid, BestAsk: ask, LastTrade: x.mid, Time: time.Now()}
}

func (x *Exchange) StreamExecutionReports(ctx context.Context) (<-chan domain.ExecutionEvent, error) {
	ch := make(chan domain.ExecutionEvent, streamBuffer)
	x.mu.Lock()
	x.execSubs = append(x.execSubs, ch)
	x.mu.Unlock()
	go func() {
		<-ctx.Done()
		x.mu.Lock()
		x.execSubs = removeExec(x.execSubs, ch)
		x.mu.Unlock()
	}()
	return ch, nil
}

func (x *Exchange) StreamMarketData(ctx context.Context, symbol string) (<-chan domain.MarketTick, error) {
	if symbol != x.symbol {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	ch := make(chan domain.MarketTick, streamBuffer)
	x.mu.Lock()
	x.marketSubs = append(x.marketSubs, ch)
	x.mu.Unlock()
	go func() {
		<-ctx.Done()
		x.mu.Lock()
		x.marketSubs = removeMarket(x.marketSubs, ch)
		x.mu.Unlock()
	}()
	return ch, nil
}

// removeExec 从订阅列表移除并关闭；已被 Disconnect 关闭的不会重复关闭
func removeExec(subs []chan domain.ExecutionEvent, ch chan domain.ExecutionEvent) []chan domain.ExecutionEvent {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func removeMarket(subs []chan domain.MarketTick, ch chan domain.MarketTick) []chan domain.MarketTick {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Disconnect 关闭所有流，模拟断线
func (x *Exchange) Disconnect() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.execSubs {
		close(c)
	}
	for _, c := range x.marketSubs {
		close(c)
	}
	x.execSubs, x.marketSubs = nil, nil
}

// SkipTicks 让行情序号跳过 n 个，模拟丢包
func (x *Exchange) SkipTicks(n uint64) {
	x.mu.Lock()
	x.tickSeq += n
	x.mu.Unlock()
}

// Mid 当前中间价
func (x *Exchange) Mid() decimal.Decimal {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.mid
}

func (x *Exchange) Position() domain.Position {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.position
}

// OpenOrders 当前挂单（测试用）
func (x *Exchange) OpenOrders() []domain.OrderReport {
	snap, _ := x.FetchOpenOrdersSnapshot(context.Background())
	return snap.Orders
}

// SetPrice 移动中间价，撮合被穿过的挂单并推送行情
func (x *Exchange) SetPrice(mid decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mid = mid

	oids := make([]string, 0, len(x.orders))
	for oid := range x.orders {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	for _, oid := range oids {
		o := x.orders[oid]
		r := &o.report
		if r.Status.IsTerminal() {
			continue
		}
		crossed := (r.Side == domain.SideBuy && mid.LessThanOrEqual(r.Price)) ||
			(r.Side == domain.SideSell && mid.GreaterThanOrEqual(r.Price))
		if !crossed {
			continue
		}
		qty := r.Size.Sub(r.FilledSize)
		r.FilledSize = r.Size
		r.Status = domain.OrderStatusFilled
		x.position = x.position.ApplyFill(r.Side, qty, r.Price)
		price := r.Price
		x.emitOrderLocked(o, domain.EventFill, func(ev *domain.ExecutionEvent) {
			ev.FillSize, ev.FillPrice = qty, price
		})
	}

	x.tickSeq++
	t := x.tickLocked()
	for i := 0; i < len(x.marketSubs); {
		select {
		case x.marketSubs[i] <- t:
			i++
		default:
			log.Warn("行情订阅方处理过慢，断开")
			close(x.marketSubs[i])
			x.marketSubs = append(x.marketSubs[:i], x.marketSubs[i+1:]...)
		}
	}
}

// Run 以随机游走驱动价格，直到 ctx 结束（paper 模式下使用）
func (x *Exchange) Run(ctx context.Context, interval time.Duration, volatility float64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step := decimal.NewFromFloat(rng.NormFloat64() * volatility)
			next := x.Mid().Mul(decimal.NewFromInt(1).Add(step)).Round(4)
			if next.IsPositive() {
				x.SetPrice(next)
			}
		}
	}
}

func (x *Exchange) emitOrderLocked(o *order, kind domain.EventKind, mutate func(ev *domain.ExecutionEvent)) {
	o.seq++
	ev := domain.ExecutionEvent{
		Kind:            kind,
		ClientOrderID:   o.report.ClientOrderID,
		ExchangeOrderID: o.report.ExchangeOrderID,
		Seq:             o.seq,
		Time:            time.Now(),
	}
	if mutate != nil {
		mutate(&ev)
	}
	for i := 0; i < len(x.execSubs); {
		select {
		case x.execSubs[i] <- ev:
			i++
		default:
			log.Warn("回报订阅方处理过慢，断开")
			close(x.execSubs[i])
			x.execSubs = append(x.execSubs[:i], x.execSubs[i+1:]...)
		}
	}
}
