package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "tracker")

// HistorySink 接收进入终态（以及终态后又被迟到成交修改）的订单
type HistorySink interface {
	Record(order *domain.ManagedOrder)
}

// Options 可选参数
type Options struct {
	HistoryLimit int                          // 内存中保留的终态订单数量，默认 512
	Sink         HistorySink                  // 可选
	OnChange     func(kind domain.EventKind) // 状态发生实质变化时回调（在锁外调用）
	OnFill       func(f Fill)                // 每一笔新计入的成交（在锁外、OnChange 之前调用）
	Now          func() time.Time
}

// Fill 一笔新计入订单的成交
type Fill struct {
	Order *domain.ManagedOrder // 计入之后的订单副本
	Size  decimal.Decimal
	Price decimal.Decimal
	Time  time.Time
}

const (
	// lookupMissLimit 连续几次查询不到才认定下单没有落地
	lookupMissLimit = 2
	// fillMemory Resync 时用来补回快照之后成交的最近成交条数
	fillMemory = 256
)

// Snapshot 只读视图；发布后永不修改
type Snapshot struct {
	Version  uint64
	Orders   []*domain.ManagedOrder // 非终态订单，按 LevelIndex 排序
	Position domain.Position
	At       time.Time
}

// Order 按 clientOrderId 查找非终态订单
func (s *Snapshot) Order(cloid string) (*domain.ManagedOrder, bool) {
	for _, o := range s.Orders {
		if o.ClientOrderID == cloid {
			return o, true
		}
	}
	return nil, false
}

// ByLevel 按 levelIndex 分组
func (s *Snapshot) ByLevel() map[int][]*domain.ManagedOrder {
	m := make(map[int][]*domain.ManagedOrder, len(s.Orders))
	for _, o := range s.Orders {
		m[o.LevelIndex] = append(m[o.LevelIndex], o)
	}
	return m
}

type entry struct {
	order         *domain.ManagedOrder
	lastStatusSeq uint64
	seenFills     map[uint64]struct{}
	// 因查询不到而本地置为过期；之后交易所的回报仍可让它复活
	lookupExpired bool
}

type fillMark struct {
	side  domain.Side
	size  decimal.Decimal
	price decimal.Decimal
	at    time.Time
}

// Stats 计数器
type Stats struct {
	Applied    uint64
	Duplicates uint64
	Dropped    uint64
	Revived    uint64
}

// Tracker 订单与仓位的唯一写入方。
//
// 写入（Apply/Resync/Adopt）由互斥锁串行化；每次写入后发布一份新的不可变 Snapshot，
// 读取方通过原子指针获取，不会被正在进行的写入阻塞。
type Tracker struct {
	opts Options

	mu        sync.Mutex
	live      map[string]*entry // cloid -> 非终态订单
	done      map[string]*entry // cloid -> 最近的终态订单（用于吸收迟到事件）
	doneOrder []string          // 终态订单的先后顺序（FIFO 淘汰）
	byExID    map[string]string // exchangeOrderId -> cloid
	position  domain.Position
	fills     []fillMark // 最近计入仓位的成交，时间升序
	version   uint64

	snap atomic.Pointer[Snapshot]

	applied    atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	revived    atomic.Uint64
}

func New(opts Options) *Tracker {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 512
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Tracker{
		opts:   opts,
		live:   make(map[string]*entry),
		done:   make(map[string]*entry),
		byExID: make(map[string]string),
	}
	t.snap.Store(&Snapshot{At: opts.Now()})
	return t
}

// Snapshot 返回最新发布的只读视图
func (t *Tracker) Snapshot() *Snapshot {
	return t.snap.Load()
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Applied:    t.applied.Load(),
		Duplicates: t.duplicates.Load(),
		Dropped:    t.dropped.Load(),
		Revived:    t.revived.Load(),
	}
}

// Recent 返回最近的终态订单（新的在前）
func (t *Tracker) Recent(n int) []*domain.ManagedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.ManagedOrder, 0, n)
	for i := len(t.doneOrder) - 1; i >= 0 && len(out) < n; i-- {
		if e, ok := t.done[t.doneOrder[i]]; ok {
			out = append(out, e.order.Clone())
		}
	}
	return out
}

// Lookup 查找订单（包括最近的终态订单）
func (t *Tracker) Lookup(cloid string) (*domain.ManagedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.find(cloid, ""); e != nil {
		return e.order.Clone(), true
	}
	return nil, false
}

// Apply 应用一条执行回报。永不失败：无法识别或无法应用的事件记录日志后丢弃。
func (t *Tracker) Apply(ev domain.ExecutionEvent) {
	t.mu.Lock()
	changed, record, fill, err := t.applyLocked(ev)
	if changed {
		t.publishLocked()
	}
	t.mu.Unlock()

	if err != nil {
		t.dropped.Add(1)
		log.WithError(err).Debug("事件已丢弃")
		return
	}
	if !changed {
		return
	}
	t.applied.Add(1)
	if record != nil && t.opts.Sink != nil {
		t.opts.Sink.Record(record)
	}
	t.notifyFill(fill)
	if t.opts.OnChange != nil {
		t.opts.OnChange(ev.Kind)
	}
}

func (t *Tracker) notifyFill(f *Fill) {
	if f != nil && t.opts.OnFill != nil {
		t.opts.OnFill(*f)
	}
}

func (t *Tracker) find(cloid, exID string) *entry {
	if cloid == "" && exID != "" {
		cloid = t.byExID[exID]
	}
	if cloid == "" {
		return nil
	}
	if e, ok := t.live[cloid]; ok {
		return e
	}
	return t.done[cloid]
}

func unrecognized(ev domain.ExecutionEvent, reason string) error {
	return &domain.UnrecognizedEvent{Event: ev, Reason: reason}
}

// revives 这些回报说明下单请求确实已在交易所落地
func revives(kind domain.EventKind) bool {
	switch kind {
	case domain.EventPlaceAck, domain.EventFill, domain.EventAmendAck:
		return true
	}
	return false
}

// applyLocked 返回 (是否有变化, 需要写入历史的订单副本, 新计入的成交, 丢弃原因)
func (t *Tracker) applyLocked(ev domain.ExecutionEvent) (bool, *domain.ManagedOrder, *Fill, error) {
	now := ev.Time
	if now.IsZero() {
		now = t.opts.Now()
	}

	if ev.Kind == domain.EventPlaceSubmitted {
		if ev.Order == nil || ev.Order.ClientOrderID == "" {
			return false, nil, nil, unrecognized(ev, "place_submitted without order")
		}
		if t.find(ev.Order.ClientOrderID, "") != nil {
			t.duplicates.Add(1)
			return false, nil, nil, nil
		}
		o := ev.Order.Clone()
		o.Status = domain.OrderStatusPending
		o.FilledSize = decimal.Zero
		o.CreatedAt, o.UpdatedAt = now, now
		t.live[o.ClientOrderID] = &entry{order: o, seenFills: make(map[uint64]struct{})}
		return true, nil, nil, nil
	}

	e := t.find(ev.ClientOrderID, ev.ExchangeOrderID)
	if e == nil {
		return false, nil, nil, unrecognized(ev, "unknown order")
	}
	o := e.order
	wasTerminal := o.IsTerminal()

	// 序号去重：成交按序号集合去重，状态事件要求序号严格递增
	if ev.Seq > 0 {
		if ev.Kind == domain.EventFill {
			if _, seen := e.seenFills[ev.Seq]; seen {
				t.duplicates.Add(1)
				return false, nil, nil, nil
			}
		} else if ev.Seq <= e.lastStatusSeq {
			t.duplicates.Add(1)
			// 过期的 ack 仍可能带来缺失的交易所订单号
			if ev.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
				t.bindExchangeID(o, ev.ExchangeOrderID)
				o.UpdatedAt = now
				return true, nil, nil, nil
			}
			return false, nil, nil, nil
		}
	}

	changed := false
	if e.lookupExpired && o.Status == domain.OrderStatusExpired && revives(ev.Kind) {
		log.Warnf("订单 %s 曾因查询不到被置为过期，现在收到 %s，恢复跟踪", o.ClientOrderID, ev.Kind)
		t.reviveLocked(o.ClientOrderID, e)
		wasTerminal = false
		changed = true
	}

	var fill *Fill
	switch ev.Kind {
	case domain.EventPlaceAck:
		if ev.ExchangeOrderID != "" && o.ExchangeOrderID != ev.ExchangeOrderID {
			t.bindExchangeID(o, ev.ExchangeOrderID)
			changed = true
		}
		if o.Status == domain.OrderStatusPending {
			o.Status = domain.OrderStatusOpen
			changed = true
		}

	case domain.EventFill:
		if ev.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
			t.bindExchangeID(o, ev.ExchangeOrderID)
		}
		qty := decimal.Min(ev.FillSize, o.Remaining())
		if !qty.IsPositive() {
			return changed, nil, nil, unrecognized(ev, "fill exceeds order size")
		}
		if qty.LessThan(ev.FillSize) {
			log.Warnf("成交数量被截断: cloid=%s fill=%s remaining=%s", o.ClientOrderID, ev.FillSize, qty)
		}
		if ev.Seq > 0 {
			e.seenFills[ev.Seq] = struct{}{}
		}
		price := ev.FillPrice
		if !price.IsPositive() {
			price = o.Price
		}
		filled := o.FilledSize.Add(qty)
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledSize).Add(price.Mul(qty)).Div(filled)
		o.FilledSize = filled
		t.position = t.position.ApplyFill(o.Side, qty, price)
		t.rememberFillLocked(o.Side, qty, price, now)
		fill = &Fill{Size: qty, Price: price, Time: now}

		switch {
		case o.FilledSize.GreaterThanOrEqual(o.Size):
			// 成交优先：即便已在撤单中或已撤销，全部成交即为 Filled
			o.Status = domain.OrderStatusFilled
		case o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusOpen:
			o.Status = domain.OrderStatusPartiallyFilled
		}
		changed = true

	case domain.EventCancelAck:
		if wasTerminal || o.Status == domain.OrderStatusCancelling {
			break
		}
		o.StatusBeforeCancel = o.Status
		o.Status = domain.OrderStatusCancelling
		changed = true

	case domain.EventCancelled:
		if wasTerminal {
			break
		}
		// 已成交部分保留，剩余部分撤销
		o.Status = domain.OrderStatusCancelled
		changed = true

	case domain.EventCancelReject:
		o.LastError = ev.Reason
		if o.Status == domain.OrderStatusCancelling {
			o.Status = o.StatusBeforeCancel
			if o.Status == "" {
				o.Status = domain.OrderStatusOpen
			}
		}
		changed = true

	case domain.EventAmendAck:
		if wasTerminal {
			break
		}
		if ev.NewPrice != nil {
			o.Price = *ev.NewPrice
		}
		if ev.NewSize != nil {
			if ev.NewSize.LessThan(o.FilledSize) {
				return changed, nil, nil, unrecognized(ev, "amended size below filled size")
			}
			o.Size = *ev.NewSize
		}
		// 部分交易所改单后会分配新的订单号
		if ev.ExchangeOrderID != "" && ev.ExchangeOrderID != o.ExchangeOrderID {
			t.bindExchangeID(o, ev.ExchangeOrderID)
		}
		if o.Status == domain.OrderStatusPending {
			o.Status = domain.OrderStatusOpen
		}
		if o.FilledSize.GreaterThanOrEqual(o.Size) {
			o.Status = domain.OrderStatusFilled
		}
		changed = true

	case domain.EventAmendReject:
		o.LastError = ev.Reason
		changed = true

	case domain.EventReject:
		if wasTerminal {
			break
		}
		o.Status = domain.OrderStatusRejected
		o.LastError = ev.Reason
		changed = true

	case domain.EventExpire:
		if wasTerminal {
			break
		}
		o.Status = domain.OrderStatusExpired
		o.LastError = ev.Reason
		changed = true

	case domain.EventDispatchTimeout:
		// 结果未知：保持原状态，等待迟到的 ack 或按 clientOrderId 查询
		o.LastError = "dispatch timeout: " + ev.Reason
		changed = true

	default:
		return false, nil, nil, unrecognized(ev, "unknown event kind")
	}

	if o.LookupMisses > 0 && revives(ev.Kind) {
		o.LookupMisses = 0
		changed = true
	}
	if ev.Seq > 0 && ev.Kind != domain.EventFill && ev.Seq > e.lastStatusSeq {
		e.lastStatusSeq = ev.Seq
	}
	if !changed {
		return false, nil, nil, nil
	}
	o.UpdatedAt = now
	if fill != nil {
		fill.Order = o.Clone()
	}

	var record *domain.ManagedOrder
	if o.IsTerminal() {
		if !wasTerminal {
			t.retireLocked(o.ClientOrderID, e)
		}
		record = o.Clone()
	}
	return true, record, fill, nil
}

func (t *Tracker) bindExchangeID(o *domain.ManagedOrder, exID string) {
	if o.ExchangeOrderID != "" {
		delete(t.byExID, o.ExchangeOrderID)
	}
	o.ExchangeOrderID = exID
	t.byExID[exID] = o.ClientOrderID
}

// retireLocked 移入终态历史；超出上限时淘汰最早的
func (t *Tracker) retireLocked(cloid string, e *entry) {
	delete(t.live, cloid)
	t.done[cloid] = e
	t.doneOrder = append(t.doneOrder, cloid)
	for len(t.doneOrder) > t.opts.HistoryLimit {
		old := t.doneOrder[0]
		t.doneOrder = t.doneOrder[1:]
		if oe, ok := t.done[old]; ok {
			delete(t.byExID, oe.order.ExchangeOrderID)
			delete(t.done, old)
		}
	}
}

// reviveLocked 把终态订单移回非终态集合，状态先回到 Pending，由调用方继续迁移
func (t *Tracker) reviveLocked(cloid string, e *entry) {
	delete(t.done, cloid)
	for i, c := range t.doneOrder {
		if c == cloid {
			t.doneOrder = append(t.doneOrder[:i], t.doneOrder[i+1:]...)
			break
		}
	}
	o := e.order
	o.Status = domain.OrderStatusPending
	o.LastError = ""
	o.LookupMisses = 0
	e.lookupExpired = false
	t.live[cloid] = e
	if o.ExchangeOrderID != "" {
		t.byExID[o.ExchangeOrderID] = cloid
	}
	t.revived.Add(1)
}

func (t *Tracker) rememberFillLocked(side domain.Side, size, price decimal.Decimal, at time.Time) {
	t.fills = append(t.fills, fillMark{side: side, size: size, price: price, at: at})
	if n := len(t.fills) - fillMemory; n > 0 {
		t.fills = append(t.fills[:0], t.fills[n:]...)
	}
}

// NoteLookupMiss 记录一次按 clientOrderId 查询不到的结果。
//
// 第一次只计数并刷新 UpdatedAt，订单保持原状态、继续占住层级；达到 lookupMissLimit
// 才置为过期。过期的订单之后若收到 ack、成交或快照，会被恢复。返回是否已置为过期。
func (t *Tracker) NoteLookupMiss(cloid, reason string) bool {
	t.mu.Lock()
	e, ok := t.live[cloid]
	if !ok {
		t.mu.Unlock()
		return false
	}
	o := e.order
	o.LookupMisses++
	o.UpdatedAt = t.opts.Now()
	expired := o.LookupMisses >= lookupMissLimit
	var record *domain.ManagedOrder
	if expired {
		o.Status = domain.OrderStatusExpired
		o.LastError = reason
		e.lookupExpired = true
		t.retireLocked(cloid, e)
		record = o.Clone()
	}
	t.publishLocked()
	t.mu.Unlock()

	if record != nil {
		t.flush([]*domain.ManagedOrder{record})
		if t.opts.OnChange != nil {
			t.opts.OnChange(domain.EventExpire)
		}
	}
	return expired
}

func (t *Tracker) publishLocked() {
	t.version++
	orders := make([]*domain.ManagedOrder, 0, len(t.live))
	for _, e := range t.live {
		orders = append(orders, e.order.Clone())
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].LevelIndex != orders[j].LevelIndex {
			return orders[i].LevelIndex < orders[j].LevelIndex
		}
		return orders[i].ClientOrderID < orders[j].ClientOrderID
	})
	t.snap.Store(&Snapshot{
		Version:  t.version,
		Orders:   orders,
		Position: t.position,
		At:       t.opts.Now(),
	})
}
