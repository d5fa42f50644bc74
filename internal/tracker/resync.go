package tracker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// ResyncResult 全量对齐的结果
type ResyncResult struct {
	Updated  int
	Revived  int                  // 本地已是终态、交易所仍挂着的订单，恢复为非终态
	Orphans  []domain.OrderReport // 交易所有、本地没有的订单
	Missing  []string             // 本地非终态、交易所快照里没有的订单（需要逐个查询）
	Position domain.Position
}

// Resync 用交易所全量快照对齐本地状态。
//
// 仓位以快照为准（保留本地累计的已实现盈亏），快照时间之后已计入的成交再叠加上去。
// 快照里仍挂着、本地却已是终态（非 Filled）的订单恢复为非终态。
// Pending 订单在 grace 内缺席不算 missing，它们的下单请求可能仍在路上。
func (t *Tracker) Resync(snap domain.AccountSnapshot, grace time.Duration) ResyncResult {
	t.mu.Lock()
	now := t.opts.Now()
	var res ResyncResult
	var records []*domain.ManagedOrder
	var fills []Fill

	seen := make(map[string]struct{}, len(snap.Orders))
	for _, r := range snap.Orders {
		e := t.find(r.ClientOrderID, r.ExchangeOrderID)
		if e == nil {
			res.Orphans = append(res.Orphans, r)
			continue
		}
		if e.order.IsTerminal() && !r.Status.IsTerminal() && revivable(e, snap.Time) {
			log.Warnf("订单 %s 本地为 %s，交易所快照里仍挂着，恢复跟踪", e.order.ClientOrderID, e.order.Status)
			t.reviveLocked(e.order.ClientOrderID, e)
			res.Revived++
		}
		seen[e.order.ClientOrderID] = struct{}{}
		changed, rec, fill := t.mergeReportLocked(e, r, false, now)
		if changed {
			res.Updated++
		}
		if rec != nil {
			records = append(records, rec)
		}
		if fill != nil {
			fills = append(fills, *fill)
		}
	}

	for cloid, e := range t.live {
		if _, ok := seen[cloid]; ok {
			continue
		}
		o := e.order
		if (o.Status == domain.OrderStatusPending || o.LookupMisses > 0) && now.Sub(o.UpdatedAt) < grace {
			continue
		}
		res.Missing = append(res.Missing, cloid)
	}

	pos := snap.Position
	if !snap.Time.IsZero() {
		for _, f := range t.fills {
			if f.at.After(snap.Time) {
				pos = pos.ApplyFill(f.side, f.size, f.price)
			}
		}
	}
	pos.RealizedPnL = t.position.RealizedPnL
	t.position = pos
	res.Position = pos
	t.publishLocked()
	t.mu.Unlock()

	t.flush(records)
	for i := range fills {
		t.notifyFill(&fills[i])
	}
	if res.Updated > 0 || res.Revived > 0 || len(res.Orphans) > 0 || len(res.Missing) > 0 {
		log.Infof("全量对齐: updated=%d revived=%d orphans=%d missing=%d net=%s",
			res.Updated, res.Revived, len(res.Orphans), len(res.Missing), pos.NetSize)
	}
	if t.opts.OnChange != nil {
		t.opts.OnChange("")
	}
	return res
}

// revivable 因查询不到而过期的订单总是可以恢复；其它非 Filled 的终态只有在
// 快照晚于本地最后一次更新时才以快照为准
func revivable(e *entry, at time.Time) bool {
	o := e.order
	if e.lookupExpired {
		return true
	}
	return o.Status != domain.OrderStatusFilled && !at.IsZero() && at.After(o.UpdatedAt)
}

// ApplyReport 用单个订单的查询结果覆盖本地状态（按 clientOrderId 查询超时订单时使用）。
// 新增的成交数量计入仓位。
func (t *Tracker) ApplyReport(r domain.OrderReport) bool {
	t.mu.Lock()
	e := t.find(r.ClientOrderID, r.ExchangeOrderID)
	if e == nil {
		t.mu.Unlock()
		return false
	}
	changed, rec, fill := t.mergeReportLocked(e, r, true, t.opts.Now())
	if changed {
		t.publishLocked()
	}
	t.mu.Unlock()

	if rec != nil {
		t.flush([]*domain.ManagedOrder{rec})
	}
	t.notifyFill(fill)
	if changed && t.opts.OnChange != nil {
		t.opts.OnChange("")
	}
	return changed
}

func (t *Tracker) mergeReportLocked(e *entry, r domain.OrderReport, adjustPosition bool, now time.Time) (bool, *domain.ManagedOrder, *Fill) {
	o := e.order
	wasTerminal := o.IsTerminal()
	changed := false
	var fill *Fill

	if o.LookupMisses > 0 {
		o.LookupMisses = 0
		changed = true
	}

	if r.ExchangeOrderID != "" && r.ExchangeOrderID != o.ExchangeOrderID {
		t.bindExchangeID(o, r.ExchangeOrderID)
		changed = true
	}
	if r.Price.IsPositive() && !r.Price.Equal(o.Price) {
		o.Price = r.Price
		changed = true
	}
	if r.Size.IsPositive() && !r.Size.Equal(o.Size) && r.Size.GreaterThanOrEqual(o.FilledSize) {
		o.Size = r.Size
		changed = true
	}
	// 成交数量只增不减
	if r.FilledSize.GreaterThan(o.FilledSize) {
		delta := decimal.Min(r.FilledSize, o.Size).Sub(o.FilledSize)
		if delta.IsPositive() {
			if adjustPosition {
				t.position = t.position.ApplyFill(o.Side, delta, o.Price)
				t.rememberFillLocked(o.Side, delta, o.Price, now)
			}
			if o.AvgFillPrice.IsZero() {
				o.AvgFillPrice = o.Price
			}
			o.FilledSize = o.FilledSize.Add(delta)
			fill = &Fill{Size: delta, Price: o.Price, Time: now}
			changed = true
		}
	}

	status := r.Status
	if o.FilledSize.GreaterThanOrEqual(o.Size) {
		status = domain.OrderStatusFilled
	}
	if status != "" && status != o.Status && !wasTerminal {
		// 撤单中的订单在快照里仍是挂单状态，不回退
		if !(o.Status == domain.OrderStatusCancelling && !status.IsTerminal()) {
			o.Status = status
			changed = true
		}
	} else if wasTerminal && status == domain.OrderStatusFilled && o.Status != status {
		o.Status = status
		changed = true
	}

	if !changed {
		return false, nil, nil
	}
	o.UpdatedAt = now
	if fill != nil {
		fill.Order = o.Clone()
	}
	if o.IsTerminal() {
		if !wasTerminal {
			t.retireLocked(o.ClientOrderID, e)
		}
		return true, o.Clone(), fill
	}
	return true, nil, fill
}

// Adopt 接管一个本地没有记录的交易所订单（例如重启后恢复的挂单）。
// levelIndex < 0 表示该订单不属于任何网格层级，下一次对账会把它撤掉。
func (t *Tracker) Adopt(r domain.OrderReport, levelIndex int, epoch uint64) {
	t.mu.Lock()
	if t.find(r.ClientOrderID, r.ExchangeOrderID) != nil {
		t.mu.Unlock()
		return
	}
	now := t.opts.Now()
	status := r.Status
	if status == "" || status == domain.OrderStatusPending {
		status = domain.OrderStatusOpen
	}
	cloid := r.ClientOrderID
	if cloid == "" {
		cloid = "ex:" + r.ExchangeOrderID
	}
	o := &domain.ManagedOrder{
		ClientOrderID: cloid,
		LevelIndex:    levelIndex,
		Epoch:         epoch,
		Side:          r.Side,
		Price:         r.Price,
		Size:          r.Size,
		FilledSize:    r.FilledSize,
		AvgFillPrice:  r.Price,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.live[cloid] = &entry{order: o, seenFills: make(map[uint64]struct{})}
	if r.ExchangeOrderID != "" {
		t.bindExchangeID(o, r.ExchangeOrderID)
	}
	t.publishLocked()
	t.mu.Unlock()
	log.Infof("接管交易所订单: cloid=%s oid=%s level=%d %s %s@%s", cloid, r.ExchangeOrderID, levelIndex, r.Side, r.Size, r.Price)
}

// StalePending 返回结果未知、且最后一次更新早于 now-timeout 的订单：
// 仍处于 Pending 的，以及查询过一次没有找到、等待再次确认的
func (t *Tracker) StalePending(now time.Time, timeout time.Duration) []*domain.ManagedOrder {
	var out []*domain.ManagedOrder
	for _, o := range t.Snapshot().Orders {
		if o.Status != domain.OrderStatusPending && o.LookupMisses == 0 {
			continue
		}
		if now.Sub(o.UpdatedAt) >= timeout {
			out = append(out, o)
		}
	}
	return out
}

func (t *Tracker) flush(records []*domain.ManagedOrder) {
	if t.opts.Sink == nil {
		return
	}
	for _, r := range records {
		t.opts.Sink.Record(r)
	}
}
