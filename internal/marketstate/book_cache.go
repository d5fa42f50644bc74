package marketstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "marketstate")

// BookCache 缓存最新的 top-of-book 快照。
//
// 写入方只有行情流消费协程；读取方（对账循环、管理接口）通过原子指针拿到一致快照，不会阻塞写入。
// 序号必须严格 +1 递增：一旦跳号，缓存进入 stale 状态，拒绝后续 tick，直到 Reset 用 REST 快照重新对齐。
type BookCache struct {
	symbol string

	mu    sync.Mutex // 只串行化写入
	snap  atomic.Pointer[domain.BookSnapshot]
	stale atomic.Bool

	gaps atomic.Uint64
}

func NewBookCache(symbol string) *BookCache {
	c := &BookCache{symbol: symbol}
	c.snap.Store(&domain.BookSnapshot{Symbol: symbol})
	return c
}

// Apply 应用一条行情 tick。
//
// 序号 <= 当前序号的 tick 视为重复投递，直接忽略；序号跳号返回 *domain.StaleDataError。
// 第一条 tick（缓存为空）可以从任意序号开始。
func (c *BookCache) Apply(t domain.MarketTick) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	if c.stale.Load() {
		return &domain.StaleDataError{Symbol: c.symbol, Expected: cur.Seq + 1, Got: t.Seq}
	}
	if !cur.IsZero() {
		if t.Seq <= cur.Seq {
			return nil
		}
		if t.Seq != cur.Seq+1 {
			c.stale.Store(true)
			c.gaps.Add(1)
			log.Warnf("行情序号跳号: expected=%d got=%d，等待全量快照", cur.Seq+1, t.Seq)
			return &domain.StaleDataError{Symbol: c.symbol, Expected: cur.Seq + 1, Got: t.Seq}
		}
	}

	next := *cur
	next.Seq = t.Seq
	// 缺失字段沿用上一条
	if t.BestBid.IsPositive() {
		next.BestBid = t.BestBid
	}
	if t.BestAsk.IsPositive() {
		next.BestAsk = t.BestAsk
	}
	if t.LastTrade.IsPositive() {
		next.LastTrade = t.LastTrade
	}
	next.UpdatedAt = t.Time
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	c.snap.Store(&next)
	return nil
}

// Reset 用 REST 全量快照重新对齐，清除 stale 状态
func (c *BookCache) Reset(t domain.MarketTick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := t.Time
	if at.IsZero() {
		at = time.Now()
	}
	c.snap.Store(&domain.BookSnapshot{
		Symbol:    c.symbol,
		Seq:       t.Seq,
		BestBid:   t.BestBid,
		BestAsk:   t.BestAsk,
		LastTrade: t.LastTrade,
		UpdatedAt: at,
	})
	c.stale.Store(false)
}

// MarkStale 流断开时调用：下一条 tick 之前必须先 Reset
func (c *BookCache) MarkStale() {
	c.stale.Store(true)
}

// Snapshot 返回当前快照；ok=false 表示缓存为空或处于 stale 状态
func (c *BookCache) Snapshot() (domain.BookSnapshot, bool) {
	s := c.snap.Load()
	if s.IsZero() || c.stale.Load() {
		return *s, false
	}
	return *s, true
}

// Fresh 快照存在且未超过 maxAge
func (c *BookCache) Fresh(now time.Time, maxAge time.Duration) bool {
	s, ok := c.Snapshot()
	if !ok {
		return false
	}
	return maxAge <= 0 || now.Sub(s.UpdatedAt) <= maxAge
}

func (c *BookCache) IsStale() bool { return c.stale.Load() }

// Gaps 检测到的跳号次数
func (c *BookCache) Gaps() uint64 { return c.gaps.Load() }
