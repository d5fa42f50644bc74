package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

const streamBuffer = 1024

// connect 建立连接并发送订阅
func (g *Gateway) connect(ctx context.Context, subs ...map[string]interface{}) (*websocket.Conn, error) {
	headers := make(http.Header)
	headers.Set("User-Agent", "hlgrid/1.0")
	conn, _, err := g.dialer.DialContext(ctx, g.cfg.WSURL, headers)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	for _, sub := range subs {
		msg := map[string]interface{}{"method": "subscribe", "subscription": sub}
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "websocket subscribe")
		}
	}
	return conn, nil
}

// readLoop 读取推送直到出错、ctx 结束或 handle 返回 false；返回时连接已关闭。
// 连接上只有 ping 循环写入，订阅在 readLoop 开始前完成。
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, handle func(wsMessage) bool) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	defer stop()

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(g.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
					log.WithError(err).Warn("ping 发送失败")
					stop()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("websocket 读取失败，关闭流")
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Debug("忽略无法解析的推送")
			continue
		}
		switch msg.Channel {
		case "pong", "subscriptionResponse":
			continue
		case "error":
			log.Warnf("websocket 错误推送: %s", string(msg.Data))
			continue
		}
		if !handle(msg) {
			return
		}
	}
}

// StreamMarketData 订阅 bbo。推送没有序号，按接收顺序连续编号；
// 连接断开时关闭通道，由调用方重连并用 FetchMarketSnapshot 重建。
func (g *Gateway) StreamMarketData(ctx context.Context, symbol string) (<-chan domain.MarketTick, error) {
	conn, err := g.connect(ctx, map[string]interface{}{"type": "bbo", "coin": symbol})
	if err != nil {
		return nil, err
	}
	out := make(chan domain.MarketTick, streamBuffer)
	go func() {
		defer close(out)
		g.readLoop(ctx, conn, func(msg wsMessage) bool {
			if msg.Channel != "bbo" {
				return true
			}
			var b wsBbo
			if err := json.Unmarshal(msg.Data, &b); err != nil || b.Coin != symbol {
				return true
			}
			tick := domain.MarketTick{Symbol: symbol, Time: time.UnixMilli(b.Time)}
			if b.Bbo[0] != nil {
				tick.BestBid = dec(b.Bbo[0].Px)
			}
			if b.Bbo[1] != nil {
				tick.BestAsk = dec(b.Bbo[1].Px)
			}
			// 序号在本地按到达顺序分配，永远连续：这条流上不会触发跳号检测，
			// 丢失的推送只能靠断线重连后的快照补齐
			tick.Seq = g.marketSeq.Add(1)
			select {
			case out <- tick:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// StreamExecutionReports 订阅 orderUpdates 与 userFills
func (g *Gateway) StreamExecutionReports(ctx context.Context) (<-chan domain.ExecutionEvent, error) {
	conn, err := g.connect(ctx,
		map[string]interface{}{"type": "orderUpdates", "user": g.user},
		map[string]interface{}{"type": "userFills", "user": g.user},
	)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.ExecutionEvent, streamBuffer)
	go func() {
		defer close(out)
		g.readLoop(ctx, conn, func(msg wsMessage) bool {
			var events []domain.ExecutionEvent
			switch msg.Channel {
			case "orderUpdates":
				var updates []wsOrderUpdate
				if err := json.Unmarshal(msg.Data, &updates); err != nil {
					log.WithError(err).Warn("orderUpdates 解析失败")
					return true
				}
				events = g.orderUpdateEvents(updates)
			case "userFills":
				var fills wsUserFills
				if err := json.Unmarshal(msg.Data, &fills); err != nil {
					log.WithError(err).Warn("userFills 解析失败")
					return true
				}
				events = g.fillEvents(fills)
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		})
	}()
	return out, nil
}

func (g *Gateway) orderUpdateEvents(updates []wsOrderUpdate) []domain.ExecutionEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.ExecutionEvent
	for _, u := range updates {
		if u.Order.Coin != g.cfg.Coin {
			continue
		}
		oid := u.Order.Oid
		if u.Order.Cloid != "" {
			g.cloidByOid[oid] = u.Order.Cloid
		}
		var kind domain.EventKind
		switch statusFromWire(u.Status, decimal.Zero, decimal.Zero) {
		case domain.OrderStatusOpen:
			kind = domain.EventPlaceAck
		case domain.OrderStatusCancelled:
			if _, ok := g.replaced[oid]; ok {
				continue
			}
			kind = domain.EventCancelled
		case domain.OrderStatusRejected:
			kind = domain.EventReject
		default:
			// filled 由 userFills 带数量推送
			continue
		}
		cloid, seq := g.nextSeqLocked(oid, u.Order.Cloid)
		out = append(out, domain.ExecutionEvent{
			Kind:            kind,
			ClientOrderID:   cloid,
			ExchangeOrderID: formatOid(oid),
			Seq:             seq,
			Reason:          u.Status,
			Time:            time.UnixMilli(u.StatusTimestamp),
		})
	}
	return out
}

func (g *Gateway) fillEvents(msg wsUserFills) []domain.ExecutionEvent {
	// 订阅时推送的历史成交快照不重放
	if msg.IsSnapshot {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.ExecutionEvent
	for _, f := range msg.Fills {
		if f.Coin != g.cfg.Coin {
			continue
		}
		if _, seen := g.seenTids[f.Tid]; seen {
			continue
		}
		g.seenTids[f.Tid] = struct{}{}
		g.tidOrder = append(g.tidOrder, f.Tid)
		if len(g.tidOrder) > maxSeenTids {
			delete(g.seenTids, g.tidOrder[0])
			g.tidOrder = g.tidOrder[1:]
		}

		cloid, seq := g.nextSeqLocked(f.Oid, "")
		out = append(out, domain.ExecutionEvent{
			Kind:            domain.EventFill,
			ClientOrderID:   cloid,
			ExchangeOrderID: formatOid(f.Oid),
			Seq:             seq,
			FillSize:        dec(f.Sz),
			FillPrice:       dec(f.Px),
			Time:            time.UnixMilli(f.Time),
		})
	}
	return out
}
