package hyperliquid

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ports"
	"github.com/betbot/hlgrid/pkg/cache"
	"github.com/betbot/hlgrid/pkg/ratelimit"
)

var log = logrus.WithField("component", "hyperliquid")

var (
	_ ports.Gateway         = (*Gateway)(nil)
	_ ports.PrecisionSource = (*Gateway)(nil)
	_ ports.LeverageSetter  = (*Gateway)(nil)
	_ ports.MarginFetcher   = (*Gateway)(nil)
)

const (
	// perp 价格最多 6 位小数（减去数量精度），最多 5 位有效数字
	perpMaxDecimals = 6
	maxSigFigs      = 5
)

// Config Hyperliquid 永续网关配置
type Config struct {
	BaseURL         string
	WSURL           string
	Coin            string // 例如 BTC
	Asset           uint32 // perp 资产编号（meta.universe 下标）
	PrivateKey      string // API wallet 私钥
	AccountAddress  string // 主账户地址；为空则使用签名者地址
	VaultAddress    string
	Mainnet         bool
	RateLimitPerMin int
	CallTimeout     time.Duration
	PingInterval    time.Duration
}

// Gateway 通过 REST 下单/撤单/改单，通过 WebSocket 接收行情与回报
//
// 交易所不提供逐单序号，Gateway 按 cloid（未知时按 oid）为回报分配单调递增的序号；
// 计数器跨重连保留，重连后的事件序号依然递增。
type Gateway struct {
	cfg    Config
	signer *Signer
	user   string
	rest   *restClient
	dialer *websocket.Dialer

	lastNonce atomic.Uint64
	marketSeq atomic.Uint64

	// 终态订单的查询结果不会再变，缓存起来避免重复消耗 info 权重
	terminal *cache.TTL[string, domain.OrderReport]

	mu         sync.Mutex
	orderSeq   map[string]uint64
	cloidByOid map[uint64]string
	replaced   map[uint64]struct{} // 改单后被新 oid 取代的旧 oid，其撤销推送忽略
	seenTids   map[uint64]struct{}
	tidOrder   []uint64
}

const maxSeenTids = 4096

func New(cfg Config) (*Gateway, error) {
	signer, err := NewSigner(cfg.PrivateKey, cfg.Mainnet)
	if err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 50 * time.Second
	}
	user := strings.ToLower(cfg.AccountAddress)
	if user == "" {
		user = strings.ToLower(signer.Address().Hex())
	}
	return &Gateway{
		cfg:        cfg,
		signer:     signer,
		user:       user,
		rest:       newRESTClient(cfg.BaseURL, cfg.CallTimeout, ratelimit.NewRateLimitManager(cfg.RateLimitPerMin)),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		orderSeq:   make(map[string]uint64),
		cloidByOid: make(map[uint64]string),
		replaced:   make(map[uint64]struct{}),
		seenTids:   make(map[uint64]struct{}),
		terminal:   cache.New[string, domain.OrderReport](10*time.Minute, 4096),
	}, nil
}

func formatOid(oid uint64) string { return strconv.FormatUint(oid, 10) }

func parseOid(s string) (uint64, error) {
	oid, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid exchange order id %q", s)
	}
	return oid, nil
}

// nextNonce 毫秒时间戳，保证严格递增
func (g *Gateway) nextNonce() uint64 {
	for {
		now := uint64(time.Now().UnixMilli())
		last := g.lastNonce.Load()
		n := max(now, last+1)
		if g.lastNonce.CompareAndSwap(last, n) {
			return n
		}
	}
}

func (g *Gateway) orderWire(side domain.Side, price, size decimal.Decimal, cloid, tif string) orderWire {
	return orderWire{
		Asset:     g.cfg.Asset,
		IsBuy:     side == domain.SideBuy,
		Price:     price.String(),
		Size:      size.String(),
		OrderType: orderTypeWire{Limit: limitWire{Tif: tif}},
		Cloid:     cloid,
	}
}

// send 签名并提交 action；返回 statuses，或交易所的业务错误信息
func (g *Gateway) send(ctx context.Context, action interface{}) (statuses []json.RawMessage, reject string, err error) {
	nonce := g.nextNonce()
	sig, err := g.signer.SignAction(action, g.cfg.VaultAddress, nonce)
	if err != nil {
		return nil, "", err
	}
	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	if g.cfg.VaultAddress != "" {
		v := strings.ToLower(g.cfg.VaultAddress)
		req.VaultAddress = &v
	}

	var resp exchangeResponse
	if err := g.rest.exchange(ctx, req, &resp); err != nil {
		return nil, "", err
	}
	if resp.Status != "ok" {
		var msg string
		if json.Unmarshal(resp.Response, &msg) != nil {
			msg = string(resp.Response)
		}
		return nil, msg, nil
	}
	var data exchangeData
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, &data); err != nil {
			return nil, "", errors.Wrap(err, "decode exchange response")
		}
	}
	return data.Data.Statuses, "", nil
}

func firstOrderStatus(statuses []json.RawMessage) (orderStatusWire, error) {
	var st orderStatusWire
	if len(statuses) == 0 {
		return st, errors.New("empty statuses in exchange response")
	}
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return st, errors.Wrap(err, "decode order status")
	}
	return st, nil
}

func isDuplicateCloid(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "cloid") && strings.Contains(m, "duplicate")
}

func (g *Gateway) PlaceOrder(ctx context.Context, req ports.PlaceRequest) (ports.Ack, error) {
	tif := "Gtc"
	if req.PostOnly {
		tif = "Alo"
	}
	action := orderAction{
		Type:     "order",
		Orders:   []orderWire{g.orderWire(req.Side, req.Price, req.Size, req.ClientOrderID, tif)},
		Grouping: "na",
	}
	statuses, reject, err := g.send(ctx, action)
	if err != nil {
		return ports.Ack{}, err
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	st, err := firstOrderStatus(statuses)
	if err != nil {
		return ports.Ack{}, err
	}
	switch {
	case st.Resting != nil:
		g.remember(st.Resting.Oid, req.ClientOrderID)
		return ports.Ack{ExchangeOrderID: formatOid(st.Resting.Oid), Status: domain.OrderStatusOpen}, nil
	case st.Filled != nil:
		g.remember(st.Filled.Oid, req.ClientOrderID)
		return ports.Ack{ExchangeOrderID: formatOid(st.Filled.Oid), Status: domain.OrderStatusFilled}, nil
	case isDuplicateCloid(st.Error):
		// 超时重试：首个请求其实已成功，按 cloid 查回原订单
		r, err := g.LookupOrder(ctx, req.ClientOrderID)
		if err != nil {
			return ports.Ack{}, errors.Wrap(err, "lookup duplicate cloid")
		}
		return ports.Ack{ExchangeOrderID: r.ExchangeOrderID, Status: r.Status}, nil
	}
	return ports.Ack{Rejected: true, Reason: st.Error}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, exchangeOrderID string) (ports.Ack, error) {
	oid, err := parseOid(exchangeOrderID)
	if err != nil {
		return ports.Ack{Rejected: true, Reason: err.Error()}, nil
	}
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: g.cfg.Asset, Oid: oid}}}
	statuses, reject, err := g.send(ctx, action)
	if err != nil {
		return ports.Ack{}, err
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	if len(statuses) == 0 {
		return ports.Ack{}, errors.New("empty statuses in cancel response")
	}
	var ok string
	if json.Unmarshal(statuses[0], &ok) == nil && ok == "success" {
		return ports.Ack{ExchangeOrderID: exchangeOrderID, Status: domain.OrderStatusCancelled}, nil
	}
	var st orderStatusWire
	_ = json.Unmarshal(statuses[0], &st)
	return ports.Ack{Rejected: true, Reason: st.Error}, nil
}

func (g *Gateway) AmendOrder(ctx context.Context, exchangeOrderID string, req ports.AmendRequest) (ports.Ack, error) {
	oid, err := parseOid(exchangeOrderID)
	if err != nil {
		return ports.Ack{Rejected: true, Reason: err.Error()}, nil
	}
	action := batchModifyAction{
		Type: "batchModify",
		Modifies: []modifyWire{{
			Oid:   oid,
			Order: g.orderWire(req.Side, req.Price, req.Size, req.ClientOrderID, "Alo"),
		}},
	}
	statuses, reject, err := g.send(ctx, action)
	if err != nil {
		return ports.Ack{}, err
	}
	if reject != "" {
		return ports.Ack{Rejected: true, Reason: reject}, nil
	}
	st, err := firstOrderStatus(statuses)
	if err != nil {
		return ports.Ack{}, err
	}
	var newOid uint64
	status := domain.OrderStatusOpen
	switch {
	case st.Resting != nil:
		newOid = st.Resting.Oid
	case st.Filled != nil:
		newOid, status = st.Filled.Oid, domain.OrderStatusFilled
	default:
		return ports.Ack{Rejected: true, Reason: st.Error}, nil
	}
	if newOid != oid {
		g.mu.Lock()
		g.replaced[oid] = struct{}{}
		g.mu.Unlock()
	}
	g.remember(newOid, req.ClientOrderID)
	return ports.Ack{ExchangeOrderID: formatOid(newOid), Status: status}, nil
}

func (g *Gateway) LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderReport, error) {
	if r, ok := g.terminal.Get(clientOrderID); ok {
		return r, nil
	}
	var resp orderStatusResponse
	req := map[string]interface{}{"type": "orderStatus", "user": g.user, "oid": clientOrderID}
	if err := g.rest.info(ctx, req, &resp); err != nil {
		return domain.OrderReport{}, err
	}
	if resp.Status != "order" || resp.Order == nil {
		return domain.OrderReport{}, ports.ErrOrderNotFound
	}
	r := reportFromWire(resp.Order.Order, resp.Order.Status)
	if r.ClientOrderID == "" {
		r.ClientOrderID = clientOrderID
	}
	if r.Status.IsTerminal() {
		g.terminal.Set(clientOrderID, r, 0)
	}
	return r, nil
}

func (g *Gateway) FetchOpenOrdersSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	var orders []openOrderWire
	if err := g.rest.info(ctx, map[string]interface{}{"type": "frontendOpenOrders", "user": g.user}, &orders); err != nil {
		return domain.AccountSnapshot{}, err
	}
	// 仓位取自 clearinghouseState，快照时间记为发出这次请求的时刻
	at := time.Now()
	var state clearinghouseState
	if err := g.rest.info(ctx, map[string]interface{}{"type": "clearinghouseState", "user": g.user}, &state); err != nil {
		return domain.AccountSnapshot{}, err
	}

	snap := domain.AccountSnapshot{Time: at}
	for _, o := range orders {
		if o.Coin != g.cfg.Coin {
			continue
		}
		snap.Orders = append(snap.Orders, reportFromWire(o, "open"))
		if o.Cloid != "" {
			g.remember(o.Oid, o.Cloid)
		}
	}
	for _, ap := range state.AssetPositions {
		if ap.Position.Coin != g.cfg.Coin {
			continue
		}
		snap.Position.NetSize = dec(ap.Position.Szi)
		if ap.Position.EntryPx != nil {
			snap.Position.AverageEntryPrice = dec(*ap.Position.EntryPx)
		}
	}
	return snap, nil
}

func (g *Gateway) FetchMarketSnapshot(ctx context.Context, symbol string) (domain.MarketTick, error) {
	var book l2BookWire
	if err := g.rest.info(ctx, map[string]interface{}{"type": "l2Book", "coin": symbol}, &book); err != nil {
		return domain.MarketTick{}, err
	}
	// 沿用本地计数器的当前值，后续推送从 +1 接上，快照重建后同样不会跳号
	tick := domain.MarketTick{Symbol: symbol, Seq: g.marketSeq.Load(), Time: time.UnixMilli(book.Time)}
	if len(book.Levels[0]) > 0 {
		tick.BestBid = dec(book.Levels[0][0].Px)
	}
	if len(book.Levels[1]) > 0 {
		tick.BestAsk = dec(book.Levels[1][0].Px)
	}
	if tick.BestBid.IsZero() && tick.BestAsk.IsZero() {
		return domain.MarketTick{}, errors.Errorf("empty l2 book for %s", symbol)
	}
	return tick, nil
}

func (g *Gateway) remember(oid uint64, cloid string) {
	if cloid == "" {
		return
	}
	g.mu.Lock()
	g.cloidByOid[oid] = cloid
	g.mu.Unlock()
}

// nextSeqLocked 回报序号按 cloid 计数，改单换 oid 后序号依然连续
func (g *Gateway) nextSeqLocked(oid uint64, cloid string) (string, uint64) {
	if cloid == "" {
		cloid = g.cloidByOid[oid]
	}
	key := cloid
	if key == "" {
		key = "oid:" + formatOid(oid)
	}
	g.orderSeq[key]++
	return cloid, g.orderSeq[key]
}

// FetchPrecision 从 meta 取合约的数量精度，并据此推出价格精度；同时以 universe 下标更新资产编号。
// 只在启动、下单之前调用。
func (g *Gateway) FetchPrecision(ctx context.Context, symbol string) (domain.Precision, error) {
	var meta metaWire
	if err := g.rest.info(ctx, map[string]interface{}{"type": "meta"}, &meta); err != nil {
		return domain.Precision{}, errors.Wrap(err, "fetch meta")
	}
	for i, u := range meta.Universe {
		if u.Name != symbol {
			continue
		}
		if uint32(i) != g.cfg.Asset {
			log.Infof("%s 的资产编号为 %d（配置为 %d），以 meta 为准", symbol, i, g.cfg.Asset)
			g.cfg.Asset = uint32(i)
		}
		return domain.Precision{
			PriceDecimals: max(perpMaxDecimals-u.SzDecimals, 0),
			SizeDecimals:  u.SzDecimals,
			MaxSigFigs:    maxSigFigs,
		}, nil
	}
	return domain.Precision{}, errors.Errorf("symbol %s not found in meta", symbol)
}

func (g *Gateway) UpdateLeverage(ctx context.Context, leverage int, cross bool) error {
	action := updateLeverageAction{Type: "updateLeverage", Asset: g.cfg.Asset, IsCross: cross, Leverage: leverage}
	_, reject, err := g.send(ctx, action)
	if err != nil {
		return err
	}
	if reject != "" {
		return errors.Errorf("update leverage rejected: %s", reject)
	}
	log.Infof("杠杆已设置: %s %dx cross=%v", g.cfg.Coin, leverage, cross)
	return nil
}

func (g *Gateway) FetchMargin(ctx context.Context) (domain.MarginSummary, error) {
	var state clearinghouseState
	if err := g.rest.info(ctx, map[string]interface{}{"type": "clearinghouseState", "user": g.user}, &state); err != nil {
		return domain.MarginSummary{}, err
	}
	return domain.MarginSummary{
		AccountValue: dec(state.MarginSummary.AccountValue),
		MarginUsed:   dec(state.MarginSummary.TotalMarginUsed),
	}, nil
}
