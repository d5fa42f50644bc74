package hyperliquid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ports"
)

// fakeAPI 按请求类型返回预置的 JSON
type fakeAPI struct {
	t        *testing.T
	exchange func(req map[string]interface{}) (int, string)
	info     map[string]string
	requests []map[string]interface{}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]interface{}
	require.NoError(f.t, json.Unmarshal(body, &req))
	f.requests = append(f.requests, req)

	switch r.URL.Path {
	case "/exchange":
		code, resp := f.exchange(req)
		w.WriteHeader(code)
		_, _ = io.WriteString(w, resp)
	case "/info":
		resp, ok := f.info[req["type"].(string)]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, resp)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGateway(t *testing.T, api *fakeAPI, wsURL string) *Gateway {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	g, err := New(Config{
		BaseURL:         srv.URL,
		WSURL:           wsURL,
		Coin:            "BTC",
		Asset:           0,
		PrivateKey:      testKey,
		AccountAddress:  "0xAbC0000000000000000000000000000000000001",
		RateLimitPerMin: 6000,
		CallTimeout:     2 * time.Second,
	})
	require.NoError(t, err)
	return g
}

func okStatuses(statuses string) (int, string) {
	return 200, `{"status":"ok","response":{"type":"order","data":{"statuses":[` + statuses + `]}}}`
}

func placeReq(cloid string) ports.PlaceRequest {
	return ports.PlaceRequest{
		ClientOrderID: cloid,
		Side:          domain.SideBuy,
		Price:         decimal.RequireFromString("99.50"),
		Size:          decimal.RequireFromString("0.010"),
		PostOnly:      true,
	}
}

func TestPlaceOrderResting(t *testing.T) {
	api := &fakeAPI{exchange: func(req map[string]interface{}) (int, string) {
		action := req["action"].(map[string]interface{})
		order := action["orders"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "order", action["type"])
		assert.Equal(t, "0xc1", order["c"])
		assert.Equal(t, "99.5", order["p"])
		assert.Equal(t, "0.01", order["s"])
		assert.Equal(t, "Alo", order["t"].(map[string]interface{})["limit"].(map[string]interface{})["tif"])
		assert.NotNil(t, req["signature"].(map[string]interface{})["r"])
		assert.Greater(t, req["nonce"].(float64), float64(0))
		return okStatuses(`{"resting":{"oid":42}}`)
	}}
	g := newTestGateway(t, api, "")

	ack, err := g.PlaceOrder(context.Background(), placeReq("0xc1"))
	require.NoError(t, err)
	assert.Equal(t, ports.Ack{ExchangeOrderID: "42", Status: domain.OrderStatusOpen}, ack)
}

func TestPlaceOrderRejects(t *testing.T) {
	cases := map[string]func(map[string]interface{}) (int, string){
		"order error": func(map[string]interface{}) (int, string) {
			return okStatuses(`{"error":"Post only order would have immediately matched"}`)
		},
		"action error": func(map[string]interface{}) (int, string) {
			return 200, `{"status":"err","response":"User or API Wallet does not exist."}`
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			g := newTestGateway(t, &fakeAPI{exchange: handler}, "")
			ack, err := g.PlaceOrder(context.Background(), placeReq("0xc1"))
			require.NoError(t, err)
			assert.True(t, ack.Rejected)
			assert.NotEmpty(t, ack.Reason)
		})
	}
}

func TestPlaceOrderTransportError(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{exchange: func(map[string]interface{}) (int, string) {
		return 502, "bad gateway"
	}}, "")
	_, err := g.PlaceOrder(context.Background(), placeReq("0xc1"))
	assert.Error(t, err)
}

func TestPlaceOrderDuplicateCloidResolvesExisting(t *testing.T) {
	api := &fakeAPI{
		exchange: func(map[string]interface{}) (int, string) {
			return okStatuses(`{"error":"Duplicate cloid"}`)
		},
		info: map[string]string{
			"orderStatus": `{"status":"order","order":{"order":{"coin":"BTC","side":"B","limitPx":"99.5","sz":"0.01","oid":42,"origSz":"0.01","cloid":"0xc1"},"status":"open","statusTimestamp":1}}`,
		},
	}
	g := newTestGateway(t, api, "")
	ack, err := g.PlaceOrder(context.Background(), placeReq("0xc1"))
	require.NoError(t, err)
	assert.False(t, ack.Rejected)
	assert.Equal(t, "42", ack.ExchangeOrderID)
	assert.Equal(t, domain.OrderStatusOpen, ack.Status)
}

func TestCancelOrder(t *testing.T) {
	api := &fakeAPI{exchange: func(req map[string]interface{}) (int, string) {
		action := req["action"].(map[string]interface{})
		assert.Equal(t, "cancel", action["type"])
		c := action["cancels"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, float64(42), c["o"])
		return 200, `{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`
	}}
	g := newTestGateway(t, api, "")
	ack, err := g.CancelOrder(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, ack.Status)

	ack, err = g.CancelOrder(context.Background(), "not-a-number")
	require.NoError(t, err)
	assert.True(t, ack.Rejected)
}

func TestAmendOrderRebindsOid(t *testing.T) {
	api := &fakeAPI{exchange: func(req map[string]interface{}) (int, string) {
		action := req["action"].(map[string]interface{})
		assert.Equal(t, "batchModify", action["type"])
		m := action["modifies"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, float64(42), m["oid"])
		return okStatuses(`{"resting":{"oid":43}}`)
	}}
	g := newTestGateway(t, api, "")
	ack, err := g.AmendOrder(context.Background(), "42", ports.AmendRequest{
		ClientOrderID: "0xc1", Side: domain.SideBuy,
		Price: decimal.RequireFromString("98"), Size: decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "43", ack.ExchangeOrderID)

	// 旧 oid 的撤销推送被忽略，新 oid 的推送与原 cloid 序号连续
	events := g.orderUpdateEvents([]wsOrderUpdate{
		{Order: openOrderWire{Coin: "BTC", Oid: 42, Cloid: "0xc1"}, Status: "canceled"},
		{Order: openOrderWire{Coin: "BTC", Oid: 43, Cloid: "0xc1"}, Status: "open"},
	})
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPlaceAck, events[0].Kind)
	assert.Equal(t, "43", events[0].ExchangeOrderID)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestLookupOrderNotFound(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{info: map[string]string{"orderStatus": `{"status":"unknownOid"}`}}, "")
	_, err := g.LookupOrder(context.Background(), "0xc1")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestLookupOrderCachesTerminalReports(t *testing.T) {
	api := &fakeAPI{info: map[string]string{
		"orderStatus": `{"status":"order","order":{"order":{"coin":"BTC","side":"A","limitPx":"101","sz":"0.0","oid":7,"origSz":"0.02","cloid":"0xc7"},"status":"filled","statusTimestamp":1}}`,
	}}
	g := newTestGateway(t, api, "")

	for i := 0; i < 3; i++ {
		r, err := g.LookupOrder(context.Background(), "0xc7")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusFilled, r.Status)
		assert.Equal(t, "7", r.ExchangeOrderID)
	}
	assert.Len(t, api.requests, 1, "terminal report served from cache")
}

func TestLookupOrderDoesNotCacheOpenOrders(t *testing.T) {
	api := &fakeAPI{info: map[string]string{
		"orderStatus": `{"status":"order","order":{"order":{"coin":"BTC","side":"B","limitPx":"99.5","sz":"0.01","oid":42,"origSz":"0.01","cloid":"0xc1"},"status":"open","statusTimestamp":1}}`,
	}}
	g := newTestGateway(t, api, "")
	for i := 0; i < 2; i++ {
		_, err := g.LookupOrder(context.Background(), "0xc1")
		require.NoError(t, err)
	}
	assert.Len(t, api.requests, 2)
}

func TestFetchOpenOrdersSnapshot(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{info: map[string]string{
		"frontendOpenOrders": `[
			{"coin":"BTC","side":"B","limitPx":"99","sz":"0.6","oid":1,"origSz":"1","cloid":"0xa"},
			{"coin":"BTC","side":"A","limitPx":"101","sz":"1","oid":2,"origSz":"1"},
			{"coin":"ETH","side":"A","limitPx":"3000","sz":"1","oid":3,"origSz":"1"}
		]`,
		"clearinghouseState": `{"assetPositions":[{"position":{"coin":"BTC","szi":"-0.4","entryPx":"100.5"}},{"position":{"coin":"ETH","szi":"2"}}]}`,
	}}, "")

	snap, err := g.FetchOpenOrdersSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Orders, 2)
	assert.Equal(t, "0xa", snap.Orders[0].ClientOrderID)
	assert.Equal(t, domain.SideBuy, snap.Orders[0].Side)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, snap.Orders[0].Status)
	assert.True(t, snap.Orders[0].FilledSize.Equal(decimal.RequireFromString("0.4")))
	assert.Equal(t, domain.SideSell, snap.Orders[1].Side)
	assert.Equal(t, domain.OrderStatusOpen, snap.Orders[1].Status)
	assert.True(t, snap.Position.NetSize.Equal(decimal.RequireFromString("-0.4")))
	assert.True(t, snap.Position.AverageEntryPrice.Equal(decimal.RequireFromString("100.5")))
}

func TestFetchMarketSnapshot(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{info: map[string]string{
		"l2Book": `{"coin":"BTC","time":1700000000000,"levels":[[{"px":"99.9","sz":"1","n":1}],[{"px":"100.1","sz":"2","n":1}]]}`,
	}}, "")
	tick, err := g.FetchMarketSnapshot(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, tick.BestBid.Equal(decimal.RequireFromString("99.9")))
	assert.True(t, tick.BestAsk.Equal(decimal.RequireFromString("100.1")))
}

func TestFillEventsSkipSnapshotAndDuplicates(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{}, "")
	g.remember(7, "0xc7")

	assert.Empty(t, g.fillEvents(wsUserFills{IsSnapshot: true, Fills: []wsFill{{Coin: "BTC", Oid: 7, Tid: 1, Sz: "1", Px: "99"}}}))

	fill := wsFill{Coin: "BTC", Oid: 7, Tid: 2, Sz: "0.5", Px: "99"}
	events := g.fillEvents(wsUserFills{Fills: []wsFill{fill, fill, {Coin: "ETH", Oid: 9, Tid: 3, Sz: "1"}}})
	require.Len(t, events, 1)
	assert.Equal(t, "0xc7", events[0].ClientOrderID)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.True(t, events[0].FillSize.Equal(decimal.RequireFromString("0.5")))

	more := g.orderUpdateEvents([]wsOrderUpdate{{Order: openOrderWire{Coin: "BTC", Oid: 7}, Status: "canceled"}})
	require.Len(t, more, 1)
	assert.Equal(t, "0xc7", more[0].ClientOrderID)
	assert.Equal(t, uint64(2), more[0].Seq)
}

// wsServer 收到 n 条订阅后依次推送 frames，然后关闭连接
func wsServer(t *testing.T, subs int, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < subs; i++ {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			assert.Equal(t, "subscribe", msg["method"])
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"subscriptionResponse","data":{}}`))
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamMarketData(t *testing.T) {
	url := wsServer(t, 1,
		`{"channel":"bbo","data":{"coin":"BTC","time":1,"bbo":[{"px":"99","sz":"1","n":1},{"px":"101","sz":"1","n":1}]}}`,
		`{"channel":"bbo","data":{"coin":"BTC","time":2,"bbo":[{"px":"99.5","sz":"1","n":1},null]}}`,
	)
	g := newTestGateway(t, &fakeAPI{}, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks, err := g.StreamMarketData(ctx, "BTC")
	require.NoError(t, err)
	var got []domain.MarketTick
	for tick := range ticks {
		got = append(got, tick)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.True(t, got[1].BestAsk.IsZero())
	assert.Equal(t, uint64(2), g.marketSeq.Load())
}

func TestStreamExecutionReports(t *testing.T) {
	url := wsServer(t, 2,
		`{"channel":"orderUpdates","data":[{"order":{"coin":"BTC","side":"B","limitPx":"99","sz":"1","oid":5,"origSz":"1","cloid":"0xc5"},"status":"open","statusTimestamp":1}]}`,
		`{"channel":"userFills","data":{"isSnapshot":true,"fills":[{"coin":"BTC","px":"1","sz":"1","oid":1,"tid":1}]}}`,
		`{"channel":"userFills","data":{"fills":[{"coin":"BTC","px":"99","sz":"1","oid":5,"tid":9,"time":2}]}}`,
	)
	g := newTestGateway(t, &fakeAPI{}, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := g.StreamExecutionReports(ctx)
	require.NoError(t, err)
	var got []domain.ExecutionEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventPlaceAck, got[0].Kind)
	assert.Equal(t, "0xc5", got[0].ClientOrderID)
	assert.Equal(t, domain.EventFill, got[1].Kind)
	assert.Equal(t, "0xc5", got[1].ClientOrderID)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestFetchPrecisionFromMeta(t *testing.T) {
	api := &fakeAPI{info: map[string]string{
		"meta": `{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"ETH","szDecimals":4,"maxLeverage":25}]}`,
	}}
	g := newTestGateway(t, api, "")

	p, err := g.FetchPrecision(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, domain.Precision{PriceDecimals: 2, SizeDecimals: 4, MaxSigFigs: 5}, p)
	// 资产编号跟随 universe 下标
	assert.Equal(t, uint32(1), g.cfg.Asset)

	_, err = g.FetchPrecision(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestUpdateLeverage(t *testing.T) {
	api := &fakeAPI{exchange: func(req map[string]interface{}) (int, string) {
		action := req["action"].(map[string]interface{})
		assert.Equal(t, "updateLeverage", action["type"])
		assert.Equal(t, float64(0), action["asset"])
		assert.Equal(t, true, action["isCross"])
		assert.Equal(t, float64(5), action["leverage"])
		return 200, `{"status":"ok","response":{"type":"default"}}`
	}}
	g := newTestGateway(t, api, "")
	require.NoError(t, g.UpdateLeverage(context.Background(), 5, true))
	require.Len(t, api.requests, 1)

	api.exchange = func(map[string]interface{}) (int, string) {
		return 200, `{"status":"err","response":"Invalid leverage value"}`
	}
	err := g.UpdateLeverage(context.Background(), 500, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid leverage")
}

func TestFetchMargin(t *testing.T) {
	api := &fakeAPI{info: map[string]string{
		"clearinghouseState": `{"assetPositions":[],"marginSummary":{"accountValue":"1000.0","totalMarginUsed":"250.5","totalNtlPos":"0"}}`,
	}}
	g := newTestGateway(t, api, "")

	m, err := g.FetchMargin(context.Background())
	require.NoError(t, err)
	assert.True(t, m.AccountValue.Equal(decimal.RequireFromString("1000")))
	assert.True(t, m.MarginUsed.Equal(decimal.RequireFromString("250.5")))
	assert.True(t, m.Ratio().Equal(decimal.RequireFromString("0.2505")))
}
