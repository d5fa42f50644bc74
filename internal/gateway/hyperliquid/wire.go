package hyperliquid

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// action 结构体字段顺序即 msgpack 编码顺序，签名依赖该顺序，不要调整

type limitWire struct {
	Tif string `codec:"tif" json:"tif"` // Alo | Gtc | Ioc
}

type orderTypeWire struct {
	Limit limitWire `codec:"limit" json:"limit"`
}

type orderWire struct {
	Asset      uint32        `codec:"a" json:"a"`
	IsBuy      bool          `codec:"b" json:"b"`
	Price      string        `codec:"p" json:"p"`
	Size       string        `codec:"s" json:"s"`
	ReduceOnly bool          `codec:"r" json:"r"`
	OrderType  orderTypeWire `codec:"t" json:"t"`
	Cloid      string        `codec:"c,omitempty" json:"c,omitempty"`
}

type orderAction struct {
	Type     string      `codec:"type" json:"type"`
	Orders   []orderWire `codec:"orders" json:"orders"`
	Grouping string      `codec:"grouping" json:"grouping"`
}

type cancelWire struct {
	Asset uint32 `codec:"a" json:"a"`
	Oid   uint64 `codec:"o" json:"o"`
}

type cancelAction struct {
	Type    string       `codec:"type" json:"type"`
	Cancels []cancelWire `codec:"cancels" json:"cancels"`
}

type modifyWire struct {
	Oid   uint64    `codec:"oid" json:"oid"`
	Order orderWire `codec:"order" json:"order"`
}

type batchModifyAction struct {
	Type     string       `codec:"type" json:"type"`
	Modifies []modifyWire `codec:"modifies" json:"modifies"`
}

type updateLeverageAction struct {
	Type     string `codec:"type" json:"type"`
	Asset    uint32 `codec:"asset" json:"asset"`
	IsCross  bool   `codec:"isCross" json:"isCross"`
	Leverage int    `codec:"leverage" json:"leverage"`
}

type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        uint64      `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

// exchangeResponse status 为 "err" 时 response 是错误字符串
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// orderStatusWire 下单/改单结果：resting | filled | error 三选一
type orderStatusWire struct {
	Resting *struct {
		Oid   uint64 `json:"oid"`
		Cloid string `json:"cloid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     uint64 `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

// info 接口

type openOrderWire struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // B | A
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       uint64 `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    string `json:"origSz"`
	Cloid     string `json:"cloid"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string  `json:"coin"`
			Szi     string  `json:"szi"`
			EntryPx *string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
}

// metaWire perp 元数据；universe 下标即资产编号
type metaWire struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int32  `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
	} `json:"universe"`
}

type bookLevelWire struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2BookWire struct {
	Coin   string             `json:"coin"`
	Time   int64              `json:"time"`
	Levels [2][]bookLevelWire `json:"levels"`
}

type orderStatusResponse struct {
	Status string `json:"status"` // order | unknownOid
	Order  *struct {
		Order           openOrderWire `json:"order"`
		Status          string        `json:"status"`
		StatusTimestamp int64         `json:"statusTimestamp"`
	} `json:"order"`
}

// websocket 推送

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsBbo struct {
	Coin string            `json:"coin"`
	Time int64             `json:"time"`
	Bbo  [2]*bookLevelWire `json:"bbo"`
}

type wsOrderUpdate struct {
	Order           openOrderWire `json:"order"`
	Status          string        `json:"status"`
	StatusTimestamp int64         `json:"statusTimestamp"`
}

type wsFill struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"`
	Time int64  `json:"time"`
	Oid  uint64 `json:"oid"`
	Tid  uint64 `json:"tid"`
}

type wsUserFills struct {
	IsSnapshot bool     `json:"isSnapshot"`
	User       string   `json:"user"`
	Fills      []wsFill `json:"fills"`
}

func sideFromWire(s string) domain.Side {
	if s == "B" {
		return domain.SideBuy
	}
	return domain.SideSell
}

// statusFromWire 交易所订单状态映射；filled/open 需要结合数量判断部分成交
func statusFromWire(s string, filled, size decimal.Decimal) domain.OrderStatus {
	switch {
	case s == "open":
		if filled.IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusOpen
	case s == "filled":
		return domain.OrderStatusFilled
	case s == "rejected":
		return domain.OrderStatusRejected
	case strings.HasSuffix(strings.ToLower(s), "canceled"):
		// canceled / marginCanceled / reduceOnlyCanceled ...
		return domain.OrderStatusCancelled
	}
	return domain.OrderStatusOpen
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// reportFromWire sz 为剩余数量，origSz 为原始数量
func reportFromWire(o openOrderWire, status string) domain.OrderReport {
	size := dec(o.OrigSz)
	remaining := dec(o.Sz)
	if size.IsZero() {
		size = remaining
	}
	filled := size.Sub(remaining)
	if filled.IsNegative() {
		filled = decimal.Zero
	}
	return domain.OrderReport{
		ClientOrderID:   o.Cloid,
		ExchangeOrderID: formatOid(o.Oid),
		Side:            sideFromWire(o.Side),
		Price:           dec(o.LimitPx),
		Size:            size,
		FilledSize:      filled,
		Status:          statusFromWire(status, filled, size),
	}
}
