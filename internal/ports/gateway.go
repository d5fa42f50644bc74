package ports

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/domain"
)

// Small capability interfaces consumed by the grid core. A concrete exchange
// adapter implements all of them as a Gateway.

// ErrOrderNotFound is returned by LookupOrder when the exchange has no record
// of the client order id.
var ErrOrderNotFound = errors.New("order not found")

// Ack is the synchronous response to a place/cancel/amend request.
//
// A transport failure is reported through the error return and may be retried.
// A business reject (price out of band, insufficient margin) is reported as
// Rejected=true with a nil error and must not be retried blindly.
type Ack struct {
	ExchangeOrderID string
	Rejected        bool
	Reason          string
	// Status is the order status the exchange reported with the ack, if any.
	// A cancel ack with Status=Cancelled is final.
	Status domain.OrderStatus
}

type PlaceRequest struct {
	ClientOrderID string
	Side          domain.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	PostOnly      bool
}

// AmendRequest carries the full post-amend order; adapters that only need the
// changed fields can compare against the tracked order themselves.
type AmendRequest struct {
	ClientOrderID string
	Side          domain.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
}

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (Ack, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, exchangeOrderID string) (Ack, error)
}

type OrderAmender interface {
	AmendOrder(ctx context.Context, exchangeOrderID string, req AmendRequest) (Ack, error)
}

// OrderLookup resolves an order by its client order id, used to settle
// requests whose outcome is unknown after a timeout.
type OrderLookup interface {
	LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderReport, error)
}

// ExecutionStreamer delivers execution reports until ctx is done or the
// connection drops, at which point the channel is closed. Callers restart the
// stream and resync from FetchOpenOrdersSnapshot.
type ExecutionStreamer interface {
	StreamExecutionReports(ctx context.Context) (<-chan domain.ExecutionEvent, error)
}

// MarketStreamer has the same contract as ExecutionStreamer. Tick sequence
// numbers are contiguous within one stream; a restarted stream may start anywhere.
type MarketStreamer interface {
	StreamMarketData(ctx context.Context, symbol string) (<-chan domain.MarketTick, error)
}

type AccountFetcher interface {
	FetchOpenOrdersSnapshot(ctx context.Context) (domain.AccountSnapshot, error)
	FetchMarketSnapshot(ctx context.Context, symbol string) (domain.MarketTick, error)
}

type Gateway interface {
	OrderPlacer
	OrderCanceler
	OrderAmender
	OrderLookup
	ExecutionStreamer
	MarketStreamer
	AccountFetcher
}

// The interfaces below are optional; the grid type-asserts for them at start.

// PrecisionSource reports the exchange's tick and lot precision for a symbol.
type PrecisionSource interface {
	FetchPrecision(ctx context.Context, symbol string) (domain.Precision, error)
}

// LeverageSetter applies the account leverage for the traded asset.
type LeverageSetter interface {
	UpdateLeverage(ctx context.Context, leverage int, cross bool) error
}

// MarginFetcher reports account value and margin in use.
type MarginFetcher interface {
	FetchMargin(ctx context.Context) (domain.MarginSummary, error)
}
