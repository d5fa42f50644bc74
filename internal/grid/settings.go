package grid

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlgrid/internal/execution"
	"github.com/betbot/hlgrid/internal/ladder"
	"github.com/betbot/hlgrid/internal/reconcile"
	"github.com/betbot/hlgrid/internal/risk"
	"github.com/betbot/hlgrid/pkg/config"
)

// settings 把已校验的配置转换为各组件的参数
type settings struct {
	symbol      string
	fixedCenter decimal.Decimal // 非零表示固定中心价

	ladder    ladder.Config
	reconcile reconcile.Config
	risk      risk.Config
	dispatch  execution.Config

	interval       time.Duration
	debounce       time.Duration
	pendingTimeout time.Duration
	maxBookAge     time.Duration

	leverage       int
	crossMargin    bool
	exchangeMeta   bool
	marginInterval time.Duration
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func newSettings(cfg *config.Config) settings {
	g, r, d := cfg.Grid, cfg.Risk, cfg.Dispatch
	s := settings{
		symbol: cfg.Exchange.Symbol,
		ladder: ladder.Config{
			Levels:            g.Levels,
			Spacing:           ladder.Spacing(g.Spacing),
			Step:              decimal.NewFromFloat(g.Step),
			SizeMode:          ladder.SizeMode(g.SizeMode),
			BaseSize:          decimal.NewFromFloat(g.BaseSize),
			SizeScale:         decimal.NewFromFloat(g.SizeScale),
			RecenterThreshold: decimal.NewFromFloat(g.RecenterThreshold),
			PriceDecimals:     int32(g.PriceDecimals),
			SizeDecimals:      int32(g.SizeDecimals),
			MaxSigFigs:        int32(g.MaxSigFigs),
			LowerPrice:        decimal.NewFromFloat(g.LowerPrice),
			UpperPrice:        decimal.NewFromFloat(g.UpperPrice),
			FlipOnFill:        g.FlipOnFill,
		},
		reconcile: reconcile.Config{
			PriceTolerance: decimal.NewFromFloat(g.PriceTolerance),
			SizeTolerance:  decimal.NewFromFloat(g.SizeTolerance),
			DisableAmend:   g.DisableAmend,
		},
		risk: risk.Config{
			MaxNetPosition:       decimal.NewFromFloat(r.MaxNetPosition),
			MaxOpenOrders:        r.MaxOpenOrders,
			MaxRealizedLoss:      decimal.NewFromFloat(r.MaxRealizedLoss),
			MaxConsecutiveErrors: r.MaxConsecutiveErrors,
			AllowShrink:          r.AllowShrink,
			MinOrderSize:         decimal.NewFromFloat(r.MinOrderSize),
			MaxMarginRatio:       decimal.NewFromFloat(r.MaxMarginRatio),
		},
		dispatch: execution.Config{
			MaxInFlight: d.MaxInFlight,
			MaxAttempts: d.MaxAttempts,
			BaseBackoff: ms(d.BaseBackoffMs),
			MaxBackoff:  ms(d.MaxBackoffMs),
			CallTimeout: ms(d.CallTimeoutMs),
		},
		interval:       ms(g.ReconcileIntervalMs),
		debounce:       ms(g.DebounceMs),
		pendingTimeout: ms(g.PendingTimeoutMs),
		maxBookAge:     ms(g.MaxBookAgeMs),
		leverage:       cfg.Exchange.Leverage,
		crossMargin:    cfg.Exchange.CrossMargin,
		exchangeMeta:   cfg.Exchange.UseExchangeMeta,
		marginInterval: ms(r.MarginCheckMs),
	}
	if g.CenterMode == config.CenterModeFixed {
		s.fixedCenter = decimal.NewFromFloat(g.CenterPrice)
	}

	// pending 查询不能早于 dispatcher 放弃重试，否则会和仍在路上的请求抢结果
	worst := s.dispatch.CallTimeout*time.Duration(d.MaxAttempts) + s.dispatch.MaxBackoff*time.Duration(d.MaxAttempts)
	if s.pendingTimeout < worst {
		s.pendingTimeout = worst
	}
	return s
}
