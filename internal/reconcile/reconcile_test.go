package reconcile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ladder"
	"github.com/betbot/hlgrid/internal/tracker"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ladderCfg() ladder.Config {
	return ladder.Config{
		Levels:            3,
		Spacing:           ladder.SpacingArithmetic,
		Step:              d("1"),
		SizeMode:          ladder.SizeFixed,
		BaseSize:          d("1"),
		RecenterThreshold: d("0.05"),
		PriceDecimals:     2,
		SizeDecimals:      4,
	}
}

func cfg() Config {
	return Config{PriceTolerance: d("0.0005"), SizeTolerance: d("0.01")}
}

// applyPlan 模拟计划被交易所完全接受后的状态
func applyPlan(t *testing.T, tr *tracker.Tracker, plan domain.ActionPlan, n *int) {
	t.Helper()
	for _, a := range plan.Actions {
		switch a.Kind {
		case domain.ActionPlace:
			*n++
			cloid := fmt.Sprintf("c%d", *n)
			tr.Apply(domain.ExecutionEvent{Kind: domain.EventPlaceSubmitted, ClientOrderID: cloid, Order: &domain.ManagedOrder{
				ClientOrderID: cloid, LevelIndex: a.Level.LevelIndex, Epoch: a.Level.Epoch,
				Side: a.Level.Side, Price: a.Level.Price, Size: a.Level.TargetSize,
			}})
			tr.Apply(domain.ExecutionEvent{Kind: domain.EventPlaceAck, ClientOrderID: cloid, ExchangeOrderID: "x" + cloid})
		case domain.ActionCancel:
			tr.Apply(domain.ExecutionEvent{Kind: domain.EventCancelAck, ClientOrderID: a.Order.ClientOrderID})
			tr.Apply(domain.ExecutionEvent{Kind: domain.EventCancelled, ClientOrderID: a.Order.ClientOrderID})
		case domain.ActionAmend:
			tr.Apply(domain.ExecutionEvent{Kind: domain.EventAmendAck, ClientOrderID: a.Order.ClientOrderID, NewPrice: a.NewPrice, NewSize: a.NewSize})
		}
	}
}

func assertOrdered(t *testing.T, plan domain.ActionPlan) {
	t.Helper()
	seenPlace := false
	for _, a := range plan.Actions {
		if a.Kind == domain.ActionPlace {
			seenPlace = true
		} else if seenPlace {
			t.Fatalf("%s appears after a place: %v", a.Kind, plan.Actions)
		}
	}
}

func TestReconcile_EmptyBookPlacesEveryLevel(t *testing.T) {
	m := ladder.NewModel(ladderCfg())
	l, _, err := m.Update(d("100"))
	require.NoError(t, err)

	plan := Reconcile(l, nil, cfg())
	require.Len(t, plan.Actions, 6)
	prices := map[string]domain.Side{}
	for _, a := range plan.Actions {
		assert.Equal(t, domain.ActionPlace, a.Kind)
		prices[a.Level.Price.String()] = a.Level.Side
	}
	assert.Equal(t, map[string]domain.Side{
		"99": domain.SideBuy, "98": domain.SideBuy, "97": domain.SideBuy,
		"101": domain.SideSell, "102": domain.SideSell, "103": domain.SideSell,
	}, prices)
}

func TestReconcile_PartialFillPreserved(t *testing.T) {
	m := ladder.NewModel(ladderCfg())
	l, _, _ := m.Update(d("100"))
	tr := tracker.New(tracker.Options{})
	n := 0
	applyPlan(t, tr, Reconcile(l, nil, cfg()), &n)

	var level0 *domain.ManagedOrder
	for _, o := range tr.Snapshot().Orders {
		if o.LevelIndex == 0 {
			level0 = o
		}
	}
	require.NotNil(t, level0)
	require.True(t, level0.Price.Equal(d("99")))
	tr.Apply(domain.ExecutionEvent{Kind: domain.EventFill, ClientOrderID: level0.ClientOrderID, Seq: 1, FillSize: d("0.5"), FillPrice: d("99")})

	l, changed, _ := m.Update(d("100.5"))
	require.False(t, changed)
	plan := Reconcile(l, tr.Snapshot().Orders, cfg())
	assert.True(t, plan.IsEmpty(), "plan: %v", plan.Actions)
}

func TestReconcile_RecenterCancelsStaleAndPlacesNew(t *testing.T) {
	m := ladder.NewModel(ladderCfg())
	l, _, _ := m.Update(d("100"))
	tr := tracker.New(tracker.Options{})
	n := 0
	applyPlan(t, tr, Reconcile(l, nil, cfg()), &n)

	// 一个旧层级已部分成交，同样要撤
	first := tr.Snapshot().Orders[0]
	tr.Apply(domain.ExecutionEvent{Kind: domain.EventFill, ClientOrderID: first.ClientOrderID, Seq: 1, FillSize: d("0.5"), FillPrice: first.Price})

	l, changed, err := m.Update(d("110"))
	require.NoError(t, err)
	require.True(t, changed)

	plan := Reconcile(l, tr.Snapshot().Orders, cfg())
	assertOrdered(t, plan)
	assert.Equal(t, 6, plan.Count(domain.ActionCancel))
	assert.Equal(t, 6, plan.Count(domain.ActionPlace))
	assert.Equal(t, 0, plan.Count(domain.ActionAmend))
	for _, a := range plan.Actions {
		if a.Kind == domain.ActionCancel {
			assert.Equal(t, ReasonStaleLevel, a.Reason)
		} else {
			assert.Equal(t, uint64(1), a.Level.Epoch)
		}
	}

	applyPlan(t, tr, plan, &n)
	assert.True(t, Reconcile(l, tr.Snapshot().Orders, cfg()).IsEmpty())
}

func TestReconcile_IdempotentOnConvergedState(t *testing.T) {
	m := ladder.NewModel(ladderCfg())
	l, _, _ := m.Update(d("100"))
	tr := tracker.New(tracker.Options{})
	n := 0
	applyPlan(t, tr, Reconcile(l, nil, cfg()), &n)

	snap := tr.Snapshot()
	assert.True(t, Reconcile(l, snap.Orders, cfg()).IsEmpty())
	assert.True(t, Reconcile(l, snap.Orders, cfg()).IsEmpty())
}

func TestReconcile_PendingOrderBlocksPlace(t *testing.T) {
	m := ladder.NewModel(ladderCfg())
	l, _, _ := m.Update(d("100"))
	pending := &domain.ManagedOrder{ClientOrderID: "p", LevelIndex: 0, Side: domain.SideBuy, Price: d("99"), Size: d("1"), Status: domain.OrderStatusPending}

	plan := Reconcile(l, []*domain.ManagedOrder{pending}, cfg())
	assert.Equal(t, 5, plan.Count(domain.ActionPlace))
	for _, a := range plan.Actions {
		assert.NotEqual(t, 0, a.Level.LevelIndex)
	}
}

func TestReconcile_DriftAmendsUnfilledOrder(t *testing.T) {
	l := &domain.Ladder{Levels: []domain.GridLevel{{Price: d("99"), Side: domain.SideBuy, TargetSize: d("2"), LevelIndex: 0}}}
	o := &domain.ManagedOrder{ClientOrderID: "a", ExchangeOrderID: "1", LevelIndex: 0, Side: domain.SideBuy, Price: d("98"), Size: d("2"), Status: domain.OrderStatusOpen}

	plan := Reconcile(l, []*domain.ManagedOrder{o}, cfg())
	require.Len(t, plan.Actions, 1)
	a := plan.Actions[0]
	assert.Equal(t, domain.ActionAmend, a.Kind)
	require.NotNil(t, a.NewPrice)
	assert.True(t, a.NewPrice.Equal(d("99")))
	assert.Nil(t, a.NewSize)

	c := cfg()
	c.DisableAmend = true
	plan = Reconcile(l, []*domain.ManagedOrder{o}, c)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, domain.ActionCancel, plan.Actions[0].Kind)
}

func TestReconcile_DriftWithFillCancels(t *testing.T) {
	l := &domain.Ladder{Levels: []domain.GridLevel{{Price: d("99"), Side: domain.SideBuy, TargetSize: d("2"), LevelIndex: 0}}}
	o := &domain.ManagedOrder{ClientOrderID: "a", ExchangeOrderID: "1", LevelIndex: 0, Side: domain.SideBuy, Price: d("98"), Size: d("2"), FilledSize: d("1"), Status: domain.OrderStatusPartiallyFilled}

	plan := Reconcile(l, []*domain.ManagedOrder{o}, cfg())
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, domain.ActionCancel, plan.Actions[0].Kind)
	assert.Equal(t, ReasonDrift, plan.Actions[0].Reason)
}

func TestReconcile_UnderToleranceUntouched(t *testing.T) {
	l := &domain.Ladder{Levels: []domain.GridLevel{{Price: d("100"), Side: domain.SideBuy, TargetSize: d("1"), LevelIndex: 0}}}
	o := &domain.ManagedOrder{ClientOrderID: "a", ExchangeOrderID: "1", LevelIndex: 0, Side: domain.SideBuy, Price: d("100.04"), Size: d("1.005"), FilledSize: d("0.2"), Status: domain.OrderStatusPartiallyFilled}
	assert.True(t, Reconcile(l, []*domain.ManagedOrder{o}, cfg()).IsEmpty())
}

func TestReconcile_CancellingAndUnackedOrdersAreNotRecancelled(t *testing.T) {
	orders := []*domain.ManagedOrder{
		{ClientOrderID: "a", ExchangeOrderID: "1", LevelIndex: 40, Side: domain.SideBuy, Price: d("1"), Size: d("1"), Status: domain.OrderStatusCancelling},
		{ClientOrderID: "b", LevelIndex: 41, Side: domain.SideBuy, Price: d("1"), Size: d("1"), Status: domain.OrderStatusPending},
	}
	assert.True(t, Reconcile(&domain.Ladder{}, orders, cfg()).IsEmpty())
}

func TestReconcile_DuplicateOnLevel(t *testing.T) {
	l := &domain.Ladder{Levels: []domain.GridLevel{{Price: d("99"), Side: domain.SideBuy, TargetSize: d("1"), LevelIndex: 0}}}
	orders := []*domain.ManagedOrder{
		{ClientOrderID: "a", ExchangeOrderID: "1", LevelIndex: 0, Side: domain.SideBuy, Price: d("99"), Size: d("1"), Status: domain.OrderStatusOpen},
		{ClientOrderID: "b", ExchangeOrderID: "2", LevelIndex: 0, Side: domain.SideBuy, Price: d("99"), Size: d("1"), FilledSize: d("0.1"), Status: domain.OrderStatusPartiallyFilled},
	}
	plan := Reconcile(l, orders, cfg())
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "a", plan.Actions[0].Order.ClientOrderID)
	assert.Equal(t, ReasonDuplicate, plan.Actions[0].Reason)
}

func TestEngine_CycleNumbers(t *testing.T) {
	e := NewEngine(cfg())
	assert.Equal(t, uint64(1), e.Reconcile(nil, nil).Cycle)
	assert.Equal(t, uint64(2), e.Reconcile(nil, nil).Cycle)
}

// 随机价格路径、随机成交与随机部分确认下，每个层级最多只有一个非终态订单，且计划始终先撤改后下单
func TestReconcile_AtMostOneOrderPerLevel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := ladder.NewModel(ladderCfg())
	tr := tracker.New(tracker.Options{})
	n := 0
	price := d("100")
	seq := uint64(0)

	for cycle := 0; cycle < 200; cycle++ {
		price = price.Add(decimal.NewFromFloat(rng.Float64()*4 - 2)).Round(2)
		l, _, err := m.Update(price)
		require.NoError(t, err)

		plan := Reconcile(l, tr.Snapshot().Orders, cfg())
		assertOrdered(t, plan)

		// 只有部分动作被执行，模拟网络丢失
		var accepted domain.ActionPlan
		for _, a := range plan.Actions {
			if rng.Intn(3) > 0 {
				accepted.Actions = append(accepted.Actions, a)
			}
		}
		applyPlan(t, tr, accepted, &n)

		for _, o := range tr.Snapshot().Orders {
			if rng.Intn(5) == 0 {
				seq++
				tr.Apply(domain.ExecutionEvent{Kind: domain.EventFill, ClientOrderID: o.ClientOrderID, Seq: seq, FillSize: o.Remaining().Div(decimal.NewFromInt(2)), FillPrice: o.Price})
			}
		}

		counts := map[int]int{}
		for _, o := range tr.Snapshot().Orders {
			counts[o.LevelIndex]++
			require.LessOrEqual(t, counts[o.LevelIndex], 1, "cycle %d level %d", cycle, o.LevelIndex)
			require.True(t, o.FilledSize.LessThanOrEqual(o.Size))
		}
	}
}
