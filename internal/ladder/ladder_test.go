package ladder

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func arithmetic() Config {
	return Config{
		Levels:            3,
		Spacing:           SpacingArithmetic,
		Step:              d("1"),
		SizeMode:          SizeFixed,
		BaseSize:          d("0.1"),
		RecenterThreshold: d("0.05"),
		PriceDecimals:     2,
		SizeDecimals:      4,
	}
}

func TestComputeTargetLevels_Arithmetic(t *testing.T) {
	levels, err := ComputeTargetLevels(arithmetic(), d("100"), 0, 0)
	require.NoError(t, err)
	require.Len(t, levels, 6)

	want := []struct {
		idx   int
		side  domain.Side
		price string
	}{
		{0, domain.SideBuy, "99"}, {1, domain.SideBuy, "98"}, {2, domain.SideBuy, "97"},
		{3, domain.SideSell, "101"}, {4, domain.SideSell, "102"}, {5, domain.SideSell, "103"},
	}
	for i, w := range want {
		assert.Equal(t, w.idx, levels[i].LevelIndex)
		assert.Equal(t, w.side, levels[i].Side)
		assert.True(t, levels[i].Price.Equal(d(w.price)), "level %d price %s", i, levels[i].Price)
		assert.True(t, levels[i].TargetSize.Equal(d("0.1")))
	}
}

func TestComputeTargetLevels_GeometricAndScaled(t *testing.T) {
	cfg := arithmetic()
	cfg.Spacing = SpacingGeometric
	cfg.Step = d("0.01")
	cfg.SizeMode = SizeScaled
	cfg.SizeScale = d("0.5")

	levels, err := ComputeTargetLevels(cfg, d("100"), 2, 12)
	require.NoError(t, err)
	buys, sells := (&domain.Ladder{Levels: levels}).Sides()
	require.Len(t, buys, 3)
	require.Len(t, sells, 3)

	assert.True(t, buys[0].Price.Equal(d("99")))
	assert.True(t, buys[1].Price.Equal(d("98.01")))
	assert.True(t, sells[0].Price.Equal(d("101")))
	assert.True(t, sells[1].Price.Equal(d("102.01")))
	assert.True(t, buys[2].TargetSize.Equal(d("0.2")), "size %s", buys[2].TargetSize)
	assert.Equal(t, 12, buys[0].LevelIndex)
	assert.Equal(t, 15, sells[0].LevelIndex)
	assert.Equal(t, uint64(2), sells[0].Epoch)
}

func TestComputeTargetLevels_ConfigurationErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"non-positive price":  func(c *Config) { c.Step = d("40") },
		"collapsed rounding":  func(c *Config) { c.Step = d("0.001"); c.PriceDecimals = 0 },
		"zero size":           func(c *Config) { c.BaseSize = d("0.00001") },
		"unknown spacing":     func(c *Config) { c.Spacing = "log" },
		"geometric step >= 1": func(c *Config) { c.Spacing = SpacingGeometric; c.Step = d("1") },
		"zero levels":         func(c *Config) { c.Levels = 0 },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := arithmetic()
			mut(&cfg)
			_, err := ComputeTargetLevels(cfg, d("100"), 0, 0)
			var cfgErr *domain.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestModel_RecenterOnlyBeyondThreshold(t *testing.T) {
	m := NewModel(arithmetic())

	first, changed, err := m.Update(d("100"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(0), first.Epoch)

	// 3% 偏移，不重算
	same, changed, err := m.Update(d("103"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, same)

	// 10% 偏移，新纪元，levelIndex 不复用
	next, changed, err := m.Update(d("110"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), next.Epoch)
	assert.Equal(t, 6, next.Levels[0].LevelIndex)
	assert.True(t, next.Levels[0].Price.Equal(d("109")))
	_, ok := next.Level(0)
	assert.False(t, ok)
}

func TestModel_RestoreKeepsIndices(t *testing.T) {
	m := NewModel(arithmetic())
	_, _, err := m.Update(d("100"))
	require.NoError(t, err)
	_, _, err = m.Update(d("120"))
	require.NoError(t, err)
	st := m.State()

	restored := NewModel(arithmetic())
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, m.Current().Levels, restored.Current().Levels)

	_, changed, err := restored.Update(d("121"))
	require.NoError(t, err)
	assert.False(t, changed)
}


// layout 价格 -> 方向
func layout(l *domain.Ladder) map[string]domain.Side {
	out := make(map[string]domain.Side, len(l.Levels))
	for _, lv := range l.Levels {
		out[lv.Price.String()] = lv.Side
	}
	return out
}

func TestModel_FlipOnFill(t *testing.T) {
	cfg := arithmetic()
	cfg.FlipOnFill = true
	m := NewModel(cfg)

	lad, _, err := m.Update(d("100"))
	require.NoError(t, err)
	// 参考价所在价位初始为空
	assert.Equal(t, map[string]domain.Side{
		"97": domain.SideBuy, "98": domain.SideBuy, "99": domain.SideBuy,
		"101": domain.SideSell, "102": domain.SideSell, "103": domain.SideSell,
	}, layout(lad))

	// 99 买单成交：99 空出，100 挂卖
	require.True(t, m.OnFill(0, 0, domain.SideBuy))
	lad = m.Current()
	assert.Equal(t, map[string]domain.Side{
		"97": domain.SideBuy, "98": domain.SideBuy,
		"100": domain.SideSell, "101": domain.SideSell, "102": domain.SideSell, "103": domain.SideSell,
	}, layout(lad))
	lv, ok := lad.Level(6)
	require.True(t, ok, "reference point uses index base+2N")
	assert.True(t, lv.Price.Equal(d("100")))

	// 100 卖单成交：回到初始形状
	require.True(t, m.OnFill(6, 0, domain.SideSell))
	assert.Equal(t, map[string]domain.Side{
		"97": domain.SideBuy, "98": domain.SideBuy, "99": domain.SideBuy,
		"101": domain.SideSell, "102": domain.SideSell, "103": domain.SideSell,
	}, layout(m.Current()))
	assert.Empty(t, m.State().Sides)

	// 旧纪元或未知层级不处理
	assert.False(t, m.OnFill(0, 7, domain.SideBuy))
	assert.False(t, m.OnFill(42, 0, domain.SideBuy))
}

func TestModel_FlipStrideAndRecenterResetsSides(t *testing.T) {
	cfg := arithmetic()
	cfg.FlipOnFill = true
	m := NewModel(cfg)
	_, _, err := m.Update(d("100"))
	require.NoError(t, err)
	require.True(t, m.OnFill(3, 0, domain.SideSell))
	assert.NotEmpty(t, m.State().Sides)

	next, changed, err := m.Update(d("110"))
	require.NoError(t, err)
	require.True(t, changed)
	// 每个纪元占用 2N+1 个编号
	assert.Equal(t, 7, next.Levels[0].LevelIndex)
	assert.Empty(t, m.State().Sides)
	assert.Len(t, next.Levels, 6)
}

func TestModel_FlipDisabledIgnoresFills(t *testing.T) {
	m := NewModel(arithmetic())
	lad, _, err := m.Update(d("100"))
	require.NoError(t, err)
	assert.False(t, m.OnFill(0, 0, domain.SideBuy))
	assert.Same(t, lad, m.Current())
}

func TestModel_RestoreKeepsFlippedSides(t *testing.T) {
	cfg := arithmetic()
	cfg.FlipOnFill = true
	m := NewModel(cfg)
	_, _, err := m.Update(d("100"))
	require.NoError(t, err)
	require.True(t, m.OnFill(1, 0, domain.SideBuy))
	st := m.State()
	assert.Equal(t, map[int]domain.Side{-2: SideNone, -1: domain.SideSell}, st.Sides)

	restored := NewModel(cfg)
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, m.Current().Levels, restored.Current().Levels)

	// 关闭翻转后恢复，忽略保存的方向
	plain := NewModel(arithmetic())
	require.NoError(t, plain.Restore(st))
	assert.Len(t, plain.Current().Levels, 6)
	assert.Empty(t, plain.State().Sides)
}

func TestModel_PriceRange(t *testing.T) {
	cfg := arithmetic()
	cfg.LowerPrice = d("98")
	cfg.UpperPrice = d("102")
	m := NewModel(cfg)

	lad, _, err := m.Update(d("100"))
	require.NoError(t, err)
	// 区间外的 97 与 103 不挂
	assert.Equal(t, map[string]domain.Side{
		"98": domain.SideBuy, "99": domain.SideBuy,
		"101": domain.SideSell, "102": domain.SideSell,
	}, layout(lad))

	cur, changed, err := m.Update(d("97.5"))
	var outside *domain.PriceOutOfRange
	require.True(t, errors.As(err, &outside))
	assert.True(t, outside.Price.Equal(d("97.5")))
	assert.False(t, changed)
	assert.Same(t, lad, cur)

	assert.True(t, InRange(cfg, d("98")))
	assert.True(t, InRange(cfg, d("102")))
	assert.False(t, InRange(cfg, d("102.01")))
	assert.True(t, InRange(arithmetic(), d("1000000")))
}

func TestComputeTargetLevels_SignificantFigures(t *testing.T) {
	cfg := arithmetic()
	cfg.PriceDecimals = 6
	cfg.MaxSigFigs = 5

	levels, err := ComputeTargetLevels(cfg, d("12345.678"), 0, 0)
	require.NoError(t, err)
	// 整数部分已占 5 位：买向下、卖向上取整到个位
	assert.True(t, levels[0].Price.Equal(d("12344")), levels[0].Price.String())
	assert.True(t, levels[3].Price.Equal(d("12347")), levels[3].Price.String())

	cfg.Step = d("0.001")
	levels, err = ComputeTargetLevels(cfg, d("1.234567"), 0, 0)
	require.NoError(t, err)
	assert.True(t, levels[0].Price.Equal(d("1.2335")), levels[0].Price.String())
	assert.True(t, levels[3].Price.Equal(d("1.2356")), levels[3].Price.String())
}
