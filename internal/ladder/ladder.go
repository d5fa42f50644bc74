package ladder

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "ladder")

type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic" // 每层固定价差
	SpacingGeometric  Spacing = "geometric"  // 每层固定比例
)

type SizeMode string

const (
	SizeFixed  SizeMode = "fixed"
	SizeScaled SizeMode = "scaled" // 距参考价越远数量越大
)

// Config 网格形状
type Config struct {
	Levels            int // 每侧层数 N
	Spacing           Spacing
	Step              decimal.Decimal // 等差: 价差；等比: 比例（0.01 = 1%）
	SizeMode          SizeMode
	BaseSize          decimal.Decimal
	SizeScale         decimal.Decimal // scaled: 第 k 层 = BaseSize * (1 + SizeScale*k)
	RecenterThreshold decimal.Decimal // 参考价相对偏移超过此值才重算
	PriceDecimals     int32
	SizeDecimals      int32
	MaxSigFigs        int32 // 价格有效数字上限，0 表示不限制

	// 价格区间，零值表示该侧不限制。参考价越界时不生成网格，越界的层级被跳过。
	LowerPrice decimal.Decimal
	UpperPrice decimal.Decimal

	// FlipOnFill 某层全部成交后，该价位空出，相邻价位改挂反向单：
	// 买单成交在上一个价位挂卖，卖单成交在下一个价位挂买。参考价所在价位初始为空。
	FlipOnFill bool
}

func configErr(field, format string, args ...interface{}) error {
	return &domain.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ComputeTargetLevels 围绕 referencePrice 生成 N 个买层与 N 个卖层。
//
// 买层按距离参考价由近到远编号 base..base+N-1，卖层为 base+N..base+2N-1。
// 任何一层价格非正、两层价格重合（包括取整后重合）或数量非正，都返回 ConfigurationError。
func ComputeTargetLevels(cfg Config, referencePrice decimal.Decimal, epoch uint64, base int) ([]domain.GridLevel, error) {
	if cfg.Levels <= 0 {
		return nil, configErr("levels", "must be positive, got %d", cfg.Levels)
	}
	if !referencePrice.IsPositive() {
		return nil, configErr("reference_price", "must be positive, got %s", referencePrice)
	}
	if !cfg.Step.IsPositive() {
		return nil, configErr("step", "must be positive, got %s", cfg.Step)
	}
	if !cfg.BaseSize.IsPositive() {
		return nil, configErr("base_size", "must be positive, got %s", cfg.BaseSize)
	}

	one := decimal.NewFromInt(1)
	var buyFactor, sellFactor decimal.Decimal
	switch cfg.Spacing {
	case SpacingArithmetic:
	case SpacingGeometric:
		buyFactor = one.Sub(cfg.Step)
		sellFactor = one.Add(cfg.Step)
		if !buyFactor.IsPositive() {
			return nil, configErr("step", "geometric step %s would produce non-positive prices", cfg.Step)
		}
	default:
		return nil, configErr("spacing", "unknown spacing %q", cfg.Spacing)
	}

	levels := make([]domain.GridLevel, 0, 2*cfg.Levels)
	buyPrice := referencePrice
	for k := 0; k < cfg.Levels; k++ {
		if cfg.Spacing == SpacingArithmetic {
			buyPrice = buyPrice.Sub(cfg.Step)
		} else {
			buyPrice = buyPrice.Mul(buyFactor)
		}
		size, err := levelSize(cfg, k)
		if err != nil {
			return nil, err
		}
		levels = append(levels, domain.GridLevel{
			Price:      roundPrice(buyPrice, cfg, roundDown),
			Side:       domain.SideBuy,
			TargetSize: size,
			LevelIndex: base + k,
			Epoch:      epoch,
		})
	}
	sellPrice := referencePrice
	for k := 0; k < cfg.Levels; k++ {
		if cfg.Spacing == SpacingArithmetic {
			sellPrice = sellPrice.Add(cfg.Step)
		} else {
			sellPrice = sellPrice.Mul(sellFactor)
		}
		size, err := levelSize(cfg, k)
		if err != nil {
			return nil, err
		}
		levels = append(levels, domain.GridLevel{
			Price:      roundPrice(sellPrice, cfg, roundUp),
			Side:       domain.SideSell,
			TargetSize: size,
			LevelIndex: base + cfg.Levels + k,
			Epoch:      epoch,
		})
	}

	if err := checkMonotonic(levels, referencePrice); err != nil {
		return nil, err
	}
	return levels, nil
}

const (
	roundDown = -1
	roundHalf = 0
	roundUp   = 1
)

// roundPrice 先按小数位取整，再按有效数字截断；整数部分的位数不受有效数字限制
func roundPrice(p decimal.Decimal, cfg Config, mode int) decimal.Decimal {
	places := cfg.PriceDecimals
	if cfg.MaxSigFigs > 0 {
		intDigits := int32(0)
		if whole := p.Abs().Truncate(0); whole.IsPositive() {
			intDigits = int32(len(whole.String()))
		}
		places = min(places, max(cfg.MaxSigFigs-intDigits, 0))
	}
	switch mode {
	case roundDown:
		return p.RoundFloor(places)
	case roundUp:
		return p.RoundCeil(places)
	}
	return p.Round(places)
}

func levelSize(cfg Config, k int) (decimal.Decimal, error) {
	size := cfg.BaseSize
	if cfg.SizeMode == SizeScaled {
		factor := decimal.NewFromInt(1).Add(cfg.SizeScale.Mul(decimal.NewFromInt(int64(k))))
		size = size.Mul(factor)
	} else if cfg.SizeMode != SizeFixed && cfg.SizeMode != "" {
		return decimal.Zero, configErr("size_mode", "unknown size mode %q", cfg.SizeMode)
	}
	size = size.RoundFloor(cfg.SizeDecimals)
	if !size.IsPositive() {
		return decimal.Zero, configErr("size", "level %d size rounds to %s", k, size)
	}
	return size, nil
}

// checkMonotonic 买层严格递减且低于参考价，卖层严格递增且高于参考价
func checkMonotonic(levels []domain.GridLevel, ref decimal.Decimal) error {
	var prevBuy, prevSell decimal.Decimal
	for _, lv := range levels {
		if !lv.Price.IsPositive() {
			return configErr("step", "level %d price %s is not positive", lv.LevelIndex, lv.Price)
		}
		switch lv.Side {
		case domain.SideBuy:
			if lv.Price.GreaterThanOrEqual(ref) || (!prevBuy.IsZero() && lv.Price.GreaterThanOrEqual(prevBuy)) {
				return configErr("step", "buy level %d price %s is not strictly decreasing", lv.LevelIndex, lv.Price)
			}
			prevBuy = lv.Price
		case domain.SideSell:
			if lv.Price.LessThanOrEqual(ref) || (!prevSell.IsZero() && lv.Price.LessThanOrEqual(prevSell)) {
				return configErr("step", "sell level %d price %s is not strictly increasing", lv.LevelIndex, lv.Price)
			}
			prevSell = lv.Price
		}
	}
	return nil
}

// NeedsRecenter 相对偏移 |ref-last|/last 严格大于阈值时返回 true
func NeedsRecenter(last, ref, threshold decimal.Decimal) bool {
	if !last.IsPositive() {
		return true
	}
	drift := ref.Sub(last).Abs().Div(last)
	return drift.GreaterThan(threshold)
}

// InRange 价格是否在配置的区间内（闭区间）
func InRange(cfg Config, price decimal.Decimal) bool {
	if cfg.LowerPrice.IsPositive() && price.LessThan(cfg.LowerPrice) {
		return false
	}
	if cfg.UpperPrice.IsPositive() && price.GreaterThan(cfg.UpperPrice) {
		return false
	}
	return true
}

func checkRange(cfg Config, price decimal.Decimal) error {
	if InRange(cfg, price) {
		return nil
	}
	return &domain.PriceOutOfRange{Price: price, Lower: cfg.LowerPrice, Upper: cfg.UpperPrice}
}

// SideNone 价位当前不挂单
const SideNone domain.Side = "none"

// State 用于持久化/恢复的网格状态
type State struct {
	Epoch          uint64          `json:"epoch"`
	Base           int             `json:"base"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	// FlipOnFill 时各价位相对默认方向的改动，key 为相对参考价的价位偏移（买侧为负）
	Sides map[int]domain.Side `json:"sides,omitempty"`
}

// point 一个纪元内的固定价位；offset 为相对参考价的档数，0 即参考价本身
type point struct {
	offset int
	index  int
	price  decimal.Decimal
	size   decimal.Decimal
}

func defaultSide(offset int) domain.Side {
	switch {
	case offset < 0:
		return domain.SideBuy
	case offset > 0:
		return domain.SideSell
	}
	return SideNone
}

// Model 维护当前网格；只有参考价偏移超过阈值或配置变更时才重算
type Model struct {
	mu      sync.RWMutex
	cfg     Config
	state   State
	points  []point
	current *domain.Ladder
}

func NewModel(cfg Config) *Model {
	return &Model{cfg: cfg}
}

// stride 每个纪元占用的 levelIndex 数量；FlipOnFill 时参考价所在价位也需要编号
func (m *Model) stride() int {
	if m.cfg.FlipOnFill {
		return 2*m.cfg.Levels + 1
	}
	return 2 * m.cfg.Levels
}

// Update 根据最新参考价返回当前网格；changed 表示本次生成了新的纪元（含首次生成）。
// 参考价不在价格区间内时返回 *domain.PriceOutOfRange，当前网格保持不变。
func (m *Model) Update(referencePrice decimal.Decimal) (ladder *domain.Ladder, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkRange(m.cfg, referencePrice); err != nil {
		return m.current, false, err
	}
	if m.current != nil && !NeedsRecenter(m.state.ReferencePrice, referencePrice, m.cfg.RecenterThreshold) {
		return m.current, false, nil
	}

	next := State{Epoch: m.state.Epoch, Base: m.state.Base, ReferencePrice: referencePrice}
	first := m.current == nil
	if !first {
		next.Epoch++
		next.Base += m.stride()
	}
	points, err := m.pointsFor(next)
	if err != nil {
		return m.current, false, err
	}
	if !first {
		log.Infof("网格重新居中: %s -> %s (epoch=%d)", m.state.ReferencePrice, referencePrice, next.Epoch)
	}
	m.commit(next, points)
	return m.current, true, nil
}

// OnFill 某层订单全部成交。FlipOnFill 时空出该价位并在相邻价位挂反向单，返回网格是否变化；
// 旧纪元的层级与未开启 FlipOnFill 时不做任何事。
func (m *Model) OnFill(levelIndex int, epoch uint64, side domain.Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.FlipOnFill || m.current == nil || epoch != m.state.Epoch {
		return false
	}
	var filled *point
	for i := range m.points {
		if m.points[i].index == levelIndex {
			filled = &m.points[i]
			break
		}
	}
	if filled == nil {
		return false
	}

	sides := maps.Clone(m.state.Sides)
	if sides == nil {
		sides = make(map[int]domain.Side)
	}
	setSide(sides, filled.offset, SideNone)
	counter, neighbor := domain.SideSell, filled.offset+1
	if side == domain.SideSell {
		counter, neighbor = domain.SideBuy, filled.offset-1
	}
	placed := false
	for _, p := range m.points {
		if p.offset == neighbor {
			setSide(sides, neighbor, counter)
			placed = true
			log.Infof("层级 %d %s@%s 成交，在 %s 改挂 %s", levelIndex, side, filled.price, p.price, counter)
			break
		}
	}
	if !placed {
		log.Infof("层级 %d %s@%s 成交，已到网格边界，不再挂反向单", levelIndex, side, filled.price)
	}

	next := m.state
	next.Sides = sides
	m.commit(next, m.points)
	return true
}

func setSide(sides map[int]domain.Side, offset int, side domain.Side) {
	if side == defaultSide(offset) {
		delete(sides, offset)
		return
	}
	sides[offset] = side
}

// pointsFor 生成一个纪元的全部价位
func (m *Model) pointsFor(st State) ([]point, error) {
	levels, err := ComputeTargetLevels(m.cfg, st.ReferencePrice, st.Epoch, st.Base)
	if err != nil {
		return nil, err
	}
	n := m.cfg.Levels
	points := make([]point, 0, len(levels)+1)
	for _, lv := range levels {
		k := lv.LevelIndex - st.Base
		offset := -(k + 1)
		if lv.Side == domain.SideSell {
			offset = k - n + 1
		}
		points = append(points, point{offset: offset, index: lv.LevelIndex, price: lv.Price, size: lv.TargetSize})
	}
	if m.cfg.FlipOnFill {
		mid := roundPrice(st.ReferencePrice, m.cfg, roundHalf)
		// 取整后与相邻价位重合时参考价所在价位不可用
		if mid.GreaterThan(levels[0].Price) && mid.LessThan(levels[n].Price) {
			size, _ := levelSize(m.cfg, 0)
			points = append(points, point{offset: 0, index: st.Base + 2*n, price: mid, size: size})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].index < points[j].index })
	return points, nil
}

// commit 按价位当前方向与价格区间生成网格
func (m *Model) commit(st State, points []point) {
	levels := make([]domain.GridLevel, 0, len(points))
	for _, p := range points {
		side := defaultSide(p.offset)
		if s, ok := st.Sides[p.offset]; ok {
			side = s
		}
		if side == SideNone || !InRange(m.cfg, p.price) {
			continue
		}
		levels = append(levels, domain.GridLevel{
			Price:      p.price,
			Side:       side,
			TargetSize: p.size,
			LevelIndex: p.index,
			Epoch:      st.Epoch,
		})
	}
	m.state = st
	m.points = points
	m.current = &domain.Ladder{Epoch: st.Epoch, ReferencePrice: st.ReferencePrice, Levels: levels}
}

// Current 当前网格（可能为 nil）
func (m *Model) Current() *domain.Ladder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	st.Sides = maps.Clone(m.state.Sides)
	return st
}

// Restore 从持久化状态恢复，保证重启后 levelIndex 与已有订单的绑定仍然有效
func (m *Model) Restore(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	points, err := m.pointsFor(st)
	if err != nil {
		return err
	}
	if !m.cfg.FlipOnFill {
		st.Sides = nil
	}
	m.commit(st, points)
	return nil
}
