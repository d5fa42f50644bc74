package grid

import (
	"maps"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/ladder"
	"github.com/betbot/hlgrid/pkg/persistence"
)

// binding 订单与网格层级的绑定，重启后用于把交易所挂单重新挂回层级
type binding struct {
	Level int    `json:"level"`
	Epoch uint64 `json:"epoch"`
}

// resumeState 重启恢复所需的最小状态
type resumeState struct {
	Ladder   ladder.State       `persistence:"ladder"`
	Bindings map[string]binding `persistence:"bindings"`
}

func (s *resumeState) valid() bool {
	return s.Ladder.ReferencePrice.IsPositive()
}

func stateID(symbol string) string { return "grid-" + symbol }

func bindingsOf(orders []*domain.ManagedOrder) map[string]binding {
	out := make(map[string]binding, len(orders))
	for _, o := range orders {
		if o.LevelIndex < 0 {
			continue
		}
		out[o.ClientOrderID] = binding{Level: o.LevelIndex, Epoch: o.Epoch}
	}
	return out
}

// loadResume 读取上次保存的状态；没有持久化服务或没有数据时返回空状态
func (g *RunningGrid) loadResume() resumeState {
	st := resumeState{Bindings: map[string]binding{}}
	if g.persist == nil {
		return st
	}
	if err := persistence.LoadFields(&st, stateID(g.set.symbol), g.persist); err != nil {
		log.WithError(err).Warn("读取恢复状态失败，按全新网格启动")
		return resumeState{Bindings: map[string]binding{}}
	}
	if st.Bindings == nil {
		st.Bindings = map[string]binding{}
	}
	return st
}

// saveResume 状态有变化时写入；只在对账循环与 Stop 中调用
func (g *RunningGrid) saveResume(orders []*domain.ManagedOrder) {
	if g.persist == nil {
		return
	}
	st := resumeState{Ladder: g.ladder.State(), Bindings: bindingsOf(orders)}
	if !st.valid() {
		return
	}
	if g.saved != nil && sameLadder(g.saved.Ladder, st.Ladder) && maps.Equal(g.saved.Bindings, st.Bindings) {
		return
	}
	if err := persistence.SaveFields(&st, stateID(g.set.symbol), g.persist); err != nil {
		log.WithError(err).Warn("保存恢复状态失败")
		return
	}
	g.saved = &st
}

func sameLadder(a, b ladder.State) bool {
	return a.Epoch == b.Epoch && a.Base == b.Base && a.ReferencePrice.Equal(b.ReferencePrice) && maps.Equal(a.Sides, b.Sides)
}
