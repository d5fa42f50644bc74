package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind 动作类型
type ActionKind string

const (
	ActionPlace  ActionKind = "place"
	ActionCancel ActionKind = "cancel"
	ActionAmend  ActionKind = "amend"
)

// Action ActionPlan 中的一个元素
type Action struct {
	Kind  ActionKind
	Level GridLevel     // Place
	Order *ManagedOrder // Cancel / Amend（只读快照）

	// Amend 的目标值；nil 表示该字段不变
	NewPrice *decimal.Decimal
	NewSize  *decimal.Decimal

	Reason string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionPlace:
		return fmt.Sprintf("place[%d %s %s@%s]", a.Level.LevelIndex, a.Level.Side, a.Level.TargetSize, a.Level.Price)
	case ActionCancel:
		return fmt.Sprintf("cancel[%s lvl=%d %s]", a.Order.ClientOrderID, a.Order.LevelIndex, a.Reason)
	case ActionAmend:
		return fmt.Sprintf("amend[%s lvl=%d]", a.Order.ClientOrderID, a.Order.LevelIndex)
	}
	return string(a.Kind)
}

// ActionPlan 单次对账的输出：所有 Cancel/Amend 排在 Place 之前。
// 每个周期重新生成，不持久化。
type ActionPlan struct {
	Cycle   uint64
	Actions []Action
}

func (p ActionPlan) IsEmpty() bool {
	return len(p.Actions) == 0
}

func (p ActionPlan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Split 拆分为撤改阶段与下单阶段（保持原有顺序）
func (p ActionPlan) Split() (modify, place []Action) {
	for _, a := range p.Actions {
		if a.Kind == ActionPlace {
			place = append(place, a)
		} else {
			modify = append(modify, a)
		}
	}
	return
}
