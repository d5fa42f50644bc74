package domain

import (
	"github.com/shopspring/decimal"
)

// GridLevel 网格的一个层级
//
// LevelIndex 在一个网格实例内唯一：同一纪元内买单从 base 开始按距离参考价由近到远编号，
// 卖单紧随其后；recenter 之后 base 前移，旧层级的编号不会被复用。
type GridLevel struct {
	Price      decimal.Decimal
	Side       Side
	TargetSize decimal.Decimal
	LevelIndex int
	Epoch      uint64
}

// Ladder 某一时刻的完整目标网格
type Ladder struct {
	Epoch          uint64
	ReferencePrice decimal.Decimal
	Levels         []GridLevel
}

// Level 按 levelIndex 查找层级
func (l *Ladder) Level(index int) (GridLevel, bool) {
	if l == nil {
		return GridLevel{}, false
	}
	for _, lv := range l.Levels {
		if lv.LevelIndex == index {
			return lv, true
		}
	}
	return GridLevel{}, false
}

// Sides 拆分买卖两侧（保持原顺序）
func (l *Ladder) Sides() (buys, sells []GridLevel) {
	if l == nil {
		return nil, nil
	}
	for _, lv := range l.Levels {
		if lv.Side == SideBuy {
			buys = append(buys, lv)
		} else {
			sells = append(sells, lv)
		}
	}
	return
}
