package queue

import (
	"github.com/xiaopohou/MessageCenter/internal/message"
)

// Level is the broker-native priority scale. Higher levels drain first;
// within one level the broker preserves FIFO order.
type Level int

const (
	LevelLow Level = iota
	LevelNormal
	LevelHigh
	LevelHighest
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	case LevelHighest:
		return "highest"
	default:
		return "normal"
	}
}

// pollOrder is the consumption order: highest level first.
var pollOrder = [...]Level{LevelHighest, LevelHigh, LevelNormal, LevelLow}

// Levels lists all broker levels, lowest first.
func Levels() []Level {
	return []Level{LevelLow, LevelNormal, LevelHigh, LevelHighest}
}

// LevelFor maps the domain priority onto the broker scale. The mapping is
// total and order-preserving; anything unrecognized lands on Normal.
func LevelFor(pri message.Priority) Level {
	switch pri {
	case message.PriorityLower:
		return LevelLow
	case message.PriorityHigher:
		return LevelHigh
	case message.PriorityImmediately:
		return LevelHighest
	default:
		return LevelNormal
	}
}
