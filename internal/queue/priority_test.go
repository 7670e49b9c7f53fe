package queue

import (
	"testing"

	"github.com/xiaopohou/MessageCenter/internal/message"
)

func TestLevelForIsTotal(t *testing.T) {
	cases := []struct {
		pri  message.Priority
		want Level
	}{
		{message.PriorityLower, LevelLow},
		{message.PriorityNormal, LevelNormal},
		{message.PriorityHigher, LevelHigh},
		{message.PriorityImmediately, LevelHighest},
	}
	for _, c := range cases {
		if got := LevelFor(c.pri); got != c.want {
			t.Errorf("LevelFor(%d) = %s, want %s", c.pri, got, c.want)
		}
	}
}

func TestLevelForIsOrderPreserving(t *testing.T) {
	priorities := []message.Priority{
		message.PriorityLower,
		message.PriorityNormal,
		message.PriorityHigher,
		message.PriorityImmediately,
	}
	for i := 1; i < len(priorities); i++ {
		lo := LevelFor(priorities[i-1])
		hi := LevelFor(priorities[i])
		if lo >= hi {
			t.Errorf("mapping must be strictly increasing: %d -> %s, %d -> %s",
				priorities[i-1], lo, priorities[i], hi)
		}
	}
}

func TestLevelForUnknownDefaultsToNormal(t *testing.T) {
	if got := LevelFor(message.Priority(42)); got != LevelNormal {
		t.Errorf("unknown priority should map to normal, got %s", got)
	}
}

func TestPollOrderIsHighestFirst(t *testing.T) {
	for i := 1; i < len(pollOrder); i++ {
		if pollOrder[i-1] <= pollOrder[i] {
			t.Errorf("poll order must be strictly descending, got %v", pollOrder)
		}
	}
}
