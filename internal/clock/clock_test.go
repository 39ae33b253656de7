package clock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestManualClockAfterFiresInOrder(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	short := c.After(10 * time.Second)
	long := c.After(5 * time.Minute)

	c.Advance(30 * time.Second)

	select {
	case fired := <-short:
		assert.Equal(t, start.Add(30*time.Second), fired)
	default:
		t.Fatal("expected short timer to fire")
	}

	select {
	case <-long:
		t.Fatal("long timer should not have fired yet")
	default:
	}

	c.Advance(5 * time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("expected long timer to fire after advance")
	}
}

func TestManualClockAfterZeroDuration(t *testing.T) {
	c := NewManualClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestSystemClockNowIsUTC(t *testing.T) {
	c := NewSystemClock()
	now := c.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestIDGeneratorPrefixesAndUniqueness(t *testing.T) {
	g := NewIDGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := g.NewID("tx")
		require.True(t, strings.HasPrefix(id, "tx_"))
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	taskID := g.NewID("task")
	assert.True(t, strings.HasPrefix(taskID, "task_"))
}
