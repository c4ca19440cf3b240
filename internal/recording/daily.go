package recording

import (
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// DailyCounter hands out per-day segment indexes and enforces the daily cap.
type DailyCounter struct {
	mu    sync.Mutex
	max   int
	day   time.Time
	count int
}

// NewDailyCounter returns a counter allowing at most max segments per calendar day.
// A max of zero or less disables the cap.
func NewDailyCounter(max int) *DailyCounter {
	return &DailyCounter{max: max}
}

// Next returns the index for a segment starting at now. The index is 1 for the
// first segment of a day. ok is false when the cap for now's date is reached;
// a refused call does not consume an index.
func (c *DailyCounter) Next(now time.Time) (index int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.day.IsZero() || !util.SameDay(now, c.day) {
		c.day = now
		c.count = 0
	}
	if c.max > 0 && c.count >= c.max {
		return c.count, false
	}
	c.count++
	return c.count, true
}

// Count returns the number of segments handed out for the current day.
func (c *DailyCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reached reports whether the cap is reached for now's date.
func (c *DailyCounter) Reached(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day.IsZero() || !util.SameDay(now, c.day) {
		return false
	}
	return c.max > 0 && c.count >= c.max
}
