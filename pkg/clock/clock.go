package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the time source so expiry logic can be tested with a
// frozen clock
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// System returns the process-wide system clock
func System() Clock { return SystemClock{} }

// FrozenClock returns a fixed instant until advanced
type FrozenClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozen creates a frozen clock at the given instant
func NewFrozen(at time.Time) *FrozenClock {
	return &FrozenClock{now: at}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FrozenClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the frozen clock forward
func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the frozen clock to an absolute instant
func (c *FrozenClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// NewID mints a time-ordered UUIDv7. Falls back to v4 if the entropy source
// fails, which keeps minting non-fatal on exotic platforms.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// DayBounds returns the [start, end) of the calendar day containing t in loc
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// AtClockTime returns the instant on t's calendar day (in loc) at the given
// minutes-from-midnight offset
func AtClockTime(t time.Time, minutes int, loc *time.Location) time.Time {
	start, _ := DayBounds(t, loc)
	return start.Add(time.Duration(minutes) * time.Minute)
}
