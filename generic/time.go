package generic

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable wall clock
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a settable clock for tests and demo scenarios.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// DAY KEYS - Local calendar days as YYYY-MM-DD strings
// =============================================================================

const DayKeyLayout = "2006-01-02"

// DayKey returns the calendar day of t in loc. The day boundary is local
// midnight in loc, never the server's zone and never UTC unless loc is UTC.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayKeyLayout)
}

// ParseDayKey parses a key produced by DayKey as midnight in loc.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DayKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad day key %q", ErrInvalidInput, key)
	}
	return t, nil
}

// ShiftDayKey returns the key n calendar days after key. It walks the
// calendar rather than adding 24h so DST transitions cannot skip a day.
func ShiftDayKey(key string, n int) (string, error) {
	t, err := time.Parse(DayKeyLayout, key)
	if err != nil {
		return "", fmt.Errorf("%w: bad day key %q", ErrInvalidInput, key)
	}
	return t.AddDate(0, 0, n).Format(DayKeyLayout), nil
}

// Calendar computes day keys from a clock in a reference timezone.
type Calendar struct {
	Clock    Clock
	Location *time.Location
}

func NewCalendar(clock Clock, loc *time.Location) Calendar {
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Clock: clock, Location: loc}
}

// Today is computed on every call so long-lived processes never serve a
// stale day.
func (c Calendar) Today() string {
	return DayKey(c.Clock.Now(), c.Location)
}

// NextReset returns the next local midnight.
func (c Calendar) NextReset() time.Time {
	now := c.Clock.Now().In(c.Location)
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.Location)
}
