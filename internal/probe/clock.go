package probe

import "time"

// Clock abstracts the wall-clock source the original reads via
// omp_get_wtime(), letting tests drive time deterministically instead
// of sleeping.
type Clock interface {
	Now() float64
}

// SystemClock is the default Clock, backed by time.Now with a
// process-start epoch so values stay small and readable like
// omp_get_wtime's.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a SystemClock whose epoch is the moment it
// was created.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) Now() float64 {
	return time.Since(c.epoch).Seconds()
}

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	t float64
}

func NewFakeClock() *FakeClock { return &FakeClock{} }

func (c *FakeClock) Now() float64 { return c.t }

func (c *FakeClock) Advance(seconds float64) { c.t += seconds }

func (c *FakeClock) Set(seconds float64) { c.t = seconds }
