// Package clock provides the time source used by the scheduler and the
// live classifier. Core packages take a Clock instead of calling time.Now
// so boundary behavior can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real returns the system time. Use only at entry points (cmd/*).
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fixed always returns T.
type Fixed struct {
	T time.Time
}

func (c Fixed) Now() time.Time {
	return c.T
}

// Func wraps a function as a Clock.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}

// Manual is a settable clock for tests that need to move time forward
// while other goroutines are reading it.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual returns a Manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

var (
	_ Clock = Real{}
	_ Clock = Fixed{}
	_ Clock = Func(nil)
	_ Clock = (*Manual)(nil)
)
