package clock

import "time"

// Clock is the time source used by lease expiry, the reclaim sweeper and the
// event log. Production code uses Real; tests drive a Manual clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After wraps time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep wraps time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
