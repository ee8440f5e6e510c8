package domain

import "time"

// Clock abstracts wall-clock reads so that every time-driven transition
// (quota resets, quiet hours, backoff, circuit recovery) can be evaluated
// against a substituted clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the real wall clock.
func SystemClock() Clock { return systemClock{} }
