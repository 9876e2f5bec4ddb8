// Package clock abstracts time so reconnect, debounce and presence timeouts can be driven
// by a virtual clock in tests.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Clock
	AfterFunc(delay time.Duration, callback func()) Timer
}

// System is the wall-clock implementation backed by the time package.
type System struct{}

// Now returns time.Now.
func (System) Now() time.Time { return time.Now() }

// AfterFunc schedules callback with time.AfterFunc.
func (System) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}
