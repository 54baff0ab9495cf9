// Package clock provides the time source used when stamping data points.
// The default is the system clock; an NTP-disciplined clock applies a
// periodically refreshed offset so point timestamps stay honest on hosts
// with drifting clocks.
package clock

import "time"

// Clock yields the current time for timestamp stamping.
type Clock interface {
	Now() time.Time
}

// System is the plain system clock.
type System struct{}

// Now returns the current system time.
func (System) Now() time.Time {
	return time.Now()
}
