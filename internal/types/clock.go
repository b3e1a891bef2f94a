package types

import "time"

// Clock abstracts time for components that stamp ledger transitions or
// compute retry delays, so tests can use a fixed clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by the system time.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
