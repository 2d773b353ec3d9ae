// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// Clock returns the current instant. Flows take a Clock so tests can move time.
type Clock func() time.Time

// Now calls the clock, falling back to UTCNow when unset
func (c Clock) Now() time.Time {
	if c == nil {
		return UTCNow()
	}
	return c().UTC()
}

// Days returns n whole days as a duration
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
