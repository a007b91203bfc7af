// Package clock abstracts the current time so that deadline checks and
// snapshot freezing can be exercised deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }
