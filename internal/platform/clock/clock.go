// Package clock provides the injectable source of "now" used for lead-time
// and reminder-window checks.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

type Clock interface {
	Now() time.Time
}

// System returns the wall clock.
func System() Clock { return bclock.New() }

// Mock is a settable clock for tests. Set jumps to an instant, Add moves
// it forward.
type Mock = bclock.Mock

// NewMock returns a Mock reading now.
func NewMock(now time.Time) *Mock {
	m := bclock.NewMock()
	m.Set(now)
	return m
}
