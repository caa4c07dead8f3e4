package clock

import "time"

// Clock abstracts wall-clock reads so workers and the deduction engine
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
