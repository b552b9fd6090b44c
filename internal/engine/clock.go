package engine

import "time"

// Clock supplies the current time to the poll scheduler. Tests swap in a
// manual implementation to drive deadlines without real waiting.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
