package engine

import "time"

// Clock is the engine's only source of wall time. Backoff deadlines and
// due-run queries are computed from it, so tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
