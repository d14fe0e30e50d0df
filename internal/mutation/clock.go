package mutation

import "time"

// Clock supplies wall-clock time for record timestamps, cache expiry and
// retention. Ordering never depends on it: the queue orders by store seq.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
