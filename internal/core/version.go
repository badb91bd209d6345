package core

import (
	"sync"
	"time"
)

// versionClock issues stage version tokens: ISO-8601 UTC wall-clock strings
// that are strictly increasing even when the wall clock stalls or steps
// backwards within the process.
type versionClock struct {
	mu    sync.Mutex
	last  time.Time
	nowFn func() time.Time
}

func newVersionClock() *versionClock {
	return &versionClock{nowFn: func() time.Time { return time.Now().UTC() }}
}

// Next returns a fresh version token.
func (c *versionClock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now.Format(versionLayout)
}

// versionLayout keeps tokens lexicographically comparable in commit order.
const versionLayout = "2006-01-02T15:04:05.000000Z"
