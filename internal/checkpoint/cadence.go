package checkpoint

import "time"

// MinPoll is the shortest wait Remaining reports.
const MinPoll = time.Second

// Cadence decides when newly completed records are due for a flush.
type Cadence struct {
	Period time.Duration
	Now    func() time.Time
	last   time.Time
}

// NewCadence starts the flush clock now.
func NewCadence(period time.Duration, now func() time.Time) *Cadence {
	if now == nil {
		now = time.Now
	}
	return &Cadence{Period: period, Now: now, last: now()}
}

// Due reports whether pending unsaved records should be flushed. An idle
// period never forces a write.
func (c *Cadence) Due(pending int) bool {
	return pending > 0 && c.Now().Sub(c.last) >= c.Period
}

// Remaining returns how long to wait before the next flush could be due,
// never less than MinPoll.
func (c *Cadence) Remaining() time.Duration {
	left := c.Period - c.Now().Sub(c.last)
	if left < MinPoll {
		return MinPoll
	}
	return left
}

// Mark restarts the clock after a successful flush.
func (c *Cadence) Mark() {
	c.last = c.Now()
}
