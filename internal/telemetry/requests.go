package telemetry

import (
	"sync"
	"time"
)

const requestWindow = 60

// RequestCounter counts requests over a sliding one-minute window in one-second buckets.
type RequestCounter struct {
	mu      sync.Mutex
	buckets [requestWindow]int
	stamps  [requestWindow]int64
	now     func() time.Time
}

func NewRequestCounter() *RequestCounter {
	return &RequestCounter{now: time.Now}
}

func (c *RequestCounter) Inc() {
	sec := c.now().Unix()
	i := sec % requestWindow

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stamps[i] != sec {
		c.stamps[i] = sec
		c.buckets[i] = 0
	}
	c.buckets[i]++
}

func (c *RequestCounter) PerMinute() int {
	sec := c.now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for i := range requestWindow {
		if sec-c.stamps[i] < requestWindow {
			total += c.buckets[i]
		}
	}

	return total
}
