// Package telemetry holds the host resource snapshot shown on the maintenance dashboard, the
// last-known-good holder the console keeps it in, and the gopsutil collector the job service samples it with.
package telemetry

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time set of resource gauges.
type Snapshot struct {
	CPU               float64   `json:"cpu"`
	Memory            float64   `json:"memory"`
	Disk              float64   `json:"disk"`
	Network           float64   `json:"network"`
	Temperature       float64   `json:"temperature"`
	UptimeMs          int64     `json:"uptime"`
	ActiveConnections int       `json:"active_connections"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Holder keeps the latest successfully fetched snapshot. Failures are recorded beside it and never clear it.
type Holder struct {
	mu        sync.RWMutex
	current   Snapshot
	fetchedAt time.Time
	has       bool
	lastErr   error
	lastErrAt time.Time
}

func NewHolder() *Holder {
	return &Holder{}
}

// Store replaces the held snapshot wholesale and clears the recorded failure.
func (h *Holder) Store(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = s
	h.fetchedAt = time.Now()
	h.has = true
	h.lastErr = nil
	h.lastErrAt = time.Time{}
}

func (h *Holder) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastErr = err
	h.lastErrAt = time.Now()
}

// Latest returns the held snapshot, when it was fetched, and whether any fetch has succeeded yet.
func (h *Holder) Latest() (Snapshot, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.current, h.fetchedAt, h.has
}

func (h *Holder) LastFailure() (error, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.lastErr, h.lastErrAt
}

// Stale reports whether the displayed snapshot should be flagged as not live: nothing fetched yet,
// the most recent fetch failed, or the snapshot is older than maxAge.
func (h *Holder) Stale(now time.Time, maxAge time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.has || h.lastErr != nil {
		return true
	}

	return maxAge > 0 && now.Sub(h.fetchedAt) > maxAge
}
