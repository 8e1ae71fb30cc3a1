package replication

import "sync"

// healthTracker is the rolling health signal for the secondary backend.
// failThreshold consecutive failures flip it to degraded; healThreshold
// consecutive successes flip it back. Both thresholds are configuration,
// not protocol: the defaults (3 and 1) are operational heuristics.
type healthTracker struct {
	failThreshold int
	healThreshold int

	mu        sync.Mutex
	healthy   bool
	failures  int
	successes int
	onChange  func(healthy bool)
}

func newHealthTracker(failThreshold, healThreshold int, onChange func(bool)) *healthTracker {
	if failThreshold < 1 {
		failThreshold = 1
	}

	if healThreshold < 1 {
		healThreshold = 1
	}

	return &healthTracker{
		failThreshold: failThreshold,
		healThreshold: healThreshold,
		healthy:       true,
		onChange:      onChange,
	}
}

func (h *healthTracker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.healthy
}

// recordFailure registers one failed probe or write. Returns true when the
// signal just flipped to degraded.
func (h *healthTracker) recordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.successes = 0
	h.failures++

	if h.healthy && h.failures >= h.failThreshold {
		h.healthy = false
		h.notifyLocked()

		return true
	}

	return false
}

// recordSuccess registers one successful probe or write. Returns true when
// the signal just flipped back to healthy.
func (h *healthTracker) recordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures = 0
	h.successes++

	if !h.healthy && h.successes >= h.healThreshold {
		h.healthy = true
		h.notifyLocked()

		return true
	}

	return false
}

func (h *healthTracker) notifyLocked() {
	if h.onChange != nil {
		h.onChange(h.healthy)
	}
}
