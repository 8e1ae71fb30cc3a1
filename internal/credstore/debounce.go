package credstore

import (
	"sync"
	"time"
)

// flushFunc persists a coalesced write. Called outside the debouncer lock.
type flushFunc func(key string, payload []byte)

// debouncer coalesces repeated writes to the same key within a window into
// one flush: a per-key timer plus a pending-value slot. Key rotation bursts
// rewrite the same (type,id) files many times per second; collapsing them
// keeps I/O amplification bounded at one write per key per window.
type debouncer struct {
	window time.Duration
	flush  flushFunc

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

type pendingWrite struct {
	payload []byte
	timer   *time.Timer
}

func newDebouncer(window time.Duration, flush flushFunc) *debouncer {
	return &debouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingWrite),
	}
}

// put schedules a write. A pending write for the same key is replaced;
// the timer is not reset, so one flush happens at most one window after
// the first write in a burst.
func (d *debouncer) put(key string, payload []byte) {
	if d.window <= 0 {
		d.flush(key, payload)
		return
	}

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		d.flush(key, payload)

		return
	}

	if pw, ok := d.pending[key]; ok {
		pw.payload = payload
		d.mu.Unlock()

		return
	}

	d.pending[key] = &pendingWrite{
		payload: payload,
		timer: time.AfterFunc(d.window, func() {
			d.fire(key)
		}),
	}
	d.mu.Unlock()
}

// peek returns the pending payload for a key, if any. Readers consult
// this before the disk copy so a debounced write is never invisible.
func (d *debouncer) peek(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pw, ok := d.pending[key]
	if !ok {
		return nil, false
	}

	return pw.payload, true
}

// cancel drops a pending write without flushing. Used when the key is
// being deleted anyway.
func (d *debouncer) cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pw, ok := d.pending[key]
	if !ok {
		return false
	}

	pw.timer.Stop()
	delete(d.pending, key)

	return true
}

// cancelPrefix drops all pending writes whose key starts with prefix.
func (d *debouncer) cancelPrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, pw := range d.pending {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			pw.timer.Stop()
			delete(d.pending, key)
		}
	}
}

// fire is the timer callback: take the pending slot and flush it.
func (d *debouncer) fire(key string) {
	d.mu.Lock()
	pw, ok := d.pending[key]
	if ok {
		pw.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(key, pw.payload)
	}
}

// flushAll writes out every pending entry. Used at shutdown and before a
// session reset so no coalesced write is lost.
func (d *debouncer) flushAll() {
	d.mu.Lock()
	snapshot := make(map[string][]byte, len(d.pending))

	for key, pw := range d.pending {
		pw.timer.Stop()
		snapshot[key] = pw.payload
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for key, payload := range snapshot {
		d.flush(key, payload)
	}
}

// close flushes everything and makes further puts synchronous.
func (d *debouncer) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.flushAll()
}
