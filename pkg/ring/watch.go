package ring

import "sync"

// Watcher holds the current Ring snapshot and fans out new ones to
// subscribers.
type Watcher struct {
	mu   sync.Mutex
	cur  *Ring
	subs map[chan *Ring]struct{}
}

// NewWatcher starts a Watcher holding the given initial ring (may be nil
// until the first Publish).
func NewWatcher(initial *Ring) *Watcher {
	return &Watcher{cur: initial, subs: make(map[chan *Ring]struct{})}
}

// Current returns the most recently published Ring.
func (w *Watcher) Current() *Ring {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Publish installs a new Ring and notifies every subscriber. A ring older
// than the current one (lower version) is rejected: layouts only move
// forward.
func (w *Watcher) Publish(r *Ring) bool {
	w.mu.Lock()
	if w.cur != nil && r.Version() <= w.cur.Version() {
		w.mu.Unlock()
		return false
	}
	w.cur = r
	subs := make([]chan *Ring, 0, len(w.subs))
	for ch := range w.subs {
		subs = append(subs, ch)
	}
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- r:
		default:
			// Slow subscriber: drop. The latest ring stays readable
			// through Current().
		}
	}
	return true
}

// Subscribe returns a channel receiving every subsequently published Ring,
// and a cancel func to stop delivery.
func (w *Watcher) Subscribe() (<-chan *Ring, func()) {
	ch := make(chan *Ring, 4)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
	return ch, cancel
}
